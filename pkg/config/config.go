package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	WhatsApp     WhatsAppConfig     `mapstructure:"whatsapp"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Delegation   DelegationConfig   `mapstructure:"delegation"`
	Resolver     ResolverConfig     `mapstructure:"resolver"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	GinMode         string        `mapstructure:"gin_mode"`
	WebhookToken    string        `mapstructure:"webhook_token"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	OrgID       string        `mapstructure:"org_id"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type WhatsAppConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type OrchestratorConfig struct {
	LLMTimeout       time.Duration `mapstructure:"llm_timeout"`
	TurnTimeout      time.Duration `mapstructure:"turn_timeout"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	HistoryWindow    int           `mapstructure:"history_window"`
	ExtractionWindow int           `mapstructure:"extraction_window"`
	MaxResults       int           `mapstructure:"max_results"`
	FallbackReply    string        `mapstructure:"fallback_reply"`
}

type DelegationConfig struct {
	// TiePolicy is "main" or "first".
	TiePolicy string `mapstructure:"tie_policy"`
	Window    int    `mapstructure:"window"`
}

type ResolverConfig struct {
	SingleInstancePerTenant bool `mapstructure:"single_instance_per_tenant"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Token    string        `mapstructure:"token"`
	ChatID   int64         `mapstructure:"chat_id"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.webhook_token", "")
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.rate_per_second", 5.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "realty_agent")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.org_id", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 512)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("openai.http_timeout", "30s")

	v.SetDefault("whatsapp.base_url", "")
	v.SetDefault("whatsapp.api_key", "")
	v.SetDefault("whatsapp.timeout", "10s")
	v.SetDefault("whatsapp.max_attempts", 3)
	v.SetDefault("whatsapp.backoff", "500ms")

	v.SetDefault("orchestrator.llm_timeout", "8s")
	v.SetDefault("orchestrator.turn_timeout", "25s")
	v.SetDefault("orchestrator.delivery_timeout", "40s")
	v.SetDefault("orchestrator.history_window", 20)
	v.SetDefault("orchestrator.extraction_window", 10)
	v.SetDefault("orchestrator.max_results", 5)
	v.SetDefault("orchestrator.fallback_reply", "")

	v.SetDefault("delegation.tie_policy", "main")
	v.SetDefault("delegation.window", 3)

	v.SetDefault("resolver.single_instance_per_tenant", false)

	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.token", "")
	v.SetDefault("alerts.telegram.chat_id", 0)
	v.SetDefault("alerts.telegram.cooldown", "10m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads the optional YAML file at path, then applies
// environment variables. A .env file in the working directory is loaded
// first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support, e.g. ORCHESTRATOR_LLM_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		dbConfig.UseInMemory = config.Database.UseInMemory
		dbConfig.AutoMigrate = config.Database.AutoMigrate
		config.Database = dbConfig
	}

	// Get other environment variables
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if apiKey := v.GetString("WHATSAPP_API_KEY"); apiKey != "" {
		config.WhatsApp.APIKey = apiKey
	}
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Alerts.Telegram.Token = token
	}

	return &config, nil
}

// Validate reports every missing or inconsistent required value.
func (c *Config) Validate() error {
	var errs []error
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key (or OPENAI_API_KEY) is required"))
	}
	if c.WhatsApp.BaseURL == "" {
		errs = append(errs, errors.New("whatsapp.base_url is required"))
	}
	if c.WhatsApp.APIKey == "" {
		errs = append(errs, errors.New("whatsapp.api_key (or WHATSAPP_API_KEY) is required"))
	}
	if !c.Database.UseInMemory && c.Database.DBName == "" {
		errs = append(errs, errors.New("database.dbname is required unless use_in_memory is set"))
	}
	if c.Orchestrator.LLMTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.llm_timeout must be positive"))
	}
	// A turn makes up to two model calls and a property search.
	if c.Orchestrator.TurnTimeout <= 2*c.Orchestrator.LLMTimeout {
		errs = append(errs, errors.New("orchestrator.turn_timeout must be longer than twice llm_timeout"))
	}
	if c.Orchestrator.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.delivery_timeout must be positive"))
	}
	if c.Orchestrator.MaxResults <= 0 {
		errs = append(errs, errors.New("orchestrator.max_results must be positive"))
	}
	switch strings.ToLower(c.Delegation.TiePolicy) {
	case "main", "first":
	default:
		errs = append(errs, fmt.Errorf("delegation.tie_policy %q must be main or first", c.Delegation.TiePolicy))
	}
	if t := c.Alerts.Telegram; t.Enabled && (t.Token == "" || t.ChatID == 0) {
		errs = append(errs, errors.New("alerts.telegram needs token and chat_id when enabled"))
	}
	return errors.Join(errs...)
}
