package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/alert"
	"github.com/xaenox/realty-agent/internal/api"
	"github.com/xaenox/realty-agent/internal/api/handlers"
	"github.com/xaenox/realty-agent/internal/delegation"
	"github.com/xaenox/realty-agent/internal/dispatcher"
	"github.com/xaenox/realty-agent/internal/llm"
	"github.com/xaenox/realty-agent/internal/matcher"
	"github.com/xaenox/realty-agent/internal/metrics"
	"github.com/xaenox/realty-agent/internal/orchestrator"
	"github.com/xaenox/realty-agent/internal/resolver"
	"github.com/xaenox/realty-agent/internal/storage"
	"github.com/xaenox/realty-agent/internal/whatsapp"
	"github.com/xaenox/realty-agent/pkg/config"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Invalid log configuration", zap.Error(err))
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage",
			zap.String("host", cfg.Database.Host),
			zap.String("dbname", cfg.Database.DBName))
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			AutoMigrate: cfg.Database.AutoMigrate,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// Operator alerts
	var notifier alert.Notifier = alert.Nop{}
	var telegram *alert.TelegramNotifier
	if tg := cfg.Alerts.Telegram; tg.Enabled {
		telegram, err = alert.NewTelegramNotifier(tg.Token, tg.ChatID, tg.Cooldown, logger.Named("alert"))
		if err != nil {
			logger.Fatal("Failed to create Telegram notifier", zap.Error(err))
		}
		notifier = telegram
		logger.Info("Telegram alerts enabled", zap.Int64("chat_id", tg.ChatID))
	}

	// LLM client
	chat := llm.NewInstrumented(llm.NewClient(llm.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		OrgID:   cfg.OpenAI.OrgID,
		Timeout: cfg.OpenAI.HTTPTimeout,
	}), collector)

	// Turn pipeline
	res := resolver.New(store, resolver.Config{
		SingleInstancePerTenant: cfg.Resolver.SingleInstancePerTenant,
	}, collector, notifier, logger.Named("resolver"))

	delegator := delegation.NewDelegator(
		delegation.NewLoader(store, store),
		delegation.ParseTiePolicy(cfg.Delegation.TiePolicy),
		logger.Named("delegation"),
	)

	orch := orchestrator.New(chat, matcher.New(store, cfg.Orchestrator.MaxResults, logger.Named("matcher")), orchestrator.Config{
		LLMTimeout:         cfg.Orchestrator.LLMTimeout,
		ExtractionWindow:   cfg.Orchestrator.ExtractionWindow,
		FallbackReply:      cfg.Orchestrator.FallbackReply,
		DefaultModel:       cfg.OpenAI.Model,
		DefaultTemperature: cfg.OpenAI.Temperature,
		DefaultMaxTokens:   cfg.OpenAI.MaxTokens,
	}, logger.Named("orchestrator"))

	sender := whatsapp.NewClient(whatsapp.ClientConfig{
		BaseURL:     cfg.WhatsApp.BaseURL,
		APIKey:      cfg.WhatsApp.APIKey,
		Timeout:     cfg.WhatsApp.Timeout,
		MaxAttempts: cfg.WhatsApp.MaxAttempts,
		Backoff:     cfg.WhatsApp.Backoff,
	}, collector, logger.Named("whatsapp"))

	disp, err := dispatcher.New(dispatcher.Deps{
		Resolver: res,
		Selector: delegator,
		Runner:   orch,
		Sender:   sender,
		Store:    store,
		Recorder: collector,
		Notifier: notifier,
	}, dispatcher.Config{
		TurnTimeout:      cfg.Orchestrator.TurnTimeout,
		DeliveryTimeout:  cfg.Orchestrator.DeliveryTimeout,
		HistoryWindow:    cfg.Orchestrator.HistoryWindow,
		DelegationWindow: cfg.Delegation.Window,
	}, logger.Named("dispatcher"))
	if err != nil {
		logger.Fatal("Failed to create dispatcher", zap.Error(err))
	}

	// HTTP server
	handler := handlers.NewHandler(
		disp,
		store,
		handlers.NewInstanceLimiter(cfg.Server.RatePerSecond, cfg.Server.RateBurst, 0),
		collector,
		logger.Named("api"),
	)
	server := api.NewServer(api.Config{
		GinMode:      cfg.Server.GinMode,
		WebhookToken: cfg.Server.WebhookToken,
	}, handler, registry, logger.Named("http"))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Agent started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := disp.Shutdown(ctx); err != nil {
		logger.Warn("Pending turns cancelled", zap.Error(err))
	}
	if telegram != nil {
		if err := telegram.Close(ctx); err != nil {
			logger.Warn("Pending alerts dropped", zap.Error(err))
		}
	}

	logger.Info("Agent exited")
}
