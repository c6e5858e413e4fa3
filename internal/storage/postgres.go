package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	AutoMigrate bool
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sqlx.Connect("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if config.AutoMigrate {
		if err := RunMigrations(db.DB); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}

	return &PostgresStorage{db: db, logger: logger}, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("error reading migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("error creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("error querying %s: %w", what, err)
}

// Tenants and instances

const instanceColumns = `ci.id, ci.provider_instance_id, ci.tenant_id, ci.agent_id, ci.state, ci.bound_at, ci.updated_at`

func (s *PostgresStorage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.GetContext(ctx, &t, `SELECT id, name, status FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "tenant "+id)
	}
	return &t, nil
}

func (s *PostgresStorage) GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error) {
	var inst models.ChannelInstance
	query := `SELECT ` + instanceColumns + ` FROM channel_instances ci WHERE ci.id = $1`
	if err := s.db.GetContext(ctx, &inst, query, id); err != nil {
		return nil, notFound(err, "channel instance "+id)
	}
	return &inst, nil
}

func (s *PostgresStorage) FindInstanceByProviderID(ctx context.Context, providerInstanceID string) (*models.ChannelInstance, error) {
	var inst models.ChannelInstance
	query := `SELECT ` + instanceColumns + ` FROM channel_instances ci WHERE ci.provider_instance_id = $1`
	if err := s.db.GetContext(ctx, &inst, query, providerInstanceID); err != nil {
		return nil, notFound(err, "provider instance "+providerInstanceID)
	}
	return &inst, nil
}

func (s *PostgresStorage) FindInstanceByAlias(ctx context.Context, alias string) (*models.ChannelInstance, error) {
	var inst models.ChannelInstance
	query := `
		SELECT ` + instanceColumns + `
		FROM instance_aliases a
		JOIN channel_instances ci ON ci.id = a.channel_instance_id AND ci.tenant_id = a.tenant_id
		WHERE a.alias = $1`
	if err := s.db.GetContext(ctx, &inst, query, alias); err != nil {
		return nil, notFound(err, "instance alias "+alias)
	}
	return &inst, nil
}

func (s *PostgresStorage) ListTenantInstances(ctx context.Context, tenantID string) ([]models.ChannelInstance, error) {
	instances := []models.ChannelInstance{}
	query := `SELECT ` + instanceColumns + ` FROM channel_instances ci WHERE ci.tenant_id = $1 ORDER BY ci.id`
	if err := s.db.SelectContext(ctx, &instances, query, tenantID); err != nil {
		return nil, fmt.Errorf("error querying channel instances: %w", err)
	}
	return instances, nil
}

// Agents

const agentColumns = `id, tenant_id, name, role, parent_id, keywords, specialization, prompt, model, temperature, max_tokens, active, created_at`

func (s *PostgresStorage) GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error) {
	var a models.Agent
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1 AND tenant_id = $2`
	if err := s.db.GetContext(ctx, &a, query, id, tenantID); err != nil {
		return nil, notFound(err, "agent "+id)
	}
	return &a, nil
}

func (s *PostgresStorage) ListSecondaryAgents(ctx context.Context, tenantID, parentID string) ([]models.Agent, error) {
	agents := []models.Agent{}
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE tenant_id = $1 AND parent_id = $2 AND role = 'secondary'
		ORDER BY position, created_at, id`
	if err := s.db.SelectContext(ctx, &agents, query, tenantID, parentID); err != nil {
		return nil, fmt.Errorf("error querying secondary agents: %w", err)
	}
	return agents, nil
}

// Conversations

const conversationColumns = `id, channel_instance_id, contact_id, status, last_message_at, created_at`

func (s *PostgresStorage) GetOrCreateConversation(ctx context.Context, channelInstanceID, contactID string) (*models.Conversation, error) {
	insert := `
		INSERT INTO conversations (id, channel_instance_id, contact_id, status, last_message_at, created_at)
		VALUES ($1, $2, $3, 'open', NOW(), NOW())
		ON CONFLICT (channel_instance_id, contact_id) WHERE status = 'open' DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, uuid.New().String(), channelInstanceID, contactID); err != nil {
		return nil, fmt.Errorf("error opening conversation: %w", err)
	}

	var c models.Conversation
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE channel_instance_id = $1 AND contact_id = $2 AND status = 'open'`
	if err := s.db.GetContext(ctx, &c, query, channelInstanceID, contactID); err != nil {
		return nil, notFound(err, "conversation")
	}
	return &c, nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO messages (id, conversation_id, sender, content, agent_id, created_at)
		VALUES (:id, :conversation_id, :sender, :content, :agent_id, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, msg); err != nil {
		return fmt.Errorf("error appending message: %w", err)
	}

	update := `UPDATE conversations SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1`
	res, err := tx.ExecContext(ctx, update, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error updating conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	return tx.Commit()
}

func (s *PostgresStorage) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	messages := []models.Message{}
	query := `
		SELECT id, conversation_id, sender, content, agent_id, created_at FROM (
			SELECT id, conversation_id, sender, content, agent_id, created_at, seq
			FROM messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC`
	if err := s.db.SelectContext(ctx, &messages, query, conversationID, lim); err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	return messages, nil
}

// Properties

func (s *PostgresStorage) SearchProperties(ctx context.Context, filter models.PropertyFilter) ([]models.Property, error) {
	query, args, err := buildSearchQuery(filter)
	if err != nil {
		return nil, err
	}
	properties := []models.Property{}
	if err := s.db.SelectContext(ctx, &properties, query, args...); err != nil {
		return nil, fmt.Errorf("error querying properties: %w", err)
	}
	return properties, nil
}

// buildSearchQuery composes the property search. Tenant equality is always
// the first predicate; an empty filter field adds nothing.
func buildSearchQuery(f models.PropertyFilter) (string, []interface{}, error) {
	if f.TenantID == "" {
		return "", nil, fmt.Errorf("search properties: tenant id is required")
	}

	var b strings.Builder
	b.WriteString(`SELECT id, tenant_id, title, property_type, transaction_type, city, neighborhood, price, bedrooms, status, listed_at
		FROM properties
		WHERE tenant_id = $1`)
	args := []interface{}{f.TenantID}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		fmt.Fprintf(&b, clause, len(args))
	}

	if f.Status != "" {
		add(` AND LOWER(status) = LOWER($%d)`, f.Status)
	}
	if f.PropertyType != "" {
		add(` AND LOWER(property_type) = LOWER($%d)`, f.PropertyType)
	}
	if f.TransactionType != "" {
		add(` AND LOWER(transaction_type) = LOWER($%d)`, f.TransactionType)
	}
	if f.City != "" {
		add(` AND city ILIKE $%d ESCAPE '\'`, "%"+escapeLike(f.City)+"%")
	}
	b.WriteString(` ORDER BY listed_at DESC, id`)
	if f.Limit > 0 {
		add(` LIMIT $%d`, f.Limit)
	}
	return b.String(), args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (s *PostgresStorage) ListCities(ctx context.Context, tenantID string) ([]string, error) {
	cities := []string{}
	query := `
		SELECT DISTINCT city FROM properties
		WHERE tenant_id = $1 AND status = 'active' AND city <> ''
		ORDER BY city`
	if err := s.db.SelectContext(ctx, &cities, query, tenantID); err != nil {
		return nil, fmt.Errorf("error querying cities: %w", err)
	}
	return cities, nil
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
