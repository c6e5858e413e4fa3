package storage

import (
	"context"
	"errors"

	"github.com/xaenox/realty-agent/internal/models"
)

var ErrNotFound = errors.New("not found")

type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error)
	FindInstanceByProviderID(ctx context.Context, providerInstanceID string) (*models.ChannelInstance, error)
	FindInstanceByAlias(ctx context.Context, alias string) (*models.ChannelInstance, error)
	ListTenantInstances(ctx context.Context, tenantID string) ([]models.ChannelInstance, error)
}

type AgentStore interface {
	GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error)
	// ListSecondaryAgents returns the secondaries of parentID in
	// configuration order.
	ListSecondaryAgents(ctx context.Context, tenantID, parentID string) ([]models.Agent, error)
}

type ConversationStore interface {
	// GetOrCreateConversation returns the open conversation of contactID on
	// the instance, opening one when none exists.
	GetOrCreateConversation(ctx context.Context, channelInstanceID, contactID string) (*models.Conversation, error)
	// AppendMessage stores msg and moves the conversation's last_message_at.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

type PropertyStore interface {
	SearchProperties(ctx context.Context, filter models.PropertyFilter) ([]models.Property, error)
	// ListCities returns the distinct cities of the tenant's active listings.
	ListCities(ctx context.Context, tenantID string) ([]string, error)
}

type Storage interface {
	TenantStore
	InstanceStore
	AgentStore
	ConversationStore
	PropertyStore

	Ping(ctx context.Context) error
	Close() error
}
