package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xaenox/realty-agent/internal/models"
)

type MemoryStorage struct {
	mu            sync.RWMutex
	tenants       map[string]*models.Tenant
	instances     map[string]*models.ChannelInstance
	aliases       map[string]models.InstanceAlias
	agents        map[string]*models.Agent
	agentOrder    []string
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	properties    []models.Property
	now           func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tenants:       make(map[string]*models.Tenant),
		instances:     make(map[string]*models.ChannelInstance),
		aliases:       make(map[string]models.InstanceAlias),
		agents:        make(map[string]*models.Agent),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		now:           time.Now,
	}
}

// Seeding

func (s *MemoryStorage) SaveTenant(t models.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = &t
}

func (s *MemoryStorage) SaveInstance(inst models.ChannelInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = s.now()
	}
	s.instances[inst.ID] = &inst
}

func (s *MemoryStorage) SaveAlias(alias models.InstanceAlias) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias.Alias] = alias
}

func (s *MemoryStorage) SaveAgent(a models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; !exists {
		s.agentOrder = append(s.agentOrder, a.ID)
	}
	s.agents[a.ID] = &a
}

func (s *MemoryStorage) SaveProperty(p models.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = append(s.properties, p)
}

// Tenants and instances

func (s *MemoryStorage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, exists := s.tenants[id]; exists {
		out := *t
		return &out, nil
	}
	return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inst, exists := s.instances[id]; exists {
		return copyInstance(inst), nil
	}
	return nil, fmt.Errorf("channel instance %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) FindInstanceByProviderID(ctx context.Context, providerInstanceID string) (*models.ChannelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.ProviderInstanceID == providerInstanceID {
			return copyInstance(inst), nil
		}
	}
	return nil, fmt.Errorf("provider instance %s: %w", providerInstanceID, ErrNotFound)
}

func (s *MemoryStorage) FindInstanceByAlias(ctx context.Context, alias string) (*models.ChannelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.aliases[alias]
	if !exists {
		return nil, fmt.Errorf("instance alias %s: %w", alias, ErrNotFound)
	}
	inst, exists := s.instances[a.ChannelInstanceID]
	if !exists || inst.TenantID != a.TenantID {
		return nil, fmt.Errorf("instance alias %s: %w", alias, ErrNotFound)
	}
	return copyInstance(inst), nil
}

func (s *MemoryStorage) ListTenantInstances(ctx context.Context, tenantID string) ([]models.ChannelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.ChannelInstance{}
	for _, inst := range s.instances {
		if inst.TenantID == tenantID {
			out = append(out, *copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyInstance(inst *models.ChannelInstance) *models.ChannelInstance {
	out := *inst
	if inst.AgentID != nil {
		id := *inst.AgentID
		out.AgentID = &id
	}
	if inst.BoundAt != nil {
		at := *inst.BoundAt
		out.BoundAt = &at
	}
	return &out
}

// Agents

func (s *MemoryStorage) GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, exists := s.agents[id]; exists && a.TenantID == tenantID {
		out := *a
		return &out, nil
	}
	return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) ListSecondaryAgents(ctx context.Context, tenantID, parentID string) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Agent{}
	for _, id := range s.agentOrder {
		a := s.agents[id]
		if a.TenantID != tenantID || a.Role != models.RoleSecondary || a.ParentID == nil || *a.ParentID != parentID {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// Conversations

func (s *MemoryStorage) GetOrCreateConversation(ctx context.Context, channelInstanceID, contactID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.ChannelInstanceID == channelInstanceID && c.ContactID == contactID && c.Status == models.ConversationOpen {
			out := *c
			return &out, nil
		}
	}

	now := s.now()
	c := &models.Conversation{
		ID:                uuid.New().String(),
		ChannelInstanceID: channelInstanceID,
		ContactID:         contactID,
		Status:            models.ConversationOpen,
		LastMessageAt:     now,
		CreatedAt:         now,
	}
	s.conversations[c.ID] = c
	out := *c
	return &out, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.conversations[msg.ConversationID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[c.ID] = append(s.messages[c.ID], *msg)
	if msg.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.CreatedAt
	}
	return nil
}

func (s *MemoryStorage) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Properties

func (s *MemoryStorage) SearchProperties(ctx context.Context, filter models.PropertyFilter) ([]models.Property, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("search properties: tenant id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Property{}
	for _, p := range s.properties {
		if matchesFilter(p, filter) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ListedAt.Equal(out[j].ListedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ListedAt.After(out[j].ListedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// matchesFilter mirrors the predicate built by buildSearchQuery.
func matchesFilter(p models.Property, f models.PropertyFilter) bool {
	if p.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && !strings.EqualFold(p.Status, f.Status) {
		return false
	}
	if f.PropertyType != "" && !strings.EqualFold(p.PropertyType, f.PropertyType) {
		return false
	}
	if f.TransactionType != "" && !strings.EqualFold(p.TransactionType, f.TransactionType) {
		return false
	}
	if f.City != "" && !strings.Contains(strings.ToLower(p.City), strings.ToLower(f.City)) {
		return false
	}
	return true
}

func (s *MemoryStorage) ListCities(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	cities := []string{}
	for _, p := range s.properties {
		if p.TenantID != tenantID || p.Status != models.PropertyStatusActive || p.City == "" {
			continue
		}
		if _, dup := seen[p.City]; dup {
			continue
		}
		seen[p.City] = struct{}{}
		cities = append(cities, p.City)
	}
	sort.Strings(cities)
	return cities, nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
