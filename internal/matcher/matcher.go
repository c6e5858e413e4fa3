package matcher

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/apperr"
	"github.com/xaenox/realty-agent/internal/models"
	"github.com/xaenox/realty-agent/internal/storage"
)

const DefaultMaxResults = 5

// Matcher turns search criteria into a tenant-scoped property query.
type Matcher struct {
	store      storage.PropertyStore
	maxResults int
	logger     *zap.Logger
}

func New(store storage.PropertyStore, maxResults int, logger *zap.Logger) *Matcher {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{store: store, maxResults: maxResults, logger: logger}
}

// Filter builds the store query for criteria. Unspecified fields add no
// predicate; only active listings are returned.
func (m *Matcher) Filter(tenantID string, c models.SearchCriteria) (models.PropertyFilter, error) {
	if strings.TrimSpace(tenantID) == "" {
		return models.PropertyFilter{}, apperr.New(apperr.InvalidQuery, "tenant id is required", nil)
	}
	return models.PropertyFilter{
		TenantID:        tenantID,
		City:            strings.TrimSpace(c.City),
		TransactionType: strings.TrimSpace(c.TransactionType),
		PropertyType:    strings.TrimSpace(c.PropertyType),
		Status:          models.PropertyStatusActive,
		Limit:           m.maxResults,
	}, nil
}

// Search returns the tenant's active listings matching c, newest first.
// No match is an empty slice and a nil error.
func (m *Matcher) Search(ctx context.Context, tenantID string, c models.SearchCriteria) ([]models.Property, error) {
	filter, err := m.Filter(tenantID, c)
	if err != nil {
		return nil, err
	}

	if c.IsEmpty() {
		m.logger.Debug("Searching every active listing", zap.String("tenant_id", tenantID))
	}
	properties, err := m.store.SearchProperties(ctx, filter)
	if err != nil {
		m.logger.Error("Property search failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return nil, apperr.New(apperr.StoreError, "search properties", err)
	}
	if properties == nil {
		properties = []models.Property{}
	}
	return properties, nil
}

// KnownCities lists the cities of the tenant's active listings.
func (m *Matcher) KnownCities(ctx context.Context, tenantID string) ([]string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.New(apperr.InvalidQuery, "tenant id is required", nil)
	}
	cities, err := m.store.ListCities(ctx, tenantID)
	if err != nil {
		return nil, apperr.New(apperr.StoreError, "list cities", err)
	}
	return cities, nil
}
