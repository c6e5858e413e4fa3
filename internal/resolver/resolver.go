package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/alert"
	"github.com/xaenox/realty-agent/internal/apperr"
	"github.com/xaenox/realty-agent/internal/models"
	"github.com/xaenox/realty-agent/internal/storage"
)

type Method string

const (
	MethodExact        Method = "exact"
	MethodInstanceName Method = "instance_name"
	MethodAlias        Method = "alias"
	MethodTenantSingle Method = "tenant_single"
)

type Resolution struct {
	TenantID string
	Instance models.ChannelInstance
	Method   Method
}

func (r *Resolution) Drifted() bool {
	return r.Method != MethodExact
}

type DriftRecorder interface {
	RecordInstanceDrift(method string)
}

type Store interface {
	storage.TenantStore
	storage.InstanceStore
}

type Config struct {
	// SingleInstancePerTenant lets a tenant hint pick the most recently
	// bound instance when the tenant has more than one.
	SingleInstancePerTenant bool
}

type Resolver struct {
	store    Store
	cfg      Config
	drift    DriftRecorder
	notifier alert.Notifier
	logger   *zap.Logger
}

func New(store Store, cfg Config, drift DriftRecorder, notifier alert.Notifier, logger *zap.Logger) *Resolver {
	if notifier == nil {
		notifier = alert.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, cfg: cfg, drift: drift, notifier: notifier, logger: logger}
}

// Resolve maps the identifiers of an inbound event to its tenant and
// channel instance. The stored provider identifier is tried first; the
// payload's instance name, the alias table and the tenant hint are
// fallbacks that are logged and alerted but never fail the turn.
func (r *Resolver) Resolve(ctx context.Context, ref models.InstanceRef) (*Resolution, error) {
	res, err := r.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	tenant, err := r.store.GetTenant(ctx, res.TenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.UnknownInstance, "tenant not found", err)
		}
		return nil, apperr.New(apperr.StoreError, "load tenant", err)
	}
	if !tenant.IsActive() {
		return nil, apperr.New(apperr.UnknownInstance, "tenant is inactive", nil)
	}

	if res.Drifted() {
		r.reportDrift(ctx, ref, res)
	}
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, ref models.InstanceRef) (*Resolution, error) {
	providerID := strings.TrimSpace(ref.ProviderInstanceID)
	name := strings.TrimSpace(ref.InstanceName)

	if providerID != "" {
		inst, err := r.find(ctx, providerID, r.store.FindInstanceByProviderID)
		if err != nil || inst != nil {
			return resolution(inst, MethodExact), err
		}
	}
	if name != "" && name != providerID {
		inst, err := r.find(ctx, name, r.store.FindInstanceByProviderID)
		if err != nil || inst != nil {
			return resolution(inst, MethodInstanceName), err
		}
	}
	for _, id := range []string{providerID, name} {
		if id == "" {
			continue
		}
		inst, err := r.find(ctx, id, r.store.FindInstanceByAlias)
		if err != nil || inst != nil {
			return resolution(inst, MethodAlias), err
		}
	}

	if hint := strings.TrimSpace(ref.TenantHint); hint != "" {
		inst, err := r.fromTenantHint(ctx, hint)
		if err != nil || inst != nil {
			return resolution(inst, MethodTenantSingle), err
		}
	}

	return nil, apperr.New(apperr.UnknownInstance,
		fmt.Sprintf("no channel instance for provider id %q", providerID), nil)
}

func resolution(inst *models.ChannelInstance, method Method) *Resolution {
	if inst == nil {
		return nil
	}
	return &Resolution{TenantID: inst.TenantID, Instance: *inst, Method: method}
}

// find returns (nil, nil) on a miss.
func (r *Resolver) find(ctx context.Context, id string, fn func(context.Context, string) (*models.ChannelInstance, error)) (*models.ChannelInstance, error) {
	inst, err := fn(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, apperr.New(apperr.StoreError, "lookup channel instance", err)
	}
	return inst, nil
}

func (r *Resolver) fromTenantHint(ctx context.Context, tenantID string) (*models.ChannelInstance, error) {
	instances, err := r.store.ListTenantInstances(ctx, tenantID)
	if err != nil {
		return nil, apperr.New(apperr.StoreError, "list tenant instances", err)
	}

	var bound []models.ChannelInstance
	for _, inst := range instances {
		if inst.State == models.InstanceBound {
			bound = append(bound, inst)
		}
	}
	switch {
	case len(bound) == 1:
		return &bound[0], nil
	case len(bound) > 1 && r.cfg.SingleInstancePerTenant:
		latest := bound[0]
		for _, inst := range bound[1:] {
			if boundAfter(inst, latest) {
				latest = inst
			}
		}
		return &latest, nil
	default:
		return nil, nil
	}
}

func boundAfter(a, b models.ChannelInstance) bool {
	switch {
	case a.BoundAt == nil:
		return false
	case b.BoundAt == nil:
		return true
	case a.BoundAt.Equal(*b.BoundAt):
		return a.ID < b.ID
	default:
		return a.BoundAt.After(*b.BoundAt)
	}
}

func (r *Resolver) reportDrift(ctx context.Context, ref models.InstanceRef, res *Resolution) {
	r.logger.Warn("Channel instance resolved by fallback",
		zap.String("method", string(res.Method)),
		zap.String("provider_instance_id", ref.ProviderInstanceID),
		zap.String("instance_name", ref.InstanceName),
		zap.String("tenant_id", res.TenantID),
		zap.String("channel_instance_id", res.Instance.ID))
	if r.drift != nil {
		r.drift.RecordInstanceDrift(string(res.Method))
	}
	r.notifier.Notify(ctx, alert.Alert{
		Kind:              alert.InstanceDrift,
		TenantID:          res.TenantID,
		ChannelInstanceID: res.Instance.ID,
		Message: fmt.Sprintf("provider id %q (name %q) matched stored id %q by %s",
			ref.ProviderInstanceID, ref.InstanceName, res.Instance.ProviderInstanceID, res.Method),
	})
}
