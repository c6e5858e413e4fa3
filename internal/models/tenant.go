package models

import "time"

type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
)

type Tenant struct {
	ID     string       `json:"id" db:"id"`
	Name   string       `json:"name" db:"name"`
	Status TenantStatus `json:"status" db:"status"`
}

func (t *Tenant) IsActive() bool {
	return t != nil && t.Status == TenantActive
}

type InstanceState string

const (
	InstanceUnbound      InstanceState = "unbound"
	InstanceBound        InstanceState = "bound"
	InstanceDisconnected InstanceState = "disconnected"
)

// ChannelInstance is a WhatsApp number connected through the provider.
type ChannelInstance struct {
	ID                 string        `json:"id" db:"id"`
	ProviderInstanceID string        `json:"provider_instance_id" db:"provider_instance_id"`
	TenantID           string        `json:"tenant_id" db:"tenant_id"`
	AgentID            *string       `json:"agent_id,omitempty" db:"agent_id"`
	State              InstanceState `json:"state" db:"state"`
	BoundAt            *time.Time    `json:"bound_at,omitempty" db:"bound_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// InstanceAlias maps an alternative provider identifier to a channel
// instance of the same tenant.
type InstanceAlias struct {
	Alias             string `json:"alias" db:"alias"`
	TenantID          string `json:"tenant_id" db:"tenant_id"`
	ChannelInstanceID string `json:"channel_instance_id" db:"channel_instance_id"`
}

// InstanceRef carries the identifiers an inbound webhook offers for
// resolving its channel instance.
type InstanceRef struct {
	ProviderInstanceID string
	InstanceName       string
	TenantHint         string
}
