package alert

import (
	"context"
	"fmt"
	"strings"
)

type Kind string

const (
	InstanceDrift     Kind = "instance_drift"
	UnknownInstance   Kind = "unknown_instance"
	NoAgentBound      Kind = "no_agent_bound"
	DeliveryFailed    Kind = "delivery_failed"
	PersistenceFailed Kind = "persistence_failed"
)

// Alert is an operator notification about a condition the contact never sees.
type Alert struct {
	Kind              Kind
	TenantID          string
	ChannelInstanceID string
	Message           string
}

func (a Alert) key() string {
	return string(a.Kind) + ":" + a.TenantID + ":" + a.ChannelInstanceID
}

func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", a.Kind)
	if a.TenantID != "" {
		fmt.Fprintf(&b, " tenant=%s", a.TenantID)
	}
	if a.ChannelInstanceID != "" {
		fmt.Fprintf(&b, " instance=%s", a.ChannelInstanceID)
	}
	if a.Message != "" {
		b.WriteString("\n")
		b.WriteString(a.Message)
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

type Nop struct{}

func (Nop) Notify(context.Context, Alert) {}
