package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	llmCallDuration  *prometheus.HistogramVec
	fallbacksTotal   *prometheus.CounterVec
	delegationsTotal *prometheus.CounterVec
	searchResults    *prometheus.HistogramVec

	// Ingress and delivery
	eventsDropped    *prometheus.CounterVec
	instanceDrift    *prometheus.CounterVec
	deliveryAttempts *prometheus.CounterVec
}

// NewCollector registers the agent metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_turns_total",
				Help: "Conversation turns handled, by outcome",
			},
			[]string{"tenant_id", "outcome"},
		),

		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_turn_duration_seconds",
				Help:    "Duration of a conversation turn from inbound message to delivery",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"tenant_id"},
		),

		llmCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_llm_call_duration_seconds",
				Help:    "Duration of LLM chat completion calls",
				Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 16},
			},
			[]string{"model", "outcome"},
		),

		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_fallback_replies_total",
				Help: "Static fallback replies sent, by error code",
			},
			[]string{"tenant_id", "reason"},
		),

		delegationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_delegations_total",
				Help: "Agent selections, by whether a secondary agent was chosen",
			},
			[]string{"tenant_id", "delegated"},
		),

		searchResults: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_property_search_results",
				Help:    "Number of properties returned by a search tool call",
				Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
			},
			[]string{"tenant_id"},
		),

		eventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_inbound_events_dropped_total",
				Help: "Inbound webhook events dropped before a turn started",
			},
			[]string{"reason"},
		),

		instanceDrift: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_instance_drift_total",
				Help: "Instance resolutions that needed a fallback lookup",
			},
			[]string{"method"},
		),

		deliveryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_delivery_attempts_total",
				Help: "Outbound message delivery attempts, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (c *Collector) RecordTurn(tenantID, outcome string, d time.Duration) {
	c.turnsTotal.WithLabelValues(tenantID, outcome).Inc()
	c.turnDuration.WithLabelValues(tenantID).Observe(d.Seconds())
}

func (c *Collector) RecordLLMCall(model, outcome string, d time.Duration) {
	c.llmCallDuration.WithLabelValues(model, outcome).Observe(d.Seconds())
}

func (c *Collector) RecordFallback(tenantID, reason string) {
	c.fallbacksTotal.WithLabelValues(tenantID, reason).Inc()
}

func (c *Collector) RecordDelegation(tenantID string, delegated bool) {
	c.delegationsTotal.WithLabelValues(tenantID, strconv.FormatBool(delegated)).Inc()
}

func (c *Collector) RecordSearch(tenantID string, results int) {
	c.searchResults.WithLabelValues(tenantID).Observe(float64(results))
}

func (c *Collector) RecordDropped(reason string) {
	c.eventsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordInstanceDrift(method string) {
	c.instanceDrift.WithLabelValues(method).Inc()
}

func (c *Collector) RecordDeliveryAttempt(outcome string) {
	c.deliveryAttempts.WithLabelValues(outcome).Inc()
}
