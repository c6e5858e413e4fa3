package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/whatsapp"
)

// EventSink accepts parsed webhook events for processing.
type EventSink interface {
	EnqueueBatch(ctx context.Context, events []whatsapp.InboundEvent) (accepted, dropped int)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type DropRecorder interface {
	RecordDropped(reason string)
}

type Handler struct {
	events   EventSink
	store    Pinger
	limiter  *InstanceLimiter
	recorder DropRecorder
	logger   *zap.Logger
}

func NewHandler(events EventSink, store Pinger, limiter *InstanceLimiter, recorder DropRecorder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		events:   events,
		store:    store,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
	}
}
