package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/alert"
	"github.com/xaenox/realty-agent/internal/apperr"
	"github.com/xaenox/realty-agent/internal/delegation"
	"github.com/xaenox/realty-agent/internal/models"
	"github.com/xaenox/realty-agent/internal/orchestrator"
	"github.com/xaenox/realty-agent/internal/resolver"
	"github.com/xaenox/realty-agent/internal/storage"
	"github.com/xaenox/realty-agent/internal/whatsapp"
)

type InstanceResolver interface {
	Resolve(ctx context.Context, ref models.InstanceRef) (*resolver.Resolution, error)
}

type AgentSelector interface {
	SelectAgent(ctx context.Context, tenantID, channelInstanceID, conversationText string) (*delegation.Selection, error)
}

type TurnRunner interface {
	Run(ctx context.Context, turn orchestrator.Turn) *orchestrator.Result
}

type Sender interface {
	Send(ctx context.Context, msg whatsapp.Outbound) error
}

type Recorder interface {
	RecordTurn(tenantID, outcome string, d time.Duration)
	RecordFallback(tenantID, reason string)
	RecordDelegation(tenantID string, delegated bool)
	RecordSearch(tenantID string, results int)
	RecordDropped(reason string)
}

type Config struct {
	TurnTimeout time.Duration
	// DeliveryTimeout bounds sending the reply and storing the outcome. It
	// starts when the orchestrator returns, so a turn that used up
	// TurnTimeout still delivers its fallback.
	DeliveryTimeout time.Duration
	// HistoryWindow is the number of stored messages handed to the model.
	HistoryWindow int
	// DelegationWindow is the number of recent contact messages scanned
	// for delegation keywords.
	DelegationWindow int
}

type Dispatcher struct {
	resolver    InstanceResolver
	selector    AgentSelector
	runner      TurnRunner
	sender      Sender
	store       storage.ConversationStore
	recorder    Recorder
	notifier    alert.Notifier
	cfg         Config
	logger      *zap.Logger
	serializer  *Serializer
	baseCtx     context.Context
	cancelTurns context.CancelFunc
	now         func() time.Time
}

type Deps struct {
	Resolver InstanceResolver
	Selector AgentSelector
	Runner   TurnRunner
	Sender   Sender
	Store    storage.ConversationStore
	Recorder Recorder
	Notifier alert.Notifier
}

func New(deps Deps, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	switch {
	case deps.Resolver == nil:
		return nil, fmt.Errorf("dispatcher: resolver is required")
	case deps.Selector == nil:
		return nil, fmt.Errorf("dispatcher: agent selector is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("dispatcher: turn runner is required")
	case deps.Sender == nil:
		return nil, fmt.Errorf("dispatcher: sender is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("dispatcher: conversation store is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("dispatcher: metrics recorder is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = alert.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 25 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 40 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.DelegationWindow <= 0 {
		cfg.DelegationWindow = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		resolver:    deps.Resolver,
		selector:    deps.Selector,
		runner:      deps.Runner,
		sender:      deps.Sender,
		store:       deps.Store,
		recorder:    deps.Recorder,
		notifier:    deps.Notifier,
		cfg:         cfg,
		logger:      logger,
		serializer:  NewSerializer(),
		baseCtx:     ctx,
		cancelTurns: cancel,
		now:         time.Now,
	}, nil
}

// EnqueueBatch hands every event to Enqueue. A bad event never fails the
// batch; it is counted as dropped.
func (d *Dispatcher) EnqueueBatch(ctx context.Context, events []whatsapp.InboundEvent) (accepted, dropped int) {
	for _, ev := range events {
		if err := d.Enqueue(ctx, ev); err != nil {
			dropped++
			continue
		}
		accepted++
	}
	return accepted, dropped
}

// Enqueue resolves the event's channel instance and queues the turn behind
// earlier turns of the same conversation. Unresolvable events are dropped
// without a reply.
func (d *Dispatcher) Enqueue(ctx context.Context, ev whatsapp.InboundEvent) error {
	res, err := d.resolver.Resolve(ctx, ev.Instance)
	if err != nil {
		code := apperr.CodeOf(err)
		reason := strings.ToLower(string(code))
		if reason == "" {
			reason = "resolve_error"
		}
		d.recorder.RecordDropped(reason)
		d.logger.Warn("Dropping inbound message",
			zap.String("provider_instance_id", ev.Instance.ProviderInstanceID),
			zap.String("instance_name", ev.Instance.InstanceName),
			zap.String("code", string(code)),
			zap.Error(err))
		if apperr.Is(err, apperr.UnknownInstance) {
			d.notifier.Notify(ctx, alert.Alert{
				Kind:    alert.UnknownInstance,
				Message: fmt.Sprintf("provider id %q (name %q): %v", ev.Instance.ProviderInstanceID, ev.Instance.InstanceName, err),
			})
		}
		return err
	}

	key := res.Instance.ID + ":" + ev.ContactID
	return d.serializer.Submit(key, func() { d.process(res, ev) })
}

func (d *Dispatcher) process(res *resolver.Resolution, ev whatsapp.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Turn panicked",
				zap.String("tenant_id", res.TenantID),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.TurnTimeout)
	defer cancel()

	if err := d.HandleTurn(ctx, res, ev); err != nil {
		d.logger.Error("Turn failed",
			zap.String("tenant_id", res.TenantID),
			zap.String("channel_instance_id", res.Instance.ID),
			zap.String("contact_id", ev.ContactID),
			zap.Error(err))
		d.notifier.Notify(ctx, alert.Alert{
			Kind:              alert.PersistenceFailed,
			TenantID:          res.TenantID,
			ChannelInstanceID: res.Instance.ID,
			Message:           err.Error(),
		})
	}
}

// HandleTurn runs one resolved turn: persist the inbound message, pick the
// agent, run the orchestrator, deliver and persist the outcome. Only
// persistence failures are returned.
func (d *Dispatcher) HandleTurn(ctx context.Context, res *resolver.Resolution, ev whatsapp.InboundEvent) error {
	start := d.now()
	tenantID := res.TenantID
	logger := d.logger.With(
		zap.String("tenant_id", tenantID),
		zap.String("channel_instance_id", res.Instance.ID),
		zap.String("contact_id", ev.ContactID),
		zap.String("contact_name", ev.ContactName))

	conv, err := d.store.GetOrCreateConversation(ctx, res.Instance.ID, ev.ContactID)
	if err != nil {
		return apperr.New(apperr.StoreError, "open conversation", err)
	}
	logger = logger.With(zap.String("conversation_id", conv.ID))

	receivedAt := ev.Timestamp
	if receivedAt.IsZero() {
		receivedAt = d.now()
	}
	inbound := &models.Message{
		ConversationID: conv.ID,
		Sender:         models.SenderContact,
		Content:        ev.Text,
		CreatedAt:      receivedAt.UTC(),
	}
	if err := d.store.AppendMessage(ctx, inbound); err != nil {
		return apperr.New(apperr.StoreError, "append inbound message", err)
	}

	history, err := d.store.RecentMessages(ctx, conv.ID, d.cfg.HistoryWindow)
	if err != nil {
		return apperr.New(apperr.StoreError, "load conversation history", err)
	}

	sel, err := d.selector.SelectAgent(ctx, tenantID, res.Instance.ID, d.delegationText(history))
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.NoAgentBound, apperr.UnknownInstance:
			logger.Warn("No agent to answer, message left unanswered", zap.Error(err))
			d.recorder.RecordDropped("no_agent_bound")
			d.notifier.Notify(ctx, alert.Alert{
				Kind:              alert.NoAgentBound,
				TenantID:          tenantID,
				ChannelInstanceID: res.Instance.ID,
				Message:           err.Error(),
			})
			return nil
		default:
			return err
		}
	}
	d.recorder.RecordDelegation(tenantID, sel.Delegated)
	agentID := sel.Agent.ID

	result := d.runner.Run(ctx, orchestrator.Turn{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		Agent:          sel.Agent,
		History:        history,
	})
	if result.Fallback {
		d.recorder.RecordFallback(tenantID, string(apperr.CodeOf(result.Err)))
	}
	if result.ToolCalled {
		d.recorder.RecordSearch(tenantID, len(result.Properties))
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DeliveryTimeout)
	defer cancel()

	delivered := d.deliver(finishCtx, logger, res, ev, result.Reply)

	if result.ToolCalled && result.ToolPayload != "" {
		toolMsg := &models.Message{
			ConversationID: conv.ID,
			Sender:         models.SenderTool,
			Content:        result.ToolPayload,
			AgentID:        &agentID,
			CreatedAt:      d.now().UTC(),
		}
		if err := d.store.AppendMessage(finishCtx, toolMsg); err != nil {
			return apperr.New(apperr.StoreError, "append tool result", err)
		}
	}
	if delivered {
		agentMsg := &models.Message{
			ConversationID: conv.ID,
			Sender:         models.SenderAgent,
			Content:        result.Reply,
			AgentID:        &agentID,
			CreatedAt:      d.now().UTC(),
		}
		if err := d.store.AppendMessage(finishCtx, agentMsg); err != nil {
			return apperr.New(apperr.StoreError, "append agent reply", err)
		}
	}

	outcome := string(result.State)
	if !delivered {
		outcome = "undelivered"
	}
	d.recorder.RecordTurn(tenantID, outcome, d.now().Sub(start))
	logger.Info("Turn completed",
		zap.String("agent_id", agentID),
		zap.Bool("delegated", sel.Delegated),
		zap.String("state", string(result.State)),
		zap.Bool("tool_called", result.ToolCalled),
		zap.Int("properties", len(result.Properties)),
		zap.Bool("fallback", result.Fallback),
		zap.Bool("delivered", delivered))
	return nil
}

func (d *Dispatcher) delegationText(history []models.Message) string {
	texts := models.ContactTexts(history)
	if len(texts) > d.cfg.DelegationWindow {
		texts = texts[:d.cfg.DelegationWindow]
	}
	return strings.Join(texts, "\n")
}

func (d *Dispatcher) deliver(ctx context.Context, logger *zap.Logger, res *resolver.Resolution, ev whatsapp.InboundEvent, text string) bool {
	instance := ev.Instance.InstanceName
	if instance == "" {
		instance = res.Instance.ProviderInstanceID
	}
	builder := whatsapp.NewOutbound(instance).To(ev.ContactID).Text(text)
	if ev.ProviderMessageID != "" {
		builder.Key("reply-" + ev.ProviderMessageID)
	}
	msg, err := builder.Build()
	if err == nil {
		err = d.sender.Send(ctx, msg)
	}
	if err != nil {
		logger.Error("Failed to deliver reply", zap.Error(err))
		d.notifier.Notify(ctx, alert.Alert{
			Kind:              alert.DeliveryFailed,
			TenantID:          res.TenantID,
			ChannelInstanceID: res.Instance.ID,
			Message:           err.Error(),
		})
		return false
	}
	return true
}

// Shutdown stops accepting events and waits for queued turns. When ctx
// expires first, running turns are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.serializer.Close()
	if n := d.serializer.Active(); n > 0 {
		d.logger.Info("Draining conversations", zap.Int("active", n))
	}
	err := d.serializer.Wait(ctx)
	if err != nil {
		d.cancelTurns()
		return err
	}
	d.cancelTurns()
	return nil
}
