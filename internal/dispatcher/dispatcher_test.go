package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/realty-agent/internal/alert"
	"github.com/xaenox/realty-agent/internal/apperr"
	"github.com/xaenox/realty-agent/internal/delegation"
	"github.com/xaenox/realty-agent/internal/matcher"
	"github.com/xaenox/realty-agent/internal/metrics"
	"github.com/xaenox/realty-agent/internal/models"
	"github.com/xaenox/realty-agent/internal/orchestrator"
	"github.com/xaenox/realty-agent/internal/resolver"
	"github.com/xaenox/realty-agent/internal/storage"
	"github.com/xaenox/realty-agent/internal/whatsapp"
)

type step func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)

type scriptedLLM struct {
	mu       sync.Mutex
	steps    []step
	requests []openai.ChatCompletionRequest
}

func (s *scriptedLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if i >= len(s.steps) {
		return openai.ChatCompletionResponse{}, errors.New("unexpected extra call")
	}
	return s.steps[i](ctx, req)
}

func (s *scriptedLLM) calls() []openai.ChatCompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), s.requests...)
}

func reply(text string) step {
	return func(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
		}}}, nil
	}
}

func searchWith(args string) step {
	return func(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: orchestrator.SearchToolName, Arguments: args},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}}}, nil
	}
}

func hang(ctx context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	<-ctx.Done()
	return openai.ChatCompletionResponse{}, ctx.Err()
}

type fakeSender struct {
	mu   sync.Mutex
	sent []whatsapp.Outbound
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg whatsapp.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []whatsapp.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whatsapp.Outbound(nil), f.sent...)
}

type alertSpy struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *alertSpy) Notify(_ context.Context, al alert.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
}

func (a *alertSpy) kinds() []alert.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alert.Kind
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

type harness struct {
	store  *storage.MemoryStorage
	llm    *scriptedLLM
	sender *fakeSender
	alerts *alertSpy
	reg    *prometheus.Registry
	d      *Dispatcher
}

func ptr(s string) *string { return &s }

// seed stores tenant-a with one bound instance, a main agent and two
// secondaries, plus listings in two cities.
func seed() *storage.MemoryStorage {
	s := storage.NewMemoryStorage()
	s.SaveTenant(models.Tenant{ID: "tenant-a", Name: "Imobiliária Sul", Status: models.TenantActive})
	s.SaveTenant(models.Tenant{ID: "tenant-b", Name: "Casa Norte", Status: models.TenantActive})

	bound := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SaveInstance(models.ChannelInstance{
		ID: "inst-a", ProviderInstanceID: "prov-a", TenantID: "tenant-a",
		AgentID: ptr("main-a"), State: models.InstanceBound, BoundAt: &bound,
	})
	s.SaveInstance(models.ChannelInstance{
		ID: "inst-b", ProviderInstanceID: "prov-b", TenantID: "tenant-b", State: models.InstanceUnbound,
	})

	s.SaveAgent(models.Agent{ID: "main-a", TenantID: "tenant-a", Name: "Ana", Role: models.RoleMain, Model: "gpt-4o-mini", Active: true})
	s.SaveAgent(models.Agent{
		ID: "apartments", TenantID: "tenant-a", Name: "Especialista em apartamentos", Role: models.RoleSecondary,
		ParentID: ptr("main-a"), Keywords: pq.StringArray{"apartamentos"}, Model: "model-apartments", Active: true,
	})
	s.SaveAgent(models.Agent{
		ID: "houses", TenantID: "tenant-a", Name: "Especialista em casas", Role: models.RoleSecondary,
		ParentID: ptr("main-a"), Keywords: pq.StringArray{"casas"}, Model: "model-houses", Active: true,
	})

	listed := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	add := func(id, tenant, pt, tt, city, status string, hours int) {
		s.SaveProperty(models.Property{
			ID: id, TenantID: tenant, Title: id, PropertyType: pt, TransactionType: tt,
			City: city, Status: status, Price: 1800, ListedAt: listed.Add(time.Duration(hours) * time.Hour),
		})
	}
	add("apt-lease-jca", "tenant-a", models.PropertyApartment, models.TransactionLease, "Joaçaba", models.PropertyStatusActive, 1)
	add("apt-lease-jca-sold", "tenant-a", models.PropertyApartment, models.TransactionLease, "Joaçaba", "inactive", 2)
	add("apt-sale-jca", "tenant-a", models.PropertyApartment, models.TransactionSale, "Joaçaba", models.PropertyStatusActive, 3)
	add("house-lease-jca", "tenant-a", models.PropertyHouse, models.TransactionLease, "Joaçaba", models.PropertyStatusActive, 4)
	add("apt-lease-cwb", "tenant-a", models.PropertyApartment, models.TransactionLease, "Curitiba", models.PropertyStatusActive, 5)
	add("b-apt-lease-jca", "tenant-b", models.PropertyApartment, models.TransactionLease, "Joaçaba", models.PropertyStatusActive, 6)
	return s
}

func newHarness(t *testing.T, llmTimeout time.Duration, steps ...step) *harness {
	t.Helper()
	return newHarnessWith(t, llmTimeout, Config{TurnTimeout: 5 * time.Second, HistoryWindow: 20, DelegationWindow: 3}, nil, steps...)
}

// newHarnessWith replaces the fake sender with sender when it is not nil.
func newHarnessWith(t *testing.T, llmTimeout time.Duration, cfg Config, sender Sender, steps ...step) *harness {
	t.Helper()
	h := &harness{
		store:  seed(),
		llm:    &scriptedLLM{steps: steps},
		sender: &fakeSender{},
		alerts: &alertSpy{},
		reg:    prometheus.NewRegistry(),
	}
	collector := metrics.NewCollector(h.reg)
	res := resolver.New(h.store, resolver.Config{}, collector, h.alerts, nil)
	sel := delegation.NewDelegator(delegation.NewLoader(h.store, h.store), delegation.TieMain, nil)
	orch := orchestrator.New(h.llm, matcher.New(h.store, 5, nil), orchestrator.Config{LLMTimeout: llmTimeout, ExtractionWindow: 10}, nil)
	if sender == nil {
		sender = h.sender
	}

	d, err := New(Deps{
		Resolver: res,
		Selector: sel,
		Runner:   orch,
		Sender:   sender,
		Store:    h.store,
		Recorder: collector,
		Notifier: h.alerts,
	}, cfg, nil)
	require.NoError(t, err)
	h.d = d
	return h
}

func inbound(id, providerID, text string) whatsapp.InboundEvent {
	return whatsapp.InboundEvent{
		ProviderMessageID: id,
		Instance:          models.InstanceRef{ProviderInstanceID: providerID, InstanceName: "sul-principal"},
		ContactID:         "5549999990000",
		Text:              text,
		Timestamp:         time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) dispatch(t *testing.T, events ...whatsapp.InboundEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, h.d.Enqueue(context.Background(), ev))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))
}

func (h *harness) conversation(t *testing.T) []models.Message {
	t.Helper()
	conv, err := h.store.GetOrCreateConversation(context.Background(), "inst-a", "5549999990000")
	require.NoError(t, err)
	msgs, err := h.store.RecentMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	return msgs
}

type storedToolResult struct {
	Criteria   models.SearchCriteria `json:"criteria"`
	Count      int                   `json:"count"`
	Properties []struct {
		ID string `json:"id"`
	} `json:"properties"`
}

func toolResultOf(t *testing.T, msgs []models.Message) storedToolResult {
	t.Helper()
	for _, m := range msgs {
		if m.Sender == models.SenderTool {
			var out storedToolResult
			require.NoError(t, json.Unmarshal([]byte(m.Content), &out))
			return out
		}
	}
	t.Fatal("no tool message stored")
	return storedToolResult{}
}

func TestEmptyToolArgumentsAreFilledFromConversation(t *testing.T) {
	h := newHarness(t, time.Second,
		searchWith(`{}`),
		reply("Tenho 1 apartamento para alugar em Joaçaba."),
	)

	h.dispatch(t, inbound("m1", "prov-a", "procuro apartamento em Joaçaba para alugar"))

	msgs := h.conversation(t)
	require.Len(t, msgs, 3)
	require.Equal(t, models.SenderContact, msgs[0].Sender)
	require.Equal(t, models.SenderTool, msgs[1].Sender)
	require.Equal(t, models.SenderAgent, msgs[2].Sender)
	require.Equal(t, "main-a", *msgs[2].AgentID)
	require.Equal(t, time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC), msgs[0].CreatedAt)

	result := toolResultOf(t, msgs)
	require.Equal(t, models.PropertyApartment, result.Criteria.PropertyType)
	require.Equal(t, models.TransactionLease, result.Criteria.TransactionType)
	require.Contains(t, result.Criteria.City, "Joaçaba")
	require.Equal(t, 1, result.Count)
	require.Equal(t, "apt-lease-jca", result.Properties[0].ID)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "sul-principal", sent[0].Instance)
	require.Equal(t, "5549999990000", sent[0].Number)
	require.Equal(t, "reply-m1", sent[0].IdempotencyKey)
	require.Equal(t, "Tenho 1 apartamento para alugar em Joaçaba.", sent[0].Text)
}

func TestOmittedCityStaysUnspecified(t *testing.T) {
	h := newHarness(t, time.Second,
		searchWith(`{"property_type":"apartamento"}`),
		reply("Temos apartamentos em Joaçaba e Curitiba."),
	)

	h.dispatch(t, inbound("m1", "prov-a", "vocês têm apartamento?"))

	result := toolResultOf(t, h.conversation(t))
	require.Equal(t, models.SearchCriteria{PropertyType: models.PropertyApartment}, result.Criteria)

	var ids []string
	for _, p := range result.Properties {
		ids = append(ids, p.ID)
	}
	require.ElementsMatch(t, []string{"apt-lease-jca", "apt-sale-jca", "apt-lease-cwb"}, ids)
}

func TestDriftedInstanceIsAnswered(t *testing.T) {
	h := newHarness(t, time.Second, reply("Olá! Como posso ajudar?"))

	ev := inbound("m1", "prov-a-reconnected", "oi")
	ev.Instance.InstanceName = ""
	ev.Instance.TenantHint = "tenant-a"
	h.dispatch(t, ev)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "prov-a", sent[0].Instance)
	require.Contains(t, h.alerts.kinds(), alert.InstanceDrift)
	require.Len(t, h.conversation(t), 2)
}

func TestProviderTimeoutSendsFallback(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, hang)

	h.dispatch(t, inbound("m1", "prov-a", "procuro casa para alugar"))

	require.Len(t, h.llm.calls(), 1)
	sent := h.sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, orchestrator.DefaultFallbackReply, sent[0].Text)

	msgs := h.conversation(t)
	require.Len(t, msgs, 2)
	require.Equal(t, models.SenderAgent, msgs[1].Sender)
	require.Equal(t, orchestrator.DefaultFallbackReply, msgs[1].Content)
}

func TestFallbackIsDeliveredAfterTurnDeadline(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := whatsapp.NewClient(whatsapp.ClientConfig{BaseURL: srv.URL, APIKey: "wa", MaxAttempts: 2, Backoff: time.Millisecond}, nil, nil)
	// The model call uses up the whole turn budget.
	cfg := Config{TurnTimeout: 100 * time.Millisecond, HistoryWindow: 20, DelegationWindow: 3}
	h := newHarnessWith(t, 100*time.Millisecond, cfg, client, hang)

	h.dispatch(t, inbound("m1", "prov-a", "procuro casa para alugar"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	require.Equal(t, orchestrator.DefaultFallbackReply, bodies[0]["text"])
	require.Equal(t, "reply-m1", bodies[0]["idempotencyKey"])

	msgs := h.conversation(t)
	require.Len(t, msgs, 2)
	require.Equal(t, orchestrator.DefaultFallbackReply, msgs[1].Content)
	require.NotContains(t, h.alerts.kinds(), alert.DeliveryFailed)
}

func TestLongerKeywordSecondaryAnswers(t *testing.T) {
	h := newHarness(t, time.Second, reply("Sou o especialista em apartamentos."))

	h.dispatch(t, inbound("m1", "prov-a", "quero ver apartamentos ou casas"))

	calls := h.llm.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "model-apartments", calls[0].Model)

	msgs := h.conversation(t)
	require.Equal(t, "apartments", *msgs[len(msgs)-1].AgentID)
}

func TestTurnsOfOneConversationRunInOrder(t *testing.T) {
	var steps []step
	for i := 0; i < 5; i++ {
		steps = append(steps, reply("resposta "+strconv.Itoa(i)))
	}
	h := newHarness(t, time.Second, steps...)

	var events []whatsapp.InboundEvent
	for i := 0; i < 5; i++ {
		events = append(events, inbound("m"+strconv.Itoa(i), "prov-a", "mensagem "+strconv.Itoa(i)))
	}
	h.dispatch(t, events...)

	msgs := h.conversation(t)
	require.Len(t, msgs, 10)
	for i := 0; i < 5; i++ {
		require.Equal(t, "mensagem "+strconv.Itoa(i), msgs[2*i].Content)
		require.Equal(t, "resposta "+strconv.Itoa(i), msgs[2*i+1].Content)
	}
	// Every request sees the previous turns.
	for i, req := range h.llm.calls() {
		require.Equal(t, "mensagem "+strconv.Itoa(i), req.Messages[len(req.Messages)-1].Content)
	}
}

func TestUnknownInstanceIsDropped(t *testing.T) {
	h := newHarness(t, time.Second)

	ev := inbound("m1", "nobody", "oi")
	ev.Instance.InstanceName = ""
	err := h.d.Enqueue(context.Background(), ev)

	require.Equal(t, apperr.UnknownInstance, apperr.CodeOf(err))
	require.Equal(t, []alert.Kind{alert.UnknownInstance}, h.alerts.kinds())
	require.Empty(t, h.llm.calls())

	accepted, dropped := h.d.EnqueueBatch(context.Background(), []whatsapp.InboundEvent{ev, inbound("m2", "prov-a", "oi")})
	require.Equal(t, 1, accepted)
	require.Equal(t, 1, dropped)
	require.NoError(t, h.d.Shutdown(context.Background()))
}

func TestNoAgentBoundLeavesMessageUnanswered(t *testing.T) {
	h := newHarness(t, time.Second)

	h.dispatch(t, inbound("m1", "prov-b", "oi"))

	require.Empty(t, h.sender.messages())
	require.Empty(t, h.llm.calls())
	require.Contains(t, h.alerts.kinds(), alert.NoAgentBound)
}

func TestDeliveryFailureKeepsReplyOutOfHistory(t *testing.T) {
	h := newHarness(t, time.Second, reply("Olá!"))
	h.sender.err = apperr.New(apperr.DeliveryFailed, "gave up after 3 attempts", nil)

	h.dispatch(t, inbound("m1", "prov-a", "oi"))

	msgs := h.conversation(t)
	require.Len(t, msgs, 1)
	require.Equal(t, models.SenderContact, msgs[0].Sender)
	require.Contains(t, h.alerts.kinds(), alert.DeliveryFailed)
}

func TestRejectsEventsAfterShutdown(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.d.Shutdown(context.Background()))

	err := h.d.Enqueue(context.Background(), inbound("m1", "prov-a", "oi"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestMetricsFollowTurns(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, hang)

	h.dispatch(t, inbound("m1", "prov-a", "oi"))

	for _, name := range []string{"agent_turns_total", "agent_fallback_replies_total", "agent_delegations_total"} {
		n, err := testutil.GatherAndCount(h.reg, name)
		require.NoError(t, err)
		require.Equal(t, 1, n, name)
	}
}
