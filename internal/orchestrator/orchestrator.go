package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/apperr"
	"github.com/xaenox/realty-agent/internal/criteria"
	"github.com/xaenox/realty-agent/internal/llm"
	"github.com/xaenox/realty-agent/internal/models"
)

type State string

const (
	AwaitingModel       State = "awaiting_model"
	ToolRequested       State = "tool_requested"
	ToolExecuted        State = "tool_executed"
	AwaitingFinalAnswer State = "awaiting_final_answer"
	Done                State = "done"
	Failed              State = "failed"
)

const DefaultFallbackReply = "Desculpe, não consegui processar sua mensagem agora. " +
	"Um de nossos corretores vai retornar em breve."

const basePrompt = `Você é o assistente de atendimento de uma imobiliária no WhatsApp.
Responda em português, de forma breve e cordial.
Para falar de imóveis disponíveis use a ferramenta search_properties e nunca invente imóveis, preços ou endereços.
Informe apenas os critérios que o cliente mencionou; os demais podem ser omitidos.`

// PropertySearch is the matcher as seen by the orchestrator.
type PropertySearch interface {
	Search(ctx context.Context, tenantID string, c models.SearchCriteria) ([]models.Property, error)
	KnownCities(ctx context.Context, tenantID string) ([]string, error)
}

type Config struct {
	LLMTimeout         time.Duration
	ExtractionWindow   int
	FallbackReply      string
	DefaultModel       string
	DefaultTemperature float64
	DefaultMaxTokens   int
}

// Turn is the input of one orchestration run.
type Turn struct {
	TenantID       string
	ConversationID string
	Agent          models.Agent
	// History is the conversation window, oldest first, ending with the
	// inbound contact message.
	History []models.Message
}

type Result struct {
	Reply       string
	State       State
	Transitions []State
	ToolCalled  bool
	Criteria    models.SearchCriteria
	Properties  []models.Property
	ToolPayload string
	Fallback    bool
	Err         error
}

func (r *Result) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

type Orchestrator struct {
	client llm.ChatCompleter
	search PropertySearch
	cfg    Config
	logger *zap.Logger
}

func New(client llm.ChatCompleter, search PropertySearch, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 8 * time.Second
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4oMini
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{client: client, search: search, cfg: cfg, logger: logger}
}

// Run drives one turn through the tool-calling state machine. It never
// returns without a reply: failures end in the Failed state with the
// fallback text.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) *Result {
	res := &Result{}
	res.enter(AwaitingModel)

	messages := o.buildMessages(turn)
	tools := []openai.Tool{SearchTool()}

	first, err := o.complete(ctx, turn.Agent, messages, tools)
	if err != nil {
		return o.fail(res, turn, err)
	}

	if len(first.ToolCalls) == 0 {
		return o.finish(res, turn, first)
	}
	if len(first.ToolCalls) > 1 {
		return o.fail(res, turn, apperr.New(apperr.ToolLoopExceeded,
			fmt.Sprintf("model requested %d tool calls in one response", len(first.ToolCalls)), nil))
	}
	call := first.ToolCalls[0]
	if call.Function.Name != SearchToolName {
		return o.fail(res, turn, apperr.New(apperr.ProviderError,
			fmt.Sprintf("model requested unknown tool %q", call.Function.Name), nil))
	}
	res.enter(ToolRequested)
	res.ToolCalled = true

	res.Criteria = o.resolveCriteria(ctx, turn, call.Function.Arguments)
	properties, err := o.search.Search(ctx, turn.TenantID, res.Criteria)
	if err != nil {
		return o.fail(res, turn, err)
	}
	res.Properties = properties
	res.ToolPayload = encodeToolResult(res.Criteria, properties)
	res.enter(ToolExecuted)

	messages = append(messages, first, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    res.ToolPayload,
		Name:       SearchToolName,
		ToolCallID: call.ID,
	})
	res.enter(AwaitingFinalAnswer)

	final, err := o.complete(ctx, turn.Agent, messages, tools)
	if err != nil {
		return o.fail(res, turn, err)
	}
	if len(final.ToolCalls) > 0 {
		return o.fail(res, turn, apperr.New(apperr.ToolLoopExceeded, "model requested a second tool round", nil))
	}
	return o.finish(res, turn, final)
}

func (o *Orchestrator) complete(ctx context.Context, agent models.Agent, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       o.cfg.DefaultModel,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   o.cfg.DefaultMaxTokens,
		Temperature: temperature(agent, o.cfg.DefaultTemperature),
	}
	if agent.Model != "" {
		req.Model = agent.Model
	}
	if agent.MaxTokens > 0 {
		req.MaxTokens = agent.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return openai.ChatCompletionMessage{}, apperr.New(apperr.ProviderTimeout, "chat completion timed out", err)
		}
		return openai.ChatCompletionMessage{}, apperr.New(llm.ClassifyError(err), "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, apperr.New(apperr.ProviderError, "chat completion returned no choices", nil)
	}
	return resp.Choices[0].Message, nil
}

// temperature picks the agent's temperature, or the deployment default when
// the agent has none. go-openai omits a zero temperature from the request,
// so zero is sent as the smallest positive float32.
func temperature(agent models.Agent, fallback float64) float32 {
	t := fallback
	if agent.Temperature != nil {
		t = *agent.Temperature
	}
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func (o *Orchestrator) finish(res *Result, turn Turn, msg openai.ChatCompletionMessage) *Result {
	reply := strings.TrimSpace(msg.Content)
	if reply == "" {
		return o.fail(res, turn, apperr.New(apperr.ProviderError, "model returned an empty reply", nil))
	}
	res.Reply = reply
	res.enter(Done)
	return res
}

func (o *Orchestrator) fail(res *Result, turn Turn, err error) *Result {
	o.logger.Warn("Turn failed, sending fallback reply",
		zap.String("tenant_id", turn.TenantID),
		zap.String("conversation_id", turn.ConversationID),
		zap.String("agent_id", turn.Agent.ID),
		zap.String("from_state", string(res.State)),
		zap.String("code", string(apperr.CodeOf(err))),
		zap.Error(err))
	res.Err = err
	res.Reply = o.cfg.FallbackReply
	res.Fallback = true
	res.enter(Failed)
	return res
}

// resolveCriteria normalises the model's arguments, spells the city the
// way the tenant's listings do and fills unspecified fields from recent
// contact messages.
func (o *Orchestrator) resolveCriteria(ctx context.Context, turn Turn, rawArgs string) models.SearchCriteria {
	c := parseArguments(rawArgs)

	cities, err := o.search.KnownCities(ctx, turn.TenantID)
	if err != nil {
		o.logger.Warn("Failed to load known cities, extracting without gazetteer",
			zap.String("tenant_id", turn.TenantID),
			zap.Error(err))
	}
	c.City = knownCity(c.City, cities)
	if c.City != "" && c.TransactionType != "" && c.PropertyType != "" {
		return c
	}

	extracted := criteria.NewExtractor(cities).Extract(models.ContactTexts(turn.History), o.cfg.ExtractionWindow)
	merged := c.Merge(criteria.NormalizeCriteria(extracted))
	if merged != c {
		o.logger.Debug("Filled search criteria from conversation",
			zap.String("conversation_id", turn.ConversationID),
			zap.Any("from_model", c),
			zap.Any("merged", merged))
	}
	return merged
}

// knownCity returns the listed spelling of city when both fold to the same
// words, so "joacaba" finds listings in "Joaçaba". Unknown cities are kept.
func knownCity(city string, known []string) string {
	if city == "" {
		return city
	}
	key := cityKey(city)
	for _, k := range known {
		if cityKey(k) == key {
			return k
		}
	}
	return city
}

func cityKey(s string) string {
	return strings.Join(criteria.Words(criteria.Fold(s)), " ")
}

func (o *Orchestrator) buildMessages(turn Turn) []openai.ChatCompletionMessage {
	var system strings.Builder
	system.WriteString(basePrompt)
	if p := strings.TrimSpace(turn.Agent.Prompt); p != "" {
		system.WriteString("\n\n")
		system.WriteString(p)
	}
	if s := strings.TrimSpace(turn.Agent.Specialization); s != "" {
		system.WriteString("\n\nEspecialidade: ")
		system.WriteString(s)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turn.History)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system.String(),
	})
	for _, m := range turn.History {
		switch m.Sender {
		case models.SenderContact:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case models.SenderAgent:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		}
	}
	return messages
}
