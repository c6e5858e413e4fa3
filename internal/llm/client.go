package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/xaenox/realty-agent/internal/apperr"
)

// ChatCompleter is the slice of the OpenAI client the orchestrator needs.
// *openai.Client satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	OrgID   string
	// Timeout bounds the HTTP exchange. Per-call deadlines come from the
	// caller's context.
	Timeout time.Duration
}

func NewClient(cfg Config) *openai.Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		c.OrgID = cfg.OrgID
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.HTTPClient = &http.Client{Timeout: timeout}
	return openai.NewClientWithConfig(c)
}

// ClassifyError maps a chat completion failure to PROVIDER_TIMEOUT or
// PROVIDER_ERROR.
func ClassifyError(err error) apperr.Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.ProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.ProviderTimeout
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return apperr.ProviderTimeout
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return apperr.ProviderTimeout
		}
	}
	return apperr.ProviderError
}

type CallRecorder interface {
	RecordLLMCall(model, outcome string, d time.Duration)
}

// Instrumented records the duration and outcome of every call made
// through next.
type Instrumented struct {
	next     ChatCompleter
	recorder CallRecorder
}

func NewInstrumented(next ChatCompleter, recorder CallRecorder) *Instrumented {
	return &Instrumented{next: next, recorder: recorder}
}

func (i *Instrumented) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	start := time.Now()
	resp, err := i.next.CreateChatCompletion(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(ClassifyError(err))
	}
	i.recorder.RecordLLMCall(req.Model, outcome, time.Since(start))
	return resp, err
}
