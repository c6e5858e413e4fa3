package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/apperr"
)

// Outbound is a text message ready for delivery. Its idempotency key is
// fixed at build time so every retry carries the same token.
type Outbound struct {
	Instance       string
	Number         string
	Text           string
	IdempotencyKey string
}

type OutboundBuilder struct {
	msg Outbound
}

func NewOutbound(instance string) *OutboundBuilder {
	return &OutboundBuilder{msg: Outbound{Instance: instance}}
}

func (b *OutboundBuilder) To(number string) *OutboundBuilder {
	b.msg.Number = number
	return b
}

func (b *OutboundBuilder) Text(text string) *OutboundBuilder {
	b.msg.Text = text
	return b
}

// Key sets the idempotency key, for example from the inbound message id.
func (b *OutboundBuilder) Key(key string) *OutboundBuilder {
	b.msg.IdempotencyKey = key
	return b
}

func (b *OutboundBuilder) Build() (Outbound, error) {
	msg := b.msg
	switch {
	case strings.TrimSpace(msg.Instance) == "":
		return Outbound{}, errors.New("outbound message: instance is required")
	case strings.TrimSpace(msg.Number) == "":
		return Outbound{}, errors.New("outbound message: number is required")
	case strings.TrimSpace(msg.Text) == "":
		return Outbound{}, errors.New("outbound message: text is required")
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = uuid.New().String()
	}
	return msg, nil
}

type AttemptRecorder interface {
	RecordDeliveryAttempt(outcome string)
}

type ClientConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Client sends text messages through the provider's REST API.
type Client struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	maxAttempts int
	backoff     time.Duration
	recorder    AttemptRecorder
	logger      *zap.Logger
}

func NewClient(cfg ClientConfig, recorder AttemptRecorder, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		http:        &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		recorder:    recorder,
		logger:      logger,
	}
}

type sendTextRequest struct {
	Number         string `json:"number"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// Send delivers msg, retrying transport failures, 5xx and 429 with
// exponential backoff. Other 4xx responses are not retried.
func (c *Client) Send(ctx context.Context, msg Outbound) error {
	body, err := json.Marshal(sendTextRequest{Number: msg.Number, Text: msg.Text, IdempotencyKey: msg.IdempotencyKey})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	endpoint := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, url.PathEscape(msg.Instance))

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			base := c.backoff * time.Duration((attempt-1)*(attempt-1))
			wait := base + time.Duration(rand.Int63n(int64(base/2)+1))
			select {
			case <-ctx.Done():
				return apperr.New(apperr.DeliveryFailed, "context done while retrying", ctx.Err())
			case <-time.After(wait):
			}
		}

		err := c.do(ctx, endpoint, body, msg.IdempotencyKey)
		if err == nil {
			c.record("sent")
			return nil
		}
		lastErr = err

		if isPermanent(err) {
			c.record("rejected")
			return apperr.New(apperr.DeliveryFailed, "provider rejected message", err)
		}
		c.record("retry")
		c.logger.Warn("Delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.String("instance", msg.Instance),
			zap.String("idempotency_key", msg.IdempotencyKey),
			zap.Error(err))
	}
	c.record("failed")
	return apperr.New(apperr.DeliveryFailed, fmt.Sprintf("gave up after %d attempts", c.maxAttempts), lastErr)
}

type permanentError struct {
	statusCode int
	body       string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (c *Client) do(ctx context.Context, endpoint string, body []byte, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &permanentError{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &retryableError{statusCode: resp.StatusCode, body: string(respBody)}
	}
	return &permanentError{statusCode: resp.StatusCode, body: string(respBody)}
}

func (c *Client) record(outcome string) {
	if c.recorder != nil {
		c.recorder.RecordDeliveryAttempt(outcome)
	}
}
