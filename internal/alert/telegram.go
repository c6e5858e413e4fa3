package alert

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	sendTimeout = 10 * time.Second
	queueSize   = 64
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts alerts to an operator chat from a background
// goroutine. Notify never waits on Telegram: when the queue is full the
// alert is logged and dropped. Repeats of the same kind for the same tenant
// and instance are muted for the cooldown.
type TelegramNotifier struct {
	api      sender
	chatID   int64
	cooldown time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	last   map[string]time.Time
	now    func() time.Time
	closed bool

	queue chan Alert
	done  chan struct{}
}

func NewTelegramNotifier(token string, chatID int64, cooldown time.Duration, logger *zap.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: sendTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegramNotifier(api, chatID, cooldown, logger), nil
}

func newTelegramNotifier(api sender, chatID int64, cooldown time.Duration, logger *zap.Logger) *TelegramNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &TelegramNotifier{
		api:      api,
		chatID:   chatID,
		cooldown: cooldown,
		logger:   logger,
		last:     make(map[string]time.Time),
		now:      time.Now,
		queue:    make(chan Alert, queueSize),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *TelegramNotifier) Notify(_ context.Context, a Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || !n.allowLocked(a.key()) {
		return
	}
	select {
	case n.queue <- a:
	default:
		n.logger.Warn("Alert queue full, dropping alert",
			zap.String("kind", string(a.Kind)),
			zap.String("tenant_id", a.TenantID))
	}
}

// Close stops accepting alerts and waits until the queued ones are sent or
// ctx is done.
func (n *TelegramNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *TelegramNotifier) run() {
	defer close(n.done)
	for a := range n.queue {
		msg := tgbotapi.NewMessage(n.chatID, a.Text())
		msg.DisableWebPagePreview = true
		if _, err := n.api.Send(msg); err != nil {
			n.logger.Error("Failed to send alert",
				zap.String("kind", string(a.Kind)),
				zap.String("tenant_id", a.TenantID),
				zap.Error(err))
		}
	}
}

func (n *TelegramNotifier) allowLocked(key string) bool {
	now := n.now()
	if last, ok := n.last[key]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.last[key] = now
	return true
}
