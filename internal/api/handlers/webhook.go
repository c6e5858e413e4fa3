package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/whatsapp"
)

const maxWebhookBody = 1 << 20

// WhatsAppWebhook accepts a provider event and queues its text messages.
// The provider gets 200 for every JSON body so it does not redeliver;
// messages that could not be queued are reported as dropped.
func (h *Handler) WhatsAppWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	events, skipped, err := whatsapp.ParseWebhook(body, c.Param("tenant"))
	if err != nil {
		h.logger.Warn("Rejected webhook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	allowed := make([]whatsapp.InboundEvent, 0, len(events))
	limited := 0
	for _, ev := range events {
		key := ev.Instance.ProviderInstanceID
		if key == "" {
			key = ev.Instance.InstanceName
		}
		if !h.limiter.Allow(key) {
			limited++
			if h.recorder != nil {
				h.recorder.RecordDropped("rate_limited")
			}
			h.logger.Warn("Inbound message rate limited",
				zap.String("provider_instance_id", key),
				zap.String("contact_id", ev.ContactID))
			continue
		}
		allowed = append(allowed, ev)
	}

	accepted, dropped := h.events.EnqueueBatch(c.Request.Context(), allowed)
	c.JSON(http.StatusOK, gin.H{
		"accepted": accepted,
		"dropped":  dropped + limited,
		"skipped":  skipped,
	})
}
