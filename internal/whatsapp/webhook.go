package whatsapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/realty-agent/internal/models"
)

// InboundEvent is one text message from a contact.
type InboundEvent struct {
	ProviderMessageID string
	Instance          models.InstanceRef
	ContactID         string
	ContactName       string
	Text              string
	Timestamp         time.Time
}

type webhookPayload struct {
	Event      string          `json:"event"`
	Instance   string          `json:"instance"`
	InstanceID string          `json:"instanceId"`
	Data       json.RawMessage `json:"data"`
}

type messageData struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  *struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
	} `json:"message"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp"`
	InstanceID       string          `json:"instanceId"`
}

// ParseWebhook decodes a provider webhook body. data may be a single
// message or an array. Own messages, group and broadcast chats, non-text
// messages and non-message events are skipped and counted. Only a body
// that is not JSON is an error.
func ParseWebhook(body []byte, tenantHint string) ([]InboundEvent, int, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("decode webhook payload: %w", err)
	}

	if event := normalizeEvent(payload.Event); event != "" && event != "messages.upsert" {
		return nil, 1, nil
	}

	items, err := splitData(payload.Data)
	if err != nil {
		return nil, 1, nil
	}

	events := make([]InboundEvent, 0, len(items))
	skipped := 0
	for _, raw := range items {
		var d messageData
		if err := json.Unmarshal(raw, &d); err != nil {
			skipped++
			continue
		}
		ev, ok := toEvent(payload, d, tenantHint)
		if !ok {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func normalizeEvent(e string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(e)), "_", ".")
}

func splitData(data json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return []json.RawMessage{trimmed}, nil
}

func toEvent(payload webhookPayload, d messageData, tenantHint string) (InboundEvent, bool) {
	jid := d.Key.RemoteJid
	if d.Key.FromMe || jid == "" || strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast") {
		return InboundEvent{}, false
	}

	var text string
	if d.Message != nil {
		text = d.Message.Conversation
		if text == "" && d.Message.ExtendedTextMessage != nil {
			text = d.Message.ExtendedTextMessage.Text
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return InboundEvent{}, false
	}

	providerID := d.InstanceID
	if providerID == "" {
		providerID = payload.InstanceID
	}
	if providerID == "" {
		providerID = payload.Instance
	}

	return InboundEvent{
		ProviderMessageID: d.Key.ID,
		Instance: models.InstanceRef{
			ProviderInstanceID: providerID,
			InstanceName:       payload.Instance,
			TenantHint:         tenantHint,
		},
		ContactID:   contactFromJID(jid),
		ContactName: d.PushName,
		Text:        text,
		Timestamp:   parseTimestamp(d.MessageTimestamp),
	}, true
}

func contactFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

// parseTimestamp accepts unix seconds as a number or a string.
func parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if s == "" || s == "null" {
		return time.Now().UTC()
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
