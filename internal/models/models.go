package models

import "time"

type Sender string

const (
	SenderContact Sender = "contact"
	SenderAgent   Sender = "agent"
	SenderTool    Sender = "tool"
)

type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation is the thread between one contact and one channel instance.
// Conversations are closed, never deleted.
type Conversation struct {
	ID                string             `json:"id" db:"id"`
	ChannelInstanceID string             `json:"channel_instance_id" db:"channel_instance_id"`
	ContactID         string             `json:"contact_id" db:"contact_id"`
	Status            ConversationStatus `json:"status" db:"status"`
	LastMessageAt     time.Time          `json:"last_message_at" db:"last_message_at"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
}

// Message is an append-only entry of a conversation log.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Sender         Sender    `json:"sender" db:"sender"`
	Content        string    `json:"content" db:"content"`
	AgentID        *string   `json:"agent_id,omitempty" db:"agent_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ContactTexts returns the contents of contact messages, most recent first.
// msgs must be ordered oldest first.
func ContactTexts(msgs []Message) []string {
	texts := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == SenderContact {
			texts = append(texts, msgs[i].Content)
		}
	}
	return texts
}
