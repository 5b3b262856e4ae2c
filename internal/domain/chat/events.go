package chat

import (
	"time"

	"whatsnep/internal/domain/shared/events"
)

const (
	EventTyping          = "chat.typing"
	EventMessageInserted = "chat.message.inserted"
	EventPresenceChanged = "chat.presence.changed"
)

// TypingChanged is the ephemeral "is typing" broadcast. It is never persisted.
type TypingChanged struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Typing         bool      `json:"is_typing"`
	DisplayName    string    `json:"display_name"`
	At             time.Time `json:"at"`
}

func (e TypingChanged) EventName() string     { return EventTyping }
func (e TypingChanged) AggregateID() string   { return e.ConversationID }
func (e TypingChanged) OccurredAt() time.Time { return e.At }

// MessageInserted mirrors an insert notification on the message table.
// It carries no sender profile; receivers resolve it themselves.
type MessageInserted struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e MessageInserted) EventName() string     { return EventMessageInserted }
func (e MessageInserted) AggregateID() string   { return e.ConversationID }
func (e MessageInserted) OccurredAt() time.Time { return e.CreatedAt }

// Message converts the notification into an unread message without sender profile.
func (e MessageInserted) Message() Message {
	return Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Text:           e.Text,
		CreatedAt:      e.CreatedAt,
	}
}

// InsertedFrom builds the notification for a stored message.
func InsertedFrom(m Message) MessageInserted {
	return MessageInserted{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

// PresenceChanged mirrors an update notification on the profile table.
type PresenceChanged struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

func (e PresenceChanged) EventName() string     { return EventPresenceChanged }
func (e PresenceChanged) AggregateID() string   { return e.UserID }
func (e PresenceChanged) OccurredAt() time.Time { return e.LastSeen }

var (
	_ events.DomainEvent = TypingChanged{}
	_ events.DomainEvent = MessageInserted{}
	_ events.DomainEvent = PresenceChanged{}
)
