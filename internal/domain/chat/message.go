package chat

import (
	"strings"
	"time"
)

// Message is immutable once created except for Read, which only goes false to true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
	Sender         *User     `json:"sender,omitempty"`
}

// NewMessage is the create request for a message.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Text           string
	CreatedAt      time.Time
}

// PrepareMessage trims and validates a message before it is sent.
func PrepareMessage(conversationID, senderID, text string, at time.Time) (NewMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return NewMessage{}, ErrEmptyMessage
	}
	if strings.TrimSpace(conversationID) == "" {
		return NewMessage{}, ErrNoActiveConversation
	}
	if strings.TrimSpace(senderID) == "" {
		return NewMessage{}, ErrUserRequired
	}
	return NewMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      at.UTC(),
	}, nil
}

// Clone returns a copy that does not share the sender pointer.
func (m Message) Clone() Message {
	out := m
	if m.Sender != nil {
		sender := *m.Sender
		out.Sender = &sender
	}
	return out
}
