package chat

import (
	"sort"
	"strings"
	"time"
)

// Conversation is a two-party thread. Members carries the participant profiles
// when the store joined them; OtherUser is derived relative to the signed in user.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Members       []User    `json:"-"`
	OtherUser     *User     `json:"other_user,omitempty"`
}

// Preview is the denormalized last-message data kept on a conversation.
type Preview struct {
	LastMessage   string
	LastMessageAt time.Time
}

// NewConversationPair validates an unordered participant pair.
func NewConversationPair(a, b string) (string, string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", "", ErrUserRequired
	}
	if a == b {
		return "", "", ErrSelfConversation
	}
	return a, b, nil
}

// Has reports whether userID is one of the participants.
func (c Conversation) Has(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Between reports whether the conversation joins exactly a and b, in either order.
func (c Conversation) Between(a, b string) bool {
	return (c.ParticipantA == a && c.ParticipantB == b) || (c.ParticipantA == b && c.ParticipantB == a)
}

// OtherParticipant returns the participant slot that differs from self.
func (c Conversation) OtherParticipant(self string) string {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Member returns the joined profile for userID, if the store provided one.
func (c Conversation) Member(userID string) (User, bool) {
	for _, m := range c.Members {
		if m.ID == userID {
			return m, true
		}
	}
	return User{}, false
}

// LastActivity is the ordering key of the conversation list.
func (c Conversation) LastActivity() time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}

// Clone returns a copy that shares no slices or pointers with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Members = append([]User(nil), c.Members...)
	if c.OtherUser != nil {
		other := *c.OtherUser
		out.OtherUser = &other
	}
	return out
}

// SortByActivity orders conversations by most recent activity, newest first.
// Ties fall back to id so the order is stable across refreshes.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := convs[i].LastActivity(), convs[j].LastActivity()
		if ai.Equal(aj) {
			return convs[i].ID > convs[j].ID
		}
		return ai.After(aj)
	})
}
