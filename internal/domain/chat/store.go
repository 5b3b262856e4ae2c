package chat

import (
	"context"
	"time"
)

// Store is the request/response surface of the remote backend the synchronizer consumes.
// Every method may fail with a transport or validation error.
type Store interface {
	ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	// FindConversation looks up the conversation between a and b in either
	// participant order and returns ErrNotFound when there is none.
	FindConversation(ctx context.Context, a, b string) (Conversation, error)
	CreateConversation(ctx context.Context, a, b string, at time.Time) (Conversation, error)
	// Messages returns the history of a conversation in ascending creation order,
	// with Sender populated where the profile exists.
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	UpdateConversationPreview(ctx context.Context, conversationID string, preview Preview) error
	// MarkMessagesRead flags every unread message of the conversation not sent by
	// excludingSenderID in one batched update.
	MarkMessagesRead(ctx context.Context, conversationID, excludingSenderID string) error
	SearchUsersByHandle(ctx context.Context, query, excludingUserID string, limit int) ([]User, error)
	Profile(ctx context.Context, userID string) (User, error)
}

// ProfileStore is what the session layer needs to load profiles and publish presence.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (User, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
	HandleAvailable(ctx context.Context, handle string) (bool, error)
}

// Backend is implemented by every concrete storage adapter.
type Backend interface {
	Store
	ProfileStore
	// CreateUser registers a profile and fails with ErrHandleTaken on a duplicate handle.
	CreateUser(ctx context.Context, user User) error
	ConversationParticipants(ctx context.Context, conversationID string) (string, string, error)
}
