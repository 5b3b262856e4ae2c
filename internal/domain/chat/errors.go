package chat

import "errors"

var (
	ErrNotFound             = errors.New("chat: not found")
	ErrUserRequired         = errors.New("chat: user id is required")
	ErrConversationRequired = errors.New("chat: conversation id is required")
	ErrNoActiveConversation = errors.New("chat: no active conversation")
	ErrEmptyMessage         = errors.New("chat: message text is empty")
	ErrSelfConversation     = errors.New("chat: cannot start a conversation with yourself")
	ErrInvalidHandle        = errors.New("chat: handle must be 3-20 lowercase letters, digits or underscores")
	ErrHandleTaken          = errors.New("chat: handle already taken")
)

// IsValidation reports whether err is a locally detected validation failure,
// as opposed to a remote store or transport error.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrUserRequired),
		errors.Is(err, ErrConversationRequired),
		errors.Is(err, ErrNoActiveConversation),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrSelfConversation),
		errors.Is(err, ErrInvalidHandle),
		errors.Is(err, ErrHandleTaken):
		return true
	default:
		return false
	}
}
