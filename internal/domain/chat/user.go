package chat

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// User is the public profile of a chat participant.
// Online is written by the session and presence layer only.
type User struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// Name returns the best label for the user.
func (u User) Name() string {
	if strings.TrimSpace(u.DisplayName) != "" {
		return u.DisplayName
	}
	return u.Handle
}

// Identity is the authenticated principal as exposed by the session.
type Identity struct {
	ID     string
	Handle string
}

// ProfileSummary is the part of the signed in user's profile the synchronizer needs.
type ProfileSummary struct {
	DisplayName string
	AvatarRef   string
}

// NormalizeHandle folds compatibility forms and case so "Ｂob" and "bob" compare equal.
func NormalizeHandle(raw string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(raw)))
}

// ValidateHandle normalizes and checks a handle, returning the canonical form.
func ValidateHandle(raw string) (string, error) {
	handle := NormalizeHandle(raw)
	if !handlePattern.MatchString(handle) {
		return "", ErrInvalidHandle
	}
	return handle, nil
}

// NormalizeQuery prepares free-text handle search input.
func NormalizeQuery(raw string) string {
	return NormalizeHandle(raw)
}
