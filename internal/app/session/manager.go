// Package session tracks the signed in user and publishes their presence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"whatsnep/internal/domain/chat"
)

var ErrAlreadySignedIn = errors.New("session: another user is signed in")

// Listener is told about sign-in (true) and sign-out (false).
type Listener func(ctx context.Context, signedIn bool)

// Manager holds at most one signed in identity and notifies listeners when it
// changes.
type Manager struct {
	profiles chat.ProfileStore
	clock    clockwork.Clock
	logger   *slog.Logger

	mu        sync.RWMutex
	user      *chat.User
	listeners map[uint64]Listener
	nextID    uint64
}

func NewManager(profiles chat.ProfileStore, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		profiles:  profiles,
		clock:     clock,
		logger:    logger,
		listeners: make(map[uint64]Listener),
	}
}

// SignIn loads the user's profile, marks them online and notifies listeners.
// Signing in again as the same user is a no-op.
func (m *Manager) SignIn(ctx context.Context, userID string) (chat.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.User{}, chat.ErrUserRequired
	}
	m.mu.RLock()
	current := m.user
	m.mu.RUnlock()
	if current != nil {
		if current.ID == userID {
			return *current, nil
		}
		return chat.User{}, ErrAlreadySignedIn
	}

	user, err := m.profiles.Profile(ctx, userID)
	if err != nil {
		return chat.User{}, fmt.Errorf("session: load profile: %w", err)
	}
	now := m.clock.Now().UTC()
	if err := m.profiles.SetPresence(ctx, userID, true, now); err != nil {
		m.logger.Warn("presence update failed", "user_id", userID, "online", true, "error", err)
	} else {
		user.Online = true
		user.LastSeen = now
	}

	m.mu.Lock()
	if winner := m.user; winner != nil {
		m.mu.Unlock()
		if winner.ID == userID {
			return *winner, nil
		}
		if user.Online {
			if err := m.profiles.SetPresence(ctx, userID, false, m.clock.Now().UTC()); err != nil {
				m.logger.Warn("presence update failed", "user_id", userID, "online", false, "error", err)
			}
		}
		return chat.User{}, ErrAlreadySignedIn
	}
	m.user = &user
	m.mu.Unlock()
	m.logger.Info("user signed in", "user_id", userID, "handle", user.Handle)
	m.notify(ctx, true)
	return user, nil
}

// SignOut marks the user offline, clears the session and notifies listeners.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	user := m.user
	m.user = nil
	m.mu.Unlock()
	if user == nil {
		return nil
	}
	m.notify(ctx, false)
	if err := m.profiles.SetPresence(ctx, user.ID, false, m.clock.Now().UTC()); err != nil {
		m.logger.Warn("presence update failed", "user_id", user.ID, "online", false, "error", err)
		return fmt.Errorf("session: sign out: %w", err)
	}
	m.logger.Info("user signed out", "user_id", user.ID)
	return nil
}

func (m *Manager) CurrentUser() (chat.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return chat.Identity{}, false
	}
	return chat.Identity{ID: m.user.ID, Handle: m.user.Handle}, true
}

func (m *Manager) CurrentProfile() (chat.ProfileSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return chat.ProfileSummary{}, false
	}
	return chat.ProfileSummary{DisplayName: m.user.Name(), AvatarRef: m.user.AvatarRef}, true
}

// Watch registers fn and returns a function that removes it.
func (m *Manager) Watch(fn Listener) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// CheckHandle validates a handle and reports whether it is still free.
func (m *Manager) CheckHandle(ctx context.Context, raw string) (string, error) {
	handle, err := chat.ValidateHandle(raw)
	if err != nil {
		return "", err
	}
	free, err := m.profiles.HandleAvailable(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("session: check handle: %w", err)
	}
	if !free {
		return "", chat.ErrHandleTaken
	}
	return handle, nil
}

func (m *Manager) notify(ctx context.Context, signedIn bool) {
	m.mu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, signedIn)
	}
}
