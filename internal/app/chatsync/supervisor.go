package chatsync

import (
	"context"
	"sync"
)

// Supervisor owns at most one Synchronizer and follows the session: a new one
// is built on sign-in and the previous one is closed on sign-out, so repeated
// cycles release their subscriptions and timers.
type Supervisor struct {
	base Config

	mu      sync.Mutex
	current *Synchronizer
}

func NewSupervisor(base Config) *Supervisor {
	return &Supervisor{base: base}
}

// OnSessionChange reacts to a sign-in or sign-out notification.
func (s *Supervisor) OnSessionChange(ctx context.Context, signedIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		prev := s.current
		s.current = nil
		if err := prev.Close(); err != nil && s.base.Logger != nil {
			s.base.Logger.Warn("closing synchronizer failed", "error", err)
		}
	}
	if !signedIn {
		return nil
	}

	next, err := New(s.base)
	if err != nil {
		return err
	}
	if err := next.Start(ctx); err != nil {
		_ = next.Close()
		return err
	}
	s.current = next
	return nil
}

// Current returns the live synchronizer, or false when nobody is signed in.
func (s *Supervisor) Current() (*Synchronizer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
