// Package changefeed turns store writes into realtime notifications, playing
// the part of a database change stream for backends that have none.
package changefeed

import (
	"context"
	"log/slog"
	"time"

	"whatsnep/internal/app/policies"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/domain/shared/events"
	"whatsnep/internal/metrics"
)

// Routed is an event together with the users it is addressed to.
type Routed struct {
	Event      events.DomainEvent
	Recipients []string
}

// Publish pushes every routed event, stopping at the first failure.
func Publish(ctx context.Context, pub policies.Publisher, evs []Routed) error {
	if pub == nil {
		return nil
	}
	for _, r := range evs {
		if err := pub.Publish(ctx, r.Event, r.Recipients...); err != nil {
			return err
		}
	}
	return nil
}

// Store decorates a backend: message inserts are announced to both
// participants and presence updates to everyone. Notification failures are
// logged; the write itself has already succeeded.
type Store struct {
	chat.Backend
	pub    policies.Publisher
	logger *slog.Logger
}

func New(backend chat.Backend, pub policies.Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Backend: backend, pub: pub, logger: logger}
}

var _ chat.Backend = (*Store)(nil)

func (s *Store) CreateMessage(ctx context.Context, req chat.NewMessage) (chat.Message, error) {
	msg, err := s.Backend.CreateMessage(ctx, req)
	if err != nil {
		return chat.Message{}, err
	}
	a, b, err := s.Backend.ConversationParticipants(ctx, msg.ConversationID)
	if err != nil {
		s.failed("participants", err, "conversation_id", msg.ConversationID)
		return msg, nil
	}
	s.emit(ctx, Routed{Event: chat.InsertedFrom(msg), Recipients: []string{a, b}})
	return msg, nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	if err := s.Backend.SetPresence(ctx, userID, online, at); err != nil {
		return err
	}
	s.emit(ctx, Routed{Event: chat.PresenceChanged{UserID: userID, Online: online, LastSeen: at.UTC()}})
	return nil
}

func (s *Store) emit(ctx context.Context, evs ...Routed) {
	if err := Publish(ctx, s.pub, evs); err != nil {
		names := make([]events.DomainEvent, 0, len(evs))
		for _, r := range evs {
			names = append(names, r.Event)
		}
		s.failed("publish", err, "events", events.Names(names))
	}
}

func (s *Store) failed(op string, err error, attrs ...any) {
	metrics.RemoteErrors.WithLabelValues("changefeed_" + op).Inc()
	s.logger.Warn("change notification failed", append([]any{"op", op, "error", err}, attrs...)...)
}
