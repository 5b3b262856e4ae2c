package policies

import (
	"context"

	"whatsnep/internal/domain/shared/events"
)

// Publisher pushes an event onto the realtime channel. An empty recipient list
// means every subscriber receives it.
type Publisher interface {
	Publish(ctx context.Context, ev events.DomainEvent, recipients ...string) error
}

// Subscription is a live feed of events addressed to one user.
type Subscription interface {
	Events() <-chan events.DomainEvent
	Close() error
}

// Realtime is the bidirectional realtime channel.
type Realtime interface {
	Publisher
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}
