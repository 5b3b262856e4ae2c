package realtime

import (
	"context"
	"log/slog"
	"sync"

	"whatsnep/internal/app/policies"
	"whatsnep/internal/domain/shared/events"
)

// Hub is the in-process realtime channel. Every publish goes through the
// envelope codec so subscribers see exactly what a networked transport would
// deliver.
type Hub struct {
	source   string
	feedSize int
	logger   *slog.Logger

	mu    sync.RWMutex
	feeds map[*Feed]struct{}
}

type HubOption func(*Hub)

func WithSource(source string) HubOption {
	return func(h *Hub) { h.source = source }
}

func WithFeedSize(size int) HubOption {
	return func(h *Hub) { h.feedSize = size }
}

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		source:   DefaultSource,
		feedSize: DefaultFeedSize,
		logger:   slog.Default(),
		feeds:    make(map[*Feed]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ policies.Realtime = (*Hub)(nil)

func (h *Hub) Publish(ctx context.Context, ev events.DomainEvent, recipients ...string) error {
	payload, err := Encode(ev, h.source, recipients)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env, decoded, err := Decode(payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for feed := range h.feeds {
		if !env.AddressedTo(feed.UserID()) {
			continue
		}
		if !feed.Deliver(decoded) {
			h.logger.Warn("realtime event dropped", "event", env.Type, "user_id", feed.UserID())
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, userID string) (policies.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var feed *Feed
	feed = NewFeed(userID, h.feedSize, func() {
		h.mu.Lock()
		delete(h.feeds, feed)
		h.mu.Unlock()
	})
	h.mu.Lock()
	h.feeds[feed] = struct{}{}
	h.mu.Unlock()
	return feed, nil
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds)
}
