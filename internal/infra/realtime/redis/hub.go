// Package redis carries realtime chat events over Redis pub/sub. Each user
// listens on a personal channel plus a shared broadcast channel.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"whatsnep/internal/app/policies"
	"whatsnep/internal/domain/shared/events"
	"whatsnep/internal/infra/realtime"
	"whatsnep/internal/metrics"
)

const defaultPrefix = "chat"

type Hub struct {
	client *redis.Client
	prefix string
	source string
	logger *slog.Logger
}

// Connect parses redisURL, pings the server and returns a hub.
func Connect(ctx context.Context, redisURL string, logger *slog.Logger) (*Hub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return New(client, logger), nil
}

func New(client *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{client: client, prefix: defaultPrefix, source: realtime.DefaultSource, logger: logger}
}

var _ policies.Realtime = (*Hub)(nil)

func (h *Hub) userChannel(userID string) string {
	return fmt.Sprintf("%s:user:%s", h.prefix, userID)
}

func (h *Hub) broadcastChannel() string {
	return h.prefix + ":broadcast"
}

// Publish sends one copy per recipient channel, or one broadcast copy when
// recipients is empty.
func (h *Hub) Publish(ctx context.Context, ev events.DomainEvent, recipients ...string) error {
	payload, err := realtime.Encode(ev, h.source, recipients)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		if err := h.client.Publish(ctx, h.broadcastChannel(), payload).Err(); err != nil {
			return fmt.Errorf("redis: publish: %w", err)
		}
		return nil
	}
	pipe := h.client.Pipeline()
	seen := make(map[string]struct{}, len(recipients))
	for _, id := range recipients {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		pipe.Publish(ctx, h.userChannel(id), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, userID string) (policies.Subscription, error) {
	ps := h.client.Subscribe(ctx, h.userChannel(userID), h.broadcastChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}
	msgs := ps.Channel()
	feed := realtime.NewFeed(userID, realtime.DefaultFeedSize, func() {
		if err := ps.Close(); err != nil {
			h.logger.Warn("redis unsubscribe failed", "user_id", userID, "error", err)
		}
	})
	go func() {
		for msg := range msgs {
			env, ev, err := realtime.Decode([]byte(msg.Payload))
			if err != nil {
				metrics.DroppedEvents.WithLabelValues("redis_decode").Inc()
				h.logger.Warn("undecodable realtime payload", "channel", msg.Channel, "error", err)
				continue
			}
			if !env.AddressedTo(userID) {
				continue
			}
			feed.Deliver(ev)
		}
	}()
	return feed, nil
}

// Ping reports whether the server is reachable.
func (h *Hub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

func (h *Hub) Close() error {
	return h.client.Close()
}
