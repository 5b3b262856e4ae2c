package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/domain/chat"
)

func TestChannelNames(t *testing.T) {
	h := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), nil)
	defer h.Close()
	assert.Equal(t, "chat:user:u1", h.userChannel("u1"))
	assert.Equal(t, "chat:broadcast", h.broadcastChannel())
}

// Runs against a real server when REDIS_URL is set.
func TestPubSubRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	hub, err := Connect(ctx, url, nil)
	require.NoError(t, err)
	defer hub.Close()

	sub, err := hub.Subscribe(ctx, "u2")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, chat.TypingChanged{ConversationID: "c1", UserID: "u1", Typing: true, At: time.Now()}, "u1", "u2"))
	require.NoError(t, hub.Publish(ctx, chat.PresenceChanged{UserID: "u3", Online: true, LastSeen: time.Now()}))

	names := make([]string, 0, 2)
	for len(names) < 2 {
		select {
		case ev := <-sub.Events():
			names = append(names, ev.EventName())
		case <-time.After(3 * time.Second):
			t.Fatalf("received only %v", names)
		}
	}
	assert.ElementsMatch(t, []string{chat.EventTyping, chat.EventPresenceChanged}, names)
}
