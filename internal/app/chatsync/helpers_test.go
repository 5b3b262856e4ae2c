package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/app/changefeed"
	"whatsnep/internal/app/policies"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/domain/shared/events"
	"whatsnep/internal/infra/realtime"
	"whatsnep/internal/infra/storage/memory"
)

var (
	alice = chat.User{ID: "u-alice", Handle: "alice", DisplayName: "Alice"}
	bob   = chat.User{ID: "u-bob", Handle: "bob", DisplayName: "Bob"}
	carol = chat.User{ID: "u-carol", Handle: "carol", DisplayName: "Carol"}
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeSession struct {
	user chat.User
}

func (f fakeSession) CurrentUser() (chat.Identity, bool) {
	return chat.Identity{ID: f.user.ID, Handle: f.user.Handle}, true
}

func (f fakeSession) CurrentProfile() (chat.ProfileSummary, bool) {
	return chat.ProfileSummary{DisplayName: f.user.DisplayName}, true
}

type signedOut struct{}

func (signedOut) CurrentUser() (chat.Identity, bool)          { return chat.Identity{}, false }
func (signedOut) CurrentProfile() (chat.ProfileSummary, bool) { return chat.ProfileSummary{}, false }

// recorder captures typing broadcasts on their way to the hub.
type recorder struct {
	policies.Realtime

	mu     sync.Mutex
	typing []published
}

type published struct {
	event      chat.TypingChanged
	recipients []string
}

func (r *recorder) Publish(ctx context.Context, ev events.DomainEvent, recipients ...string) error {
	if tc, ok := ev.(chat.TypingChanged); ok {
		r.mu.Lock()
		r.typing = append(r.typing, published{event: tc, recipients: recipients})
		r.mu.Unlock()
	}
	return r.Realtime.Publish(ctx, ev, recipients...)
}

func (r *recorder) count(userID string, typing bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.typing {
		if p.event.UserID == userID && p.event.Typing == typing {
			n++
		}
	}
	return n
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.typing...)
}

// gatedStore holds Messages calls for selected conversations, and Profile
// calls for selected users, until released.
type gatedStore struct {
	chat.Store

	mu      sync.Mutex
	gates   map[string]chan struct{}
	waiters map[string]int
}

func newGatedStore(inner chat.Store) *gatedStore {
	return &gatedStore{Store: inner, gates: make(map[string]chan struct{}), waiters: make(map[string]int)}
}

func (g *gatedStore) hold(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gates[conversationID] = make(chan struct{})
}

func (g *gatedStore) release(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gate, ok := g.gates[conversationID]; ok {
		close(gate)
		delete(g.gates, conversationID)
	}
}

// waiting reports how many calls blocked on key so far.
func (g *gatedStore) waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[key]
}

func (g *gatedStore) wait(ctx context.Context, key string) error {
	g.mu.Lock()
	gate := g.gates[key]
	if gate != nil {
		g.waiters[key]++
	}
	g.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedStore) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if err := g.wait(ctx, conversationID); err != nil {
		return nil, err
	}
	return g.Store.Messages(ctx, conversationID)
}

func (g *gatedStore) Profile(ctx context.Context, userID string) (chat.User, error) {
	if err := g.wait(ctx, userID); err != nil {
		return chat.User{}, err
	}
	return g.Store.Profile(ctx, userID)
}

var errUnavailable = errors.New("store unavailable")

// countingStore counts remote calls and can be switched to fail.
type countingStore struct {
	chat.Store

	mu      sync.Mutex
	calls   map[string]int
	failing map[string]bool
}

func newCountingStore(inner chat.Store) *countingStore {
	return &countingStore{Store: inner, calls: make(map[string]int), failing: make(map[string]bool)}
}

func (c *countingStore) record(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	if c.failing[op] {
		return errUnavailable
	}
	return nil
}

func (c *countingStore) fail(op string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[op] = on
}

func (c *countingStore) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingStore) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if err := c.record("conversations"); err != nil {
		return nil, err
	}
	return c.Store.ConversationsForUser(ctx, userID)
}

func (c *countingStore) CreateMessage(ctx context.Context, req chat.NewMessage) (chat.Message, error) {
	if err := c.record("create_message"); err != nil {
		return chat.Message{}, err
	}
	return c.Store.CreateMessage(ctx, req)
}

func (c *countingStore) MarkMessagesRead(ctx context.Context, conversationID, excludingSenderID string) error {
	if err := c.record("mark_read"); err != nil {
		return err
	}
	return c.Store.MarkMessagesRead(ctx, conversationID, excludingSenderID)
}

func (c *countingStore) Profile(ctx context.Context, userID string) (chat.User, error) {
	if err := c.record("profile"); err != nil {
		return chat.User{}, err
	}
	return c.Store.Profile(ctx, userID)
}

type env struct {
	t       *testing.T
	store   *memory.Store
	backend *changefeed.Store
	hub     *realtime.Hub
	rec     *recorder
	clock   clockwork.Clock
	advance func(time.Duration)
	logger  *slog.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := clockwork.NewFakeClockAt(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(realtime.WithLogger(logger))
	store := memory.NewStore()
	for _, u := range []chat.User{alice, bob, carol} {
		require.NoError(t, store.CreateUser(context.Background(), u))
	}
	return &env{
		t:       t,
		store:   store,
		backend: changefeed.New(store, hub, logger),
		hub:     hub,
		rec:     &recorder{Realtime: hub},
		clock:   fake,
		advance: fake.Advance,
		logger:  logger,
	}
}

func (e *env) config(user chat.User) Config {
	return Config{
		Store:    e.backend,
		Realtime: e.rec,
		Session:  fakeSession{user: user},
		Clock:    e.clock,
		Logger:   e.logger,
	}
}

// client starts a synchronizer for user. wrap may replace the store.
func (e *env) client(user chat.User, wrap func(chat.Store) chat.Store) *Synchronizer {
	e.t.Helper()
	cfg := e.config(user)
	if wrap != nil {
		cfg.Store = wrap(cfg.Store)
	}
	s, err := New(cfg)
	require.NoError(e.t, err)
	require.NoError(e.t, s.Start(context.Background()))
	e.t.Cleanup(func() { _ = s.Close() })
	e.quiesce(s)
	return s
}

// conversation creates a conversation and seeds messages without notifications.
func (e *env) conversation(a, b chat.User, texts ...string) chat.Conversation {
	e.t.Helper()
	ctx := context.Background()
	conv, err := e.store.CreateConversation(ctx, a.ID, b.ID, epoch)
	require.NoError(e.t, err)
	for i, text := range texts {
		sender := a.ID
		if i%2 == 1 {
			sender = b.ID
		}
		_, err := e.store.CreateMessage(ctx, chat.NewMessage{
			ConversationID: conv.ID,
			SenderID:       sender,
			Text:           text,
			CreatedAt:      epoch.Add(time.Duration(i+1) * time.Second),
		})
		require.NoError(e.t, err)
	}
	return conv
}

func (e *env) quiesce(s *Synchronizer) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(e.t, s.Quiesce(ctx))
}

func (e *env) eventually(s *Synchronizer, cond func(Snapshot) bool, msg string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		snap, err := s.Snapshot(context.Background())
		return err == nil && cond(snap)
	}, 2*time.Second, 5*time.Millisecond, msg)
}

func (e *env) snapshot(s *Synchronizer) Snapshot {
	e.t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(e.t, err)
	return snap
}

func texts(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
