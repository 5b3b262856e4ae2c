package ginserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/app/changefeed"
	"whatsnep/internal/app/chatsync"
	"whatsnep/internal/app/session"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/infra/config"
	"whatsnep/internal/infra/obs"
	"whatsnep/internal/infra/realtime"
	"whatsnep/internal/infra/storage/memory"
	"whatsnep/internal/infra/storage/s3"
)

var (
	alice = chat.User{ID: "u-alice", Handle: "alice", DisplayName: "Alice"}
	bob   = chat.User{ID: "u-bob", Handle: "bob", DisplayName: "Bob", AvatarRef: "avatars/bob.png"}
)

type fixture struct {
	router *gin.Engine
	store  *memory.Store
	sup    *chatsync.Supervisor
}

type prefixResolver struct{}

func (prefixResolver) Resolve(_ context.Context, ref string) (string, error) {
	return "https://cdn.test/" + ref, nil
}

var _ s3.Resolver = prefixResolver{}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(realtime.WithLogger(logger))
	store := memory.NewStore()
	for _, u := range []chat.User{alice, bob} {
		require.NoError(t, store.CreateUser(context.Background(), u))
	}
	backend := changefeed.New(store, hub, logger)
	mgr := session.NewManager(backend, clockwork.NewRealClock(), logger)
	sup := chatsync.NewSupervisor(chatsync.Config{Store: backend, Realtime: hub, Session: mgr, Logger: logger})
	stop := mgr.Watch(func(ctx context.Context, signedIn bool) {
		if err := sup.OnSessionChange(context.WithoutCancel(ctx), signedIn); err != nil {
			logger.Warn("session change failed", "error", err)
		}
	})
	t.Cleanup(func() {
		stop()
		_ = sup.Close()
	})

	router := NewRouter(config.Config{Env: "test"}, obs.Middleware{Logger: logger}, obs.HealthHandlers{}, Handlers{
		Chat: ChatHandler{Sessions: mgr, Synchronizers: sup, Avatars: prefixResolver{}, Heartbeat: time.Hour, Logger: logger},
	})
	return &fixture{router: router, store: store, sup: sup}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	sync, ok := f.sup.Current()
	require.True(t, ok)
	require.NoError(t, sync.Quiesce(context.Background()))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRequiresSignIn(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/state"},
		{http.MethodPost, "/api/v1/messages"},
		{http.MethodGet, "/api/v1/users?q=b"},
	} {
		w := f.do(t, tc.method, tc.path, map[string]string{})
		assert.Equal(t, http.StatusConflict, w.Code, tc.path)
	}
}

func TestSignInErrors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/session", map[string]string{"user_id": " "}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/session", map[string]string{"user_id": "ghost"}).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/session", map[string]string{"user_id": alice.ID}).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/session", map[string]string{"user_id": bob.ID}).Code)
}

func TestConversationFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/session", map[string]string{"user_id": alice.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode[chat.User](t, w).Handle)

	w = f.do(t, http.MethodGet, "/api/v1/users?q=BO", nil)
	require.Equal(t, http.StatusOK, w.Code)
	found := decode[struct{ Items []chat.User }](t, w)
	require.Len(t, found.Items, 1)
	assert.Equal(t, "https://cdn.test/avatars/bob.png", found.Items[0].AvatarRef)

	w = f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/conversations", map[string]string{"user_id": bob.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	conv := decode[chat.Conversation](t, w)
	require.NotNil(t, conv.OtherUser)
	assert.Equal(t, bob.ID, conv.OtherUser.ID)

	w = f.do(t, http.MethodPost, "/api/v1/conversations", map[string]string{"user_id": alice.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"text": " hello "})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "hello", decode[chat.Message](t, w).Text)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/typing", map[string]bool{"typing": true}).Code)
	f.settle(t)

	w = f.do(t, http.MethodGet, "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[chatsync.Snapshot](t, w)
	assert.Equal(t, alice.ID, snap.UserID)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "hello", snap.Conversations[0].LastMessage)
	require.NotNil(t, snap.Conversations[0].OtherUser)
	assert.Equal(t, "https://cdn.test/avatars/bob.png", snap.Conversations[0].OtherUser.AvatarRef)
	require.NotNil(t, snap.Active)
	require.Len(t, snap.Messages, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/v1/active", map[string]string{"conversation_id": "nope"}).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/api/v1/active", map[string]string{"conversation_id": ""}).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/api/v1/active", map[string]string{"conversation_id": conv.ID}).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/session", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/api/v1/state", nil).Code)
}

func TestStreamEndsOnSignOut(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/session", map[string]string{"user_id": alice.ID}).Code)
	f.settle(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	select {
	case line := <-lines:
		assert.Equal(t, "event:state", strings.ReplaceAll(line, " ", ""))
	case <-time.After(3 * time.Second):
		t.Fatal("no initial state event")
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/session", nil)
	require.NoError(t, err)
	out, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	out.Body.Close()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-lines:
			return !open
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/livez", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).Code)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatsync_")
}
