package ginserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	"whatsnep/internal/app/chatsync"
	"whatsnep/internal/app/session"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/infra/storage/s3"
)

// Sessions is the part of the session manager the HTTP layer drives.
type Sessions interface {
	SignIn(ctx context.Context, userID string) (chat.User, error)
	SignOut(ctx context.Context) error
}

// Synchronizers hands out the synchronizer of the signed in user.
type Synchronizers interface {
	Current() (*chatsync.Synchronizer, bool)
}

// ChatHandler exposes the synchronizer state and operations of the signed in user.
type ChatHandler struct {
	Sessions      Sessions
	Synchronizers Synchronizers
	Avatars       s3.Resolver
	Heartbeat     time.Duration
	Logger        *slog.Logger
}

type signInRequest struct {
	UserID string `json:"user_id"`
}

type activeRequest struct {
	ConversationID string `json:"conversation_id"`
}

type sendRequest struct {
	Text string `json:"text"`
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

type startRequest struct {
	UserID string `json:"user_id"`
}

func (h ChatHandler) State(c *gin.Context) {
	sync, ok := h.current(c)
	if !ok {
		return
	}
	snap, err := h.snapshot(c.Request.Context(), sync)
	if err != nil {
		h.respondError(c, err, "state")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Stream pushes a "state" server-sent event with the full snapshot on every
// change. It ends when the client leaves or the user signs out.
func (h ChatHandler) Stream(c *gin.Context) {
	sync, ok := h.current(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	changes := sync.Changes()
	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	first := true
	c.Stream(func(w io.Writer) bool {
		if !first {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
				c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
				return true
			case _, open := <-changes:
				if !open {
					return false
				}
			}
		}
		first = false
		snap, err := h.snapshot(ctx, sync)
		if err != nil {
			return false
		}
		c.SSEvent("state", snap)
		return true
	})
}

func (h ChatHandler) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, err := h.Sessions.SignIn(c.Request.Context(), req.UserID)
	if err != nil {
		h.respondError(c, err, "sign_in", "user_id", req.UserID)
		return
	}
	if _, ok := h.Synchronizers.Current(); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat unavailable"})
		return
	}
	h.resolveAvatar(c.Request.Context(), &user)
	c.JSON(http.StatusOK, user)
}

func (h ChatHandler) SignOut(c *gin.Context) {
	if err := h.Sessions.SignOut(c.Request.Context()); err != nil {
		h.respondError(c, err, "sign_out")
		return
	}
	c.Status(http.StatusNoContent)
}

// SetActive activates a conversation from the directory; an empty id clears it.
func (h ChatHandler) SetActive(c *gin.Context) {
	sync, ok := h.current(c)
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx := c.Request.Context()
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		if err := sync.ClearActiveConversation(ctx); err != nil {
			h.respondError(c, err, "clear_active")
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	convs, err := sync.Conversations(ctx)
	if err != nil {
		h.respondError(c, err, "set_active", "conversation_id", id)
		return
	}
	for _, conv := range convs {
		if conv.ID != id {
			continue
		}
		if err := sync.SetActiveConversation(ctx, conv); err != nil {
			h.respondError(c, err, "set_active", "conversation_id", id)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
}

func (h ChatHandler) Send(c *gin.Context) {
	sync, ok := h.current(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := sync.Send(c.Request.Context(), req.Text)
	if err != nil {
		h.respondError(c, err, "send")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h ChatHandler) Typing(c *gin.Context) {
	sync, ok := h.current(c)
	if !ok {
		return
	}
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := sync.SetTyping(c.Request.Context(), req.Typing); err != nil {
		h.respondError(c, err, "typing")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) SearchUsers(c *gin.Context) {
	sync, ok := h.current(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	users, err := sync.SearchUsers(ctx, c.Query("q"))
	if err != nil {
		h.respondError(c, err, "search_users")
		return
	}
	if users == nil {
		users = []chat.User{}
	}
	for i := range users {
		h.resolveAvatar(ctx, &users[i])
	}
	c.JSON(http.StatusOK, gin.H{"items": users})
}

func (h ChatHandler) StartConversation(c *gin.Context) {
	sync, ok := h.current(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx := c.Request.Context()
	conv, err := sync.StartConversation(ctx, req.UserID)
	if err != nil {
		h.respondError(c, err, "start_conversation", "other_user_id", req.UserID)
		return
	}
	h.resolveAvatar(ctx, conv.OtherUser)
	c.JSON(http.StatusCreated, conv)
}

func (h ChatHandler) current(c *gin.Context) (*chatsync.Synchronizer, bool) {
	sync, ok := h.Synchronizers.Current()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "not signed in"})
		return nil, false
	}
	return sync, true
}

func (h ChatHandler) snapshot(ctx context.Context, sync *chatsync.Synchronizer) (chatsync.Snapshot, error) {
	snap, err := sync.Snapshot(ctx)
	if err != nil {
		return chatsync.Snapshot{}, err
	}
	for i := range snap.Conversations {
		h.resolveAvatar(ctx, snap.Conversations[i].OtherUser)
	}
	if snap.Active != nil {
		h.resolveAvatar(ctx, snap.Active.OtherUser)
	}
	return snap, nil
}

// resolveAvatar swaps the stored avatar reference for a loadable URL and keeps
// the reference when resolution fails.
func (h ChatHandler) resolveAvatar(ctx context.Context, u *chat.User) {
	if h.Avatars == nil || u == nil || u.AvatarRef == "" {
		return
	}
	url, err := h.Avatars.Resolve(ctx, u.AvatarRef)
	if err != nil {
		h.logger().Warn("avatar resolution failed", "user_id", u.ID, "error", err)
		return
	}
	u.AvatarRef = url
}

func (h ChatHandler) respondError(c *gin.Context, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, chatsync.ErrNotSignedIn), errors.Is(err, chatsync.ErrClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "not signed in"})
	case errors.Is(err, session.ErrAlreadySignedIn):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case chat.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		h.logger().Error("chat call failed", append([]any{"action", action, "error", err}, attrs...)...)
		c.JSON(http.StatusBadGateway, gin.H{"error": "chat backend unavailable"})
	}
}

func (h ChatHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

var _ ChatHTTP = ChatHandler{}
