package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/domain/chat"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, chat.User{ID: "u1", Handle: "Alice", DisplayName: "Alice"}))
	require.NoError(t, s.CreateUser(ctx, chat.User{ID: "u2", Handle: "bob"}))
	require.NoError(t, s.CreateUser(ctx, chat.User{ID: "u3", Handle: "alina"}))
	return s
}

func TestCreateUserNormalizesAndRejectsTakenHandles(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	u, err := s.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Handle)

	err = s.CreateUser(ctx, chat.User{ID: "u9", Handle: "ALICE"})
	assert.ErrorIs(t, err, chat.ErrHandleTaken)

	err = s.CreateUser(ctx, chat.User{ID: "u9", Handle: "x"})
	assert.ErrorIs(t, err, chat.ErrInvalidHandle)

	free, err := s.HandleAvailable(ctx, "Bob")
	require.NoError(t, err)
	assert.False(t, free)
	free, err = s.HandleAvailable(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, free)

	_, err = s.Profile(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSearchUsersByHandle(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	users, err := s.SearchUsersByHandle(ctx, "AL", "u1", 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u3", users[0].ID)

	users, err = s.SearchUsersByHandle(ctx, "", "", 2)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestConversationLookupEitherOrder(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	_, err := s.FindConversation(ctx, "u1", "u2")
	assert.ErrorIs(t, err, chat.ErrNotFound)

	conv, err := s.CreateConversation(ctx, "u1", "u2", t0)
	require.NoError(t, err)
	assert.Len(t, conv.Members, 2)

	found, err := s.FindConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	a, b, err := s.ConversationParticipants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, []string{a, b})

	_, err = s.CreateConversation(ctx, "u1", "u1", t0)
	assert.ErrorIs(t, err, chat.ErrSelfConversation)
}

func TestMessagesPreviewAndReadFlags(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "u1", "u2", t0)
	require.NoError(t, err)

	second, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "u2", Text: "second", CreatedAt: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	first, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "u1", Text: " first ", CreatedAt: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "first", first.Text)

	_, err = s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "u1", Text: "  "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	_, err = s.CreateMessage(ctx, chat.NewMessage{ConversationID: "nope", SenderID: "u1", Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "alice", msgs[0].Sender.Handle)

	require.NoError(t, s.UpdateConversationPreview(ctx, conv.ID, chat.Preview{LastMessage: "second", LastMessageAt: second.CreatedAt}))
	convs, err := s.ConversationsForUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "second", convs[0].LastMessage)

	require.NoError(t, s.MarkMessagesRead(ctx, conv.ID, "u1"))
	flags := s.ReadFlags(conv.ID)
	assert.True(t, flags[second.ID])
	assert.False(t, flags[first.ID])
}

func TestSetPresence(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.SetPresence(ctx, "u2", true, t0))
	u, err := s.Profile(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, u.Online)
	assert.True(t, u.LastSeen.Equal(t0))

	assert.ErrorIs(t, s.SetPresence(ctx, "ghost", true, t0), chat.ErrNotFound)
}
