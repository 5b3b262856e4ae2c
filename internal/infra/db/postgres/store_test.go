package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/domain/chat"
)

func TestContainsPatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, "%bob%", containsPattern("bob"))
	assert.Equal(t, `%a\_b%`, containsPattern("a_b"))
	assert.Equal(t, `%50\%%`, containsPattern("50%"))
	assert.Equal(t, "%%", containsPattern(""))
}

func TestNotFoundMapsNoRows(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows), chat.ErrNotFound)
	boom := errors.New("boom")
	assert.Equal(t, boom, notFound(boom))
}

func TestNullableProfile(t *testing.T) {
	_, ok := nullableProfile{}.user()
	assert.False(t, ok)

	id, handle := "u1", "alice"
	seen := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	u, ok := nullableProfile{id: &id, handle: &handle, lastSeen: &seen}.user()
	require.True(t, ok)
	assert.Equal(t, "alice", u.Handle)
	assert.Equal(t, time.UTC, u.LastSeen.Location())
}

// Runs against a real database when DATABASE_URL is set.
func TestStoreAgainstDatabase(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.EnsureSchema(ctx))

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	alice := chat.User{ID: "a-" + suffix, Handle: "al_" + suffix, DisplayName: "Alice"}
	bob := chat.User{ID: "b-" + suffix, Handle: "bo_" + suffix}
	require.NoError(t, s.CreateUser(ctx, alice))
	require.NoError(t, s.CreateUser(ctx, bob))
	assert.ErrorIs(t, s.CreateUser(ctx, chat.User{ID: "c-" + suffix, Handle: bob.Handle}), chat.ErrHandleTaken)

	found, err := s.SearchUsersByHandle(ctx, "BO_"+suffix, alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, bob.ID, found[0].ID)

	_, err = s.FindConversation(ctx, alice.ID, bob.ID)
	assert.ErrorIs(t, err, chat.ErrNotFound)

	at := time.Now().UTC().Truncate(time.Millisecond)
	conv, err := s.CreateConversation(ctx, alice.ID, bob.ID, at)
	require.NoError(t, err)
	assert.Len(t, conv.Members, 2)

	again, err := s.FindConversation(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	first, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: alice.ID, Text: "hi", CreatedAt: at.Add(time.Second)})
	require.NoError(t, err)
	second, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: bob.ID, Text: "yo", CreatedAt: at.Add(2 * time.Second)})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, chat.NewMessage{ConversationID: "missing-" + suffix, SenderID: alice.ID, Text: "x"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	require.NoError(t, s.UpdateConversationPreview(ctx, conv.ID, chat.Preview{LastMessage: "yo", LastMessageAt: second.CreatedAt}))
	require.NoError(t, s.MarkMessagesRead(ctx, conv.ID, alice.ID))

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.False(t, msgs[0].Read)
	assert.True(t, msgs[1].Read)
	require.NotNil(t, msgs[1].Sender)
	assert.Equal(t, bob.Handle, msgs[1].Sender.Handle)

	convs, err := s.ConversationsForUser(ctx, bob.ID)
	require.NoError(t, err)
	require.NotEmpty(t, convs)
	assert.Equal(t, "yo", convs[0].LastMessage)

	require.NoError(t, s.SetPresence(ctx, bob.ID, true, at))
	p, err := s.Profile(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, p.Online)
}
