package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"whatsnep/internal/domain/chat"
)

func TestConversationDocumentJoinsKnownMembers(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	doc := conversationDocument{ID: "c1", ParticipantA: "u1", ParticipantB: "u2", CreatedAt: created}
	conv := doc.toConversation(map[string]chat.User{"u2": {ID: "u2", Handle: "bob"}})

	assert.Equal(t, "c1", conv.ID)
	assert.True(t, conv.LastMessageAt.IsZero())
	require.Len(t, conv.Members, 1)
	other, ok := conv.Member("u2")
	require.True(t, ok)
	assert.Equal(t, "bob", other.Handle)
}

func TestProfileDocumentRoundTrip(t *testing.T) {
	u := chat.User{ID: "u1", Handle: "alice", DisplayName: "Alice", AvatarRef: "avatars/u1.png", Online: true}
	assert.Equal(t, u, newProfileDocument(u).toUser())
}

func TestNotFoundMapsNoDocuments(t *testing.T) {
	assert.ErrorIs(t, notFound(mongo.ErrNoDocuments), chat.ErrNotFound)
	boom := errors.New("boom")
	assert.Equal(t, boom, notFound(boom))
}

// Runs against a real server when MONGO_URI is set.
func TestStoreAgainstServer(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, uri, "chatsync_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	defer func() {
		_ = client.DB.Drop(ctx)
		_ = client.Close(ctx)
	}()

	s := NewStore(client.DB)
	require.NoError(t, s.EnsureIndexes(ctx))
	require.NoError(t, s.CreateUser(ctx, chat.User{ID: "u1", Handle: "Alice"}))
	require.NoError(t, s.CreateUser(ctx, chat.User{ID: "u2", Handle: "bob"}))
	assert.ErrorIs(t, s.CreateUser(ctx, chat.User{ID: "u3", Handle: "BOB"}), chat.ErrHandleTaken)

	users, err := s.SearchUsersByHandle(ctx, "o", "u1", 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].ID)

	at := time.Now().UTC().Truncate(time.Millisecond)
	conv, err := s.CreateConversation(ctx, "u1", "u2", at)
	require.NoError(t, err)
	found, err := s.FindConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	mine, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "u1", Text: "hi", CreatedAt: at})
	require.NoError(t, err)
	theirs, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "u2", Text: "yo", CreatedAt: at.Add(time.Second)})
	require.NoError(t, err)
	require.NoError(t, s.MarkMessagesRead(ctx, conv.ID, "u1"))

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, mine.ID, msgs[0].ID)
	assert.False(t, msgs[0].Read)
	assert.Equal(t, theirs.ID, msgs[1].ID)
	assert.True(t, msgs[1].Read)
	require.NotNil(t, msgs[1].Sender)
	assert.Equal(t, "bob", msgs[1].Sender.Handle)
}
