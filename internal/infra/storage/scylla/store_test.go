package scylla

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/domain/chat"
)

func TestParseIDTreatsMalformedAsNotFound(t *testing.T) {
	_, err := parseID("not-a-uuid")
	assert.ErrorIs(t, err, chat.ErrNotFound)

	want := gocql.TimeUUID()
	got, err := parseID(" " + want.String() + " ")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDistinctDropsBlanksAndDuplicates(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, distinct([]string{"b", "", "a", " b ", "a"}))
	assert.Empty(t, distinct(nil))
}

func TestNotFoundMapsDriverError(t *testing.T) {
	assert.ErrorIs(t, notFound(gocql.ErrNotFound), chat.ErrNotFound)
}

// Runs against a real cluster when SCYLLA_HOSTS is set.
func TestStoreAgainstCluster(t *testing.T) {
	hosts := os.Getenv("SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("SCYLLA_HOSTS not set")
	}
	ctx := context.Background()
	keyspace := "chat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	session, err := NewSession(ctx, Options{Hosts: strings.Split(hosts, ","), Keyspace: keyspace, Timeout: 10 * time.Second, Consistency: "ONE"}, nil)
	require.NoError(t, err)
	defer func() {
		_ = session.Query("DROP KEYSPACE IF EXISTS " + keyspace).Exec()
		session.Close()
	}()

	s := NewStore(session, nil)
	require.NoError(t, s.CreateUser(ctx, chat.User{ID: "u1", Handle: "alice"}))
	require.NoError(t, s.CreateUser(ctx, chat.User{ID: "u2", Handle: "bob"}))
	assert.ErrorIs(t, s.CreateUser(ctx, chat.User{ID: "u3", Handle: "bob"}), chat.ErrHandleTaken)

	free, err := s.HandleAvailable(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, free)

	at := time.Now().UTC().Truncate(time.Millisecond)
	conv, err := s.CreateConversation(ctx, "u1", "u2", at)
	require.NoError(t, err)
	found, err := s.FindConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	_, err = s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "u2", Text: "yo", CreatedAt: at})
	require.NoError(t, err)
	require.NoError(t, s.MarkMessagesRead(ctx, conv.ID, "u1"))
	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)

	assert.ErrorIs(t, s.UpdateConversationPreview(ctx, gocql.TimeUUID().String(), chat.Preview{LastMessage: "x", LastMessageAt: at}), chat.ErrNotFound)
}
