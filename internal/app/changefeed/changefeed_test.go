package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/domain/chat"
	"whatsnep/internal/domain/shared/events"
	"whatsnep/internal/infra/storage/memory"
)

type captured struct {
	event      events.DomainEvent
	recipients []string
}

type capturePublisher struct {
	got []captured
	err error
}

func (c *capturePublisher) Publish(_ context.Context, ev events.DomainEvent, recipients ...string) error {
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, captured{event: ev, recipients: recipients})
	return nil
}

func setup(t *testing.T) (*Store, *capturePublisher, chat.Conversation) {
	t.Helper()
	ctx := context.Background()
	mem := memory.NewStore()
	require.NoError(t, mem.CreateUser(ctx, chat.User{ID: "u1", Handle: "alice"}))
	require.NoError(t, mem.CreateUser(ctx, chat.User{ID: "u2", Handle: "bob"}))
	conv, err := mem.CreateConversation(ctx, "u1", "u2", time.Now())
	require.NoError(t, err)
	pub := &capturePublisher{}
	return New(mem, pub, nil), pub, conv
}

func TestCreateMessageNotifiesBothParticipants(t *testing.T) {
	store, pub, conv := setup(t)
	msg, err := store.CreateMessage(context.Background(), chat.NewMessage{
		ConversationID: conv.ID, SenderID: "u1", Text: "hi", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.Len(t, pub.got, 1)
	ins, ok := pub.got[0].event.(chat.MessageInserted)
	require.True(t, ok)
	assert.Equal(t, msg.ID, ins.ID)
	assert.ElementsMatch(t, []string{"u1", "u2"}, pub.got[0].recipients)
}

func TestFailedWriteNotifiesNobody(t *testing.T) {
	store, pub, _ := setup(t)
	_, err := store.CreateMessage(context.Background(), chat.NewMessage{ConversationID: "missing", SenderID: "u1", Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrNotFound)
	assert.Empty(t, pub.got)
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	store, pub, conv := setup(t)
	pub.err = errors.New("broker down")
	_, err := store.CreateMessage(context.Background(), chat.NewMessage{
		ConversationID: conv.ID, SenderID: "u2", Text: "still stored", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	msgs, err := store.Messages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPresenceIsBroadcast(t *testing.T) {
	store, pub, _ := setup(t)
	require.NoError(t, store.SetPresence(context.Background(), "u2", true, time.Now()))
	require.Len(t, pub.got, 1)
	assert.Empty(t, pub.got[0].recipients)
	pc, ok := pub.got[0].event.(chat.PresenceChanged)
	require.True(t, ok)
	assert.Equal(t, "u2", pc.UserID)
	assert.True(t, pc.Online)
}
