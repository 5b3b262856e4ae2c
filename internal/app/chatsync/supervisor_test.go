package chatsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnep/internal/app/session"
)

func TestSupervisorFollowsSessionWithoutLeaks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	mgr := session.NewManager(e.backend, e.clock, e.logger)
	cfg := e.config(alice)
	cfg.Session = mgr
	sup := NewSupervisor(cfg)
	t.Cleanup(func() { _ = sup.Close() })

	stop := mgr.Watch(func(ctx context.Context, signedIn bool) {
		assert.NoError(t, sup.OnSessionChange(ctx, signedIn))
	})
	defer stop()

	for i := 0; i < 3; i++ {
		_, err := mgr.SignIn(ctx, alice.ID)
		require.NoError(t, err)
		current, ok := sup.Current()
		require.True(t, ok)
		require.NoError(t, current.Quiesce(ctx))
		assert.Equal(t, 1, e.hub.Subscribers())

		require.NoError(t, mgr.SignOut(ctx))
		_, ok = sup.Current()
		assert.False(t, ok)
		assert.Zero(t, e.hub.Subscribers())
	}
}

func TestSupervisorSignedOutBuildsNothing(t *testing.T) {
	e := newEnv(t)
	cfg := e.config(alice)
	cfg.Session = signedOut{}
	sup := NewSupervisor(cfg)

	err := sup.OnSessionChange(context.Background(), true)
	assert.ErrorIs(t, err, ErrNotSignedIn)
	_, ok := sup.Current()
	assert.False(t, ok)
}
