package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := runDemo(ctx, " hi ", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.NotEmpty(t, res.ConversationID)
	assert.Equal(t, res.ConversationID, res.SenderActive)
	assert.Equal(t, 1, res.SenderMessages)
	assert.Equal(t, "hi", res.Text)
	assert.Equal(t, 1, res.UnreadBefore)
	assert.Equal(t, 0, res.UnreadAfter)
	assert.True(t, res.MarkedRead)
}

func TestDemoCommandPrintsJSON(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"demo", "--format", "json", "--text", "hello"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var res demoResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, 0, res.UnreadAfter)
}

func TestServeRejectsBadConfig(t *testing.T) {
	t.Setenv("STORE_BACKEND", "cassette")
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"serve"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND")
}
