package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, RealtimeMemory, cfg.RealtimeBackend)
	assert.Equal(t, 2*time.Second, cfg.TypingIdle)
	assert.Equal(t, 3*time.Second, cfg.TypingExpiry)
	assert.Equal(t, 10, cfg.SearchLimit)
	assert.Equal(t, "chat.events.v1", cfg.KafkaTopic)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, ":9000", cfg.GRPCAddr)
	assert.Equal(t, 10*time.Second, cfg.HealthInterval)
}

func TestBackendsRequireTheirURLs(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres", env: map[string]string{"STORE_BACKEND": "postgres"}},
		{name: "mongo", env: map[string]string{"STORE_BACKEND": "mongo"}},
		{name: "scylla", env: map[string]string{"STORE_BACKEND": "scylla"}},
		{name: "redis", env: map[string]string{"REALTIME_BACKEND": "redis"}},
		{name: "kafka", env: map[string]string{"REALTIME_BACKEND": "kafka"}},
		{name: "unknown store", env: map[string]string{"STORE_BACKEND": "sqlite"}},
		{name: "bad duration", env: map[string]string{"TYPING_IDLE": "soon"}},
		{name: "bad limit", env: map[string]string{"SEARCH_LIMIT": "ten"}},
		{name: "bad bool", env: map[string]string{"S3_USE_SSL": "maybe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestParsesLists(t *testing.T) {
	t.Setenv("REALTIME_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("STORE_BACKEND", "scylla")
	t.Setenv("SCYLLA_HOSTS", "s1,s2")
	t.Setenv("TYPING_IDLE", "1500ms")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"s1", "s2"}, cfg.ScyllaHosts)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingIdle)
}
