package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("APP_ID", "finance")
	t.Setenv("APP_ENV", "test")
	t.Setenv("CACHE_HOST", "localhost")
	t.Setenv("GLOBAL_DATABASE_URL", "postgres://localhost/global")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("SHARD_DATABASE_URLS", "postgres://localhost/shard1,postgres://localhost/shard2")
}

func TestLoadAssignsShardIDs(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Database.Shards, 2)
	assert.Equal(t, 1, cfg.Database.Shards[0].ID)
	assert.Equal(t, 2, cfg.Database.Shards[1].ID)
	assert.Equal(t, "postgres://localhost/shard2", cfg.Database.Shards[1].URL)
}

func TestLoadNamespace(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "finance:test", cfg.Namespace())
}

func TestLoadRequiresAppID(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ID", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_ID")
}

func TestLoadRequiresShardURLs(t *testing.T) {
	setRequired(t)
	t.Setenv("SHARD_DATABASE_URLS", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARD_DATABASE_URLS")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6379, cfg.Cache.Port)
	assert.Equal(t, "localhost:6379", cfg.Cache.Addr())
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.Tick())
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.True(t, cfg.WebSocket.RequireAuth)
	assert.NotEmpty(t, cfg.NodeID)
}

func TestLoadParsesExternalAPIs(t *testing.T) {
	setRequired(t)
	t.Setenv("EXTERNAL_APIS", "email=https://mail.example.com,5,2;sms=https://sms.example.com")
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.ExternalAPIs, 2)

	email := cfg.ExternalAPIs["email"]
	assert.Equal(t, "https://mail.example.com", email.BaseURL)
	assert.Equal(t, 5*time.Second, email.Timeout)
	assert.Equal(t, 2, email.MaxRetries)

	sms := cfg.ExternalAPIs["sms"]
	assert.Equal(t, 10*time.Second, sms.Timeout)
	assert.Equal(t, 3, sms.MaxRetries)
}

func TestLoadRejectsMalformedExternalAPIs(t *testing.T) {
	setRequired(t)
	t.Setenv("EXTERNAL_APIS", "no-equals-sign")
	_, err := Load()
	require.Error(t, err)
}
