package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 16, cfg.ManualQueueCap)
	assert.Equal(t, 5*time.Minute, cfg.PresenceTimeout)
	assert.Equal(t, 4, cfg.EventWorkers)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MANUAL_QUEUE_CAP", "32")
	t.Setenv("PRESENCE_TIMEOUT", "90s")
	t.Setenv("EVENT_BUFFER_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 32, cfg.ManualQueueCap)
	assert.Equal(t, 90*time.Second, cfg.PresenceTimeout)
	// Unparseable values fall back to the default.
	assert.Equal(t, 256, cfg.EventBufferSize)
}

func TestLoadRejectsNonPositiveTuning(t *testing.T) {
	t.Setenv("MANUAL_QUEUE_CAP", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MANUAL_QUEUE_CAP")

	t.Setenv("MANUAL_QUEUE_CAP", "16")
	t.Setenv("EVENT_WORKERS", "-1")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EVENT_WORKERS")
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.internal",
		DBPort:     "5433",
		DBUser:     "collab",
		DBPassword: "secret",
		DBName:     "docs",
		DBSSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=collab password=secret dbname=docs sslmode=require",
		cfg.DatabaseURL())
}
