package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "postgres", cfg.DB.Driver)
		assert.Equal(t, 50, cfg.Outbox.BatchSize)
		assert.Equal(t, 500*time.Millisecond, cfg.Outbox.PollInterval)
		assert.Equal(t, 10, cfg.Outbox.MaxRetries)
		assert.Equal(t, 72*time.Hour, cfg.Inbox.Retention)
		assert.Equal(t, time.Hour, cfg.Saga.StallThreshold)
		assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
		assert.Equal(t, "info", cfg.Log.Level)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("MEDIATOR_DB_DRIVER", "sqlite")
		t.Setenv("MEDIATOR_DB_DSN", "file::memory:")
		t.Setenv("MEDIATOR_OUTBOX_BATCH_SIZE", "7")
		t.Setenv("MEDIATOR_SAGA_STALL_THRESHOLD", "15m")
		t.Setenv("MEDIATOR_REDIS_URL", "redis://localhost:6379/0")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "sqlite", cfg.DB.Driver)
		assert.Equal(t, "file::memory:", cfg.DB.DSN)
		assert.Equal(t, 7, cfg.Outbox.BatchSize)
		assert.Equal(t, 15*time.Minute, cfg.Saga.StallThreshold)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("MEDIATOR_DB_DRIVER", "mysql")
		t.Setenv("MEDIATOR_OUTBOX_MAX_RETRIES", "0")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mysql")
		assert.Contains(t, err.Error(), "max retries")
	})

	t.Run("unparseable duration", func(t *testing.T) {
		t.Setenv("MEDIATOR_SCHEDULER_POLL_INTERVAL", "soon")

		_, err := Load()
		assert.Error(t, err)
	})
}
