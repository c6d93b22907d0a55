package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_TYPE", "")
	t.Setenv("OPERATION_MAX_RETRIES", "")
	t.Setenv("RETRY_BASE_DELAY_SECONDS", "")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.DBType)
	assert.Equal(t, 3, cfg.OperationMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, time.Hour, cfg.RetryMaxDelay)
	assert.Equal(t, 15*time.Minute, cfg.RunLockTTL)
	assert.False(t, cfg.UseMemoryStore())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_TYPE", "Memory")
	t.Setenv("OPERATION_MAX_RETRIES", "7")
	t.Setenv("WORKER_POLL_INTERVAL_SECONDS", "1")
	t.Setenv("CONNECTOR_DEFAULT_CONCURRENCY", "not-a-number")

	cfg := Load()
	assert.True(t, cfg.UseMemoryStore())
	assert.Equal(t, 7, cfg.OperationMaxRetries)
	assert.Equal(t, time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 4, cfg.ConnectorDefaultConcurrency)
}
