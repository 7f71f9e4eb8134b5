package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/event-pipeline/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "events", cfg.AMQPQueue)
	assert.Equal(t, 50, cfg.PublishBatchSize)
	assert.Equal(t, time.Second, cfg.PublishFlushInterval)
	assert.Equal(t, 5*time.Second, cfg.ConsumerFlushInterval)
	assert.True(t, cfg.Headless)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("AMQP_QUEUE=from-file\nPUBLISH_BATCH_SIZE=7\n"), 0o600))
	t.Setenv("PUBLISH_BATCH_SIZE", "11")
	t.Setenv("CONSUMER_FLUSH_INTERVAL", "250ms")

	cfg, err := config.Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.AMQPQueue)
	assert.Equal(t, 11, cfg.PublishBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.ConsumerFlushInterval)
}
