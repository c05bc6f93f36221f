package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, uint(1024), cfg.Entries)
	assert.True(t, cfg.SQPoll)
	assert.Equal(t, uint32(0), cfg.SQPollCPU)
	assert.Equal(t, 60*time.Second, cfg.SQPollIdle)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 10, cfg.Rounds)
	assert.Equal(t, 4096, cfg.BlockSize)
	assert.True(t, cfg.Direct)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RING_ENTRIES", "256")
	t.Setenv("RING_WORKERS", "4")
	t.Setenv("RING_SQPOLL", "false")
	t.Setenv("RING_SQPOLL_IDLE", "250ms")
	t.Setenv("RING_FILE", "/tmp/ring.out")
	t.Setenv("RING_LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, uint(256), cfg.Entries)
	assert.Equal(t, 4, cfg.Workers)
	assert.False(t, cfg.SQPoll)
	assert.Equal(t, 250*time.Millisecond, cfg.SQPollIdle)
	assert.Equal(t, "/tmp/ring.out", cfg.File)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"entries not power of two", "RING_ENTRIES", "100"},
		{"zero workers", "RING_WORKERS", "0"},
		{"more workers than entries", "RING_WORKERS", "2048"},
		{"zero rounds", "RING_ROUNDS", "0"},
		{"unaligned block", "RING_BLOCK_SIZE", "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestInitEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ring.env")
	require.NoError(t, os.WriteFile(file, []byte("RING_ROUNDS=3\n"), 0o644))
	t.Setenv("RING_ROUNDS", "")
	os.Unsetenv("RING_ROUNDS")

	require.NoError(t, InitEnv(file))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Rounds)

	assert.NoError(t, InitEnv(filepath.Join(dir, "missing.env")))
}
