package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reactor.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.GreaterOrEqual(t, cfg.Workers, 1)

	opts := cfg.Options()
	assert.Equal(t, time.Duration(0), opts.IdleTimeout)
	assert.True(t, opts.NoDelay)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
addr = "127.0.0.1:9000"
workers = 2
idle_timeout = "30s"
tcp_nodelay = false
log_level = "debug"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Equal(t, 30*time.Second, cfg.Options().IdleTimeout)
	assert.False(t, cfg.NoDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"unknown keys", "addr = \":1\"\nthreads = 4\nbacklog = 1\n", "unknown keys: backlog, threads"},
		{"bad duration", "idle_timeout = \"soon\"\n", "load config"},
		{"no workers", "workers = 0\n", "workers must be at least 1"},
		{"read buffer", "read_buffer_size = -1\n", "read_buffer_size"},
		{"syntax", "addr = \n", "load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultReadBufferSize, o.ReadBufferSize)
	assert.Equal(t, defaultMaxEvents, o.MaxEvents)

	o = Options{ReadBufferSize: 4096, MaxEvents: 8}.withDefaults()
	assert.Equal(t, 4096, o.ReadBufferSize)
	assert.Equal(t, 8, o.MaxEvents)
}
