package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  address: localhost:6379\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.Equal(t, EngineLocal, cfg.Engine.Mode)
	assert.Equal(t, "./data", cfg.Engine.Local.Path)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 10, cfg.Scheduler.Concurrency)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "tslc", cfg.Redis.Prefix)
}

func TestLoadConfigRemoteEngine(t *testing.T) {
	raw := `
redis:
  address: localhost:6379
engine:
  mode: remote
  remote:
    host: tsdb.internal
    port: 9000
    database: telemetry
`
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, EngineRemote, cfg.Engine.Mode)
	assert.Equal(t, "tsdb.internal", cfg.Engine.Remote.Host)
	assert.Equal(t, 9000, cfg.Engine.Remote.Port)
}

func TestConfigValidation(t *testing.T) {
	t.Run("missing redis address", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "daemon.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging: debug\n"), 0o600))

		_, err := LoadConfig(path)
		require.Error(t, err)
	})

	t.Run("unknown engine mode", func(t *testing.T) {
		cfg := &EngineConfig{Mode: "sqlite"}
		require.ErrorIs(t, cfg.Validate(), ErrUnknownEngineMode)
	})
}
