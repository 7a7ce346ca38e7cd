package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terrain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: editor-1
logging:
  console_level: debug
  levels:
    storage: error
storage:
  driver: file
  path: /tmp/project
cache:
  ttl: 90s
session:
  tick_interval_ms: 20
  blocking_loads: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "editor-1", cfg.NodeID)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.True(t, cfg.Storage.Compress, "значение по умолчанию сохраняется")
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 20*time.Millisecond, cfg.Session.TickInterval())
	assert.True(t, cfg.Session.BlockingLoads)
	assert.Equal(t, "memory", cfg.EventBus.Driver)
	assert.Equal(t, logging.DEBUG, cfg.Logging.LoggingOptions().ConsoleLevel)
	assert.Equal(t, map[string]string{"storage": "error"}, cfg.Logging.Levels)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, "node_id: from-env\n")
	t.Setenv("TERRAIN_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
}

func TestLoadWithoutPath(t *testing.T) {
	t.Setenv("TERRAIN_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "storage: [oops"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "storage:\n  driver: s3\n"))
	assert.ErrorContains(t, err, "storage.driver")

	_, err = Load(writeConfig(t, "eventbus:\n  driver: jetstream\n"))
	assert.ErrorContains(t, err, "eventbus.url")

	_, err = Load(writeConfig(t, "invalidation:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "nats_url")
}

func TestPortFallbacks(t *testing.T) {
	var s ServerConfig
	t.Setenv("TERRAIN_REST_PORT", "")
	t.Setenv("TERRAIN_METRICS_PORT", "")
	assert.Equal(t, 8088, s.GetRESTPort())
	assert.Equal(t, 0, s.GetMetricsPort())

	t.Setenv("TERRAIN_REST_PORT", "9090")
	t.Setenv("TERRAIN_METRICS_PORT", "bad")
	assert.Equal(t, 9090, s.GetRESTPort())
	assert.Equal(t, 0, s.GetMetricsPort())

	s.RESTPort = 7000
	assert.Equal(t, 7000, s.GetRESTPort())
}

func TestDurations(t *testing.T) {
	var s SessionConfig
	assert.Equal(t, 50*time.Millisecond, s.TickInterval())
	assert.Zero(t, s.SaveInterval())
	s.SaveEverySec = 10
	assert.Equal(t, 10*time.Second, s.SaveInterval())

	var sc SyncConfig
	assert.Equal(t, 100*time.Millisecond, sc.FlushEvery())

	var e EventBusConfig
	assert.Equal(t, time.Hour, e.RetentionPeriod())
}
