package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/permcore/pkg/permission"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 300*time.Second, cfg.Cache.PointTTL.Std())
	assert.Equal(t, 600*time.Second, cfg.Cache.SetTTL.Std())
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Coalescer.Tick.Std())
	assert.Equal(t, permission.PriorityHigh, cfg.Coalescer.FallbackPriority)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: DEBUG
cache:
  backend: redis
  redis_addr: localhost:6379
  point_ttl: 60s
scheduler:
  workers: 2
coalescer:
  fallback_priority: critical
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, time.Minute, cfg.Cache.PointTTL.Std())
	assert.Equal(t, 600*time.Second, cfg.Cache.SetTTL.Std(), "untouched keys keep defaults")
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, permission.PriorityCritical, cfg.Coalescer.FallbackPriority)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: DEBUG\n"), 0o600))

	t.Setenv("PERMCORE_LOG_LEVEL", "WARN")
	t.Setenv("PERMCORE_WORKERS", "16")
	t.Setenv("PERMCORE_REDIS_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, 16, cfg.Scheduler.Workers)
	assert.Equal(t, "hunter2", cfg.Cache.RedisPassword)
}

func TestOTLPEndpointEnablesTelemetry(t *testing.T) {
	t.Setenv("PERMCORE_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres" }},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"zero queue capacity", func(c *Config) { c.Scheduler.QueueCapacity = 0 }},
		{"zero tick", func(c *Config) { c.Coalescer.Tick = 0 }},
		{"zero point ttl", func(c *Config) { c.Cache.PointTTL = 0 }},
		{"sample rate out of range", func(c *Config) { c.Telemetry.SampleRate = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, permission.ErrInvalidInput))
		})
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: [not a map"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  point_ttl: fast\n"), 0o600))
	_, err := Load(path)
	assert.True(t, errors.Is(err, permission.ErrInvalidInput))
}

func TestLoadRejectsBadPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coalescer:\n  fallback_priority: urgent\n"), 0o600))
	_, err := Load(path)
	assert.True(t, errors.Is(err, permission.ErrInvalidInput))
}
