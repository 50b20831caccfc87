// Package config holds the daemon configuration. Values resolve in
// three layers: built-in defaults, then an optional YAML file, then
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatewire/permcore/pkg/permission"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "300ms" or "5s".
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: bad duration %q", permission.ErrInvalidInput, s)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full daemon configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Coalescer CoalescerConfig `yaml:"coalescer"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend   string        `yaml:"backend"`
	PointTTL  Duration `yaml:"point_ttl"`
	SetTTL    Duration `yaml:"set_ttl"`
	MaxTTL    Duration `yaml:"max_ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	// RedisPassword comes from PERMCORE_REDIS_PASSWORD only, never the file.
	RedisPassword string `yaml:"-"`
}

// StoreConfig tunes the permission store client.
type StoreConfig struct {
	// Backend is "postgres" or "memory".
	Backend      string  `yaml:"backend"`
	DatabaseURL  string  `yaml:"database_url"`
	MaxQPS       float64 `yaml:"max_qps"`
	MaxOpenConns int     `yaml:"max_open_conns"`
}

// SchedulerConfig tunes the priority worker pool.
type SchedulerConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	LookupTimeout Duration `yaml:"lookup_timeout"`
	GracePeriod   Duration `yaml:"grace_period"`
}

// CoalescerConfig tunes the batch coalescer.
type CoalescerConfig struct {
	Tick             Duration            `yaml:"tick"`
	MaxPairsPerTick  int                 `yaml:"max_pairs_per_tick"`
	FallbackPriority permission.Priority `yaml:"-"`
	// FallbackPriorityName is the YAML/env spelling of FallbackPriority.
	FallbackPriorityName string `yaml:"fallback_priority"`
}

// MonitorConfig tunes health sampling and alerting.
type MonitorConfig struct {
	SampleInterval    Duration `yaml:"sample_interval"`
	EvaluateInterval  Duration `yaml:"evaluate_interval"`
	SnapshotRetention Duration `yaml:"snapshot_retention"`
}

// TelemetryConfig tunes OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Cache: CacheConfig{
			Backend:  "memory",
			PointTTL: Duration(300 * time.Second),
			SetTTL:   Duration(600 * time.Second),
			MaxTTL:   Duration(time.Hour),
		},
		Store: StoreConfig{
			Backend:      "memory",
			MaxQPS:       200,
			MaxOpenConns: 16,
		},
		Scheduler: SchedulerConfig{
			Workers:       8,
			QueueCapacity: 4096,
			LookupTimeout: Duration(2 * time.Second),
			GracePeriod:   Duration(5 * time.Second),
		},
		Coalescer: CoalescerConfig{
			Tick:             Duration(100 * time.Millisecond),
			MaxPairsPerTick:  512,
			FallbackPriority: permission.PriorityHigh,
		},
		Monitor: MonitorConfig{
			SampleInterval:    Duration(10 * time.Second),
			EvaluateInterval:  Duration(30 * time.Second),
			SnapshotRetention: Duration(24 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Environment: "development",
			SampleRate:  1.0,
			ServiceName: "permcore",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Coalescer.FallbackPriorityName != "" {
		p, err := permission.ParsePriority(cfg.Coalescer.FallbackPriorityName)
		if err != nil {
			return nil, err
		}
		cfg.Coalescer.FallbackPriority = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PERMCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PERMCORE_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("PERMCORE_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	c.Cache.RedisPassword = os.Getenv("PERMCORE_REDIS_PASSWORD")
	if v := os.Getenv("PERMCORE_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("PERMCORE_DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("PERMCORE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("PERMCORE_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("%w: cache backend redis requires redis_addr", permission.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q", permission.ErrInvalidInput, c.Cache.Backend)
	}

	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: store backend postgres requires database_url", permission.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", permission.ErrInvalidInput, c.Store.Backend)
	}

	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", permission.ErrInvalidInput)
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue_capacity must be positive", permission.ErrInvalidInput)
	}
	if c.Coalescer.Tick <= 0 {
		return fmt.Errorf("%w: coalescer tick must be positive", permission.ErrInvalidInput)
	}
	if c.Cache.PointTTL <= 0 || c.Cache.SetTTL <= 0 {
		return fmt.Errorf("%w: cache TTLs must be positive", permission.ErrInvalidInput)
	}
	if !c.Coalescer.FallbackPriority.Valid() {
		return fmt.Errorf("%w: invalid fallback priority", permission.ErrInvalidInput)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("%w: sample_rate must be in [0,1]", permission.ErrInvalidInput)
	}
	return nil
}
