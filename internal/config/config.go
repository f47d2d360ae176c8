// Package config holds all configuration types and loading logic for
// EpochCQRS. Config structure never shrinks; fields are only added, never
// renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// EPOCHCQRS_DELIVERY_MODE=async.
const EnvPrefix = "EPOCHCQRS_"

// Config is the root configuration of a bounded context process.
type Config struct {
	Node     NodeConfig     `yaml:"node" envPrefix:"NODE_"`
	Delivery DeliveryConfig `yaml:"delivery" envPrefix:"DELIVERY_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Tenancy  TenancyConfig  `yaml:"tenancy" envPrefix:"TENANCY_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// NodeConfig holds the identity of this process.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID string `yaml:"id" env:"ID"`
}

// DeliveryMode selects how inbox records reach their endpoints.
type DeliveryMode string

const (
	ModeInline DeliveryMode = "inline" // no inbox records, dispatch on the posting goroutine
	ModeLocal  DeliveryMode = "local"  // records stored, shard delivered on the posting goroutine
	ModeAsync  DeliveryMode = "async"  // records stored, one worker per shard
)

// DeliveryConfig tunes the shard processor.
type DeliveryConfig struct {
	Mode        DeliveryMode `yaml:"mode" env:"MODE"`
	ShardCount  int          `yaml:"shard_count" env:"SHARD_COUNT"`
	BatchSize   int          `yaml:"batch_size" env:"BATCH_SIZE"`
	MaxAttempts int          `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// PollInterval is how often async workers look for records they were not
	// notified about, e.g. written by another process.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// DedupWindow is how long delivered records are kept to catch duplicates.
	DedupWindow     time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	CleanerInterval time.Duration `yaml:"cleaner_interval" env:"CLEANER_INTERVAL"`
}

// Backend names an inbox and entity storage implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendLocal  Backend = "local"
)

// FsyncPolicy controls when data is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // safest, slowest
	FsyncInterval FsyncPolicy = "interval" // flush every FsyncIntervalMs (default)
	FsyncNever    FsyncPolicy = "never"    // fastest, unsafe (dev/test only)
)

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	Backend         Backend     `yaml:"backend" env:"BACKEND"`
	DataDir         string      `yaml:"data_dir" env:"DATA_DIR"`
	Fsync           FsyncPolicy `yaml:"fsync" env:"FSYNC"`
	FsyncIntervalMs int         `yaml:"fsync_interval_ms" env:"FSYNC_INTERVAL_MS"`
}

// RedisConfig enables shard leases and signal deduplication shared by every
// process delivering the same storage.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	LeaseTTL time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	// DedupTTL is how long signal ids are remembered. Zero disables the
	// Redis deduper while keeping the leases.
	DedupTTL time.Duration `yaml:"dedup_ttl" env:"DEDUP_TTL"`
}

// TenancyConfig controls tenant isolation.
type TenancyConfig struct {
	// Multitenant requires every posted envelope to carry a tenant.
	Multitenant bool `yaml:"multitenant" env:"MULTITENANT"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// LogConfig controls the slog handler installed by the CLI.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{ID: "auto"},
		Delivery: DeliveryConfig{
			Mode:            ModeLocal,
			ShardCount:      4,
			BatchSize:       100,
			MaxAttempts:     5,
			PollInterval:    500 * time.Millisecond,
			DedupWindow:     10 * time.Minute,
			CleanerInterval: time.Minute,
		},
		Storage: StorageConfig{
			Backend:         BackendMemory,
			DataDir:         "./data",
			Fsync:           FsyncInterval,
			FsyncIntervalMs: 200,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			LeaseTTL: 30 * time.Second,
			DedupTTL: 24 * time.Hour,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run with no config file at all. Environment variables
// prefixed with EPOCHCQRS_ are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays EPOCHCQRS_* environment variables onto cfg. Unset
// variables leave the current value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Delivery.Mode {
	case ModeInline, ModeLocal, ModeAsync:
	default:
		return errors.New(`delivery.mode must be one of "inline", "local", "async"`)
	}
	if c.Delivery.ShardCount < 1 {
		return errors.New("delivery.shard_count must be at least 1")
	}
	if c.Delivery.BatchSize < 1 {
		return errors.New("delivery.batch_size must be at least 1")
	}
	if c.Delivery.MaxAttempts < 1 {
		return errors.New("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.PollInterval <= 0 {
		return errors.New("delivery.poll_interval must be positive")
	}
	if c.Delivery.DedupWindow <= 0 {
		return errors.New("delivery.dedup_window must be positive")
	}
	if c.Delivery.CleanerInterval < 0 {
		return errors.New("delivery.cleaner_interval must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir must not be empty for the local backend")
		}
	default:
		return errors.New(`storage.backend must be one of "memory", "local"`)
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "never"`)
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return errors.New("redis.addr must not be empty when redis is enabled")
		}
		if c.Redis.LeaseTTL <= 0 {
			return errors.New("redis.lease_ttl must be positive")
		}
		if c.Delivery.Mode == ModeInline {
			return errors.New("redis needs delivery.mode local or async")
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New(`log.format must be one of "text", "json"`)
	}
	return nil
}
