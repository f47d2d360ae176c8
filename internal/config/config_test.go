package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/epochcqrs/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.ID != "auto" {
		t.Errorf("expected default node id auto, got %s", cfg.Node.ID)
	}
	if cfg.Delivery.Mode != config.ModeLocal {
		t.Errorf("expected default mode local, got %s", cfg.Delivery.Mode)
	}
	if cfg.Delivery.ShardCount != 4 {
		t.Errorf("expected default shard_count 4, got %d", cfg.Delivery.ShardCount)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("expected default max_attempts 5, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.DedupWindow != 10*time.Minute {
		t.Errorf("expected default dedup_window 10m, got %s", cfg.Delivery.DedupWindow)
	}
	if cfg.Storage.Backend != config.BackendMemory {
		t.Errorf("expected default backend memory, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Fsync != config.FsyncInterval {
		t.Errorf("expected default fsync interval, got %s", cfg.Storage.Fsync)
	}
	if cfg.Redis.Enabled {
		t.Error("redis must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Delivery.ShardCount != 4 {
		t.Errorf("expected default shard_count for missing file, got %d", cfg.Delivery.ShardCount)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
delivery:
  mode: async
  shard_count: 16
  poll_interval: 250ms
storage:
  backend: local
  data_dir: "/tmp/epochcqrs_test"
  fsync: "always"
redis:
  enabled: true
  addr: "redis:6379"
  lease_ttl: 5s
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Delivery.Mode != config.ModeAsync {
		t.Errorf("expected mode async, got %s", cfg.Delivery.Mode)
	}
	if cfg.Delivery.ShardCount != 16 {
		t.Errorf("expected shard_count 16, got %d", cfg.Delivery.ShardCount)
	}
	if cfg.Delivery.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll_interval 250ms, got %s", cfg.Delivery.PollInterval)
	}
	if cfg.Storage.Backend != config.BackendLocal {
		t.Errorf("expected backend local, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Fsync != config.FsyncAlways {
		t.Errorf("expected fsync always, got %s", cfg.Storage.Fsync)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" || cfg.Redis.LeaseTTL != 5*time.Second {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	// Unset fields keep their defaults.
	if cfg.Delivery.BatchSize != 100 {
		t.Errorf("expected default batch_size 100 (unchanged), got %d", cfg.Delivery.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid, got: %v", err)
	}
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeTempYAML(t, "delivery:\n  shard_count: 16\n")
	t.Setenv("EPOCHCQRS_DELIVERY_SHARD_COUNT", "32")
	t.Setenv("EPOCHCQRS_STORAGE_DATA_DIR", "/var/lib/epochcqrs")
	t.Setenv("EPOCHCQRS_REDIS_ENABLED", "true")
	t.Setenv("EPOCHCQRS_DELIVERY_DEDUP_WINDOW", "1h")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Delivery.ShardCount != 32 {
		t.Errorf("expected shard_count 32 from env, got %d", cfg.Delivery.ShardCount)
	}
	if cfg.Storage.DataDir != "/var/lib/epochcqrs" {
		t.Errorf("expected data_dir from env, got %s", cfg.Storage.DataDir)
	}
	if !cfg.Redis.Enabled {
		t.Error("expected redis enabled from env")
	}
	if cfg.Delivery.DedupWindow != time.Hour {
		t.Errorf("expected dedup_window 1h from env, got %s", cfg.Delivery.DedupWindow)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("unset env must keep the default log level, got %s", cfg.Log.Level)
	}
}

func TestLoad_BadEnvironmentValue(t *testing.T) {
	t.Setenv("EPOCHCQRS_DELIVERY_BATCH_SIZE", "lots")
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a non-numeric batch size")
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "delivery: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"unknown mode":        func(c *config.Config) { c.Delivery.Mode = "eventually" },
		"zero shards":         func(c *config.Config) { c.Delivery.ShardCount = 0 },
		"zero batch":          func(c *config.Config) { c.Delivery.BatchSize = 0 },
		"zero attempts":       func(c *config.Config) { c.Delivery.MaxAttempts = 0 },
		"zero poll":           func(c *config.Config) { c.Delivery.PollInterval = 0 },
		"zero dedup window":   func(c *config.Config) { c.Delivery.DedupWindow = 0 },
		"unknown backend":     func(c *config.Config) { c.Storage.Backend = "s3" },
		"local without dir":   func(c *config.Config) { c.Storage.Backend, c.Storage.DataDir = config.BackendLocal, "" },
		"unknown fsync":       func(c *config.Config) { c.Storage.Fsync = "magic" },
		"redis without addr":  func(c *config.Config) { c.Redis.Enabled, c.Redis.Addr = true, "" },
		"redis with inline":   func(c *config.Config) { c.Redis.Enabled, c.Delivery.Mode = true, config.ModeInline },
		"unknown log format":  func(c *config.Config) { c.Log.Format = "xml" },
		"redis without lease": func(c *config.Config) { c.Redis.Enabled, c.Redis.LeaseTTL = true, 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", name)
			}
		})
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
