package boundedcontext

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/epochcqrs/internal/config"
	"github.com/snehjoshi/epochcqrs/internal/delivery"
	"github.com/snehjoshi/epochcqrs/internal/metrics"
	"github.com/snehjoshi/epochcqrs/internal/node"
	"github.com/snehjoshi/epochcqrs/internal/shard"
	"github.com/snehjoshi/epochcqrs/internal/storage/local"
	"github.com/snehjoshi/epochcqrs/internal/storage/memory"
)

// Open builds a BoundedContext from cfg: the storage backend, the node
// identity, Prometheus metrics and, when Redis is enabled, shard leases and
// the signal deduper. opts are applied after the config and win over it.
// Close releases everything Open created.
func Open(ctx context.Context, name string, cfg *config.Config, opts ...Option) (*BoundedContext, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("boundedcontext: config: %w", err)
	}

	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	owned := []io.Closer{store}
	closeAll := func() {
		for i := len(owned) - 1; i >= 0; i-- {
			_ = owned[i].Close()
		}
	}

	nodeID, err := nodeIdentity(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}

	var base []Option
	if cfg.Metrics.Enabled {
		base = append(base, WithMetrics(metrics.New()))
	}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		owned = append(owned, client)
		if err := client.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, fmt.Errorf("boundedcontext: redis %s: %w", cfg.Redis.Addr, err)
		}
		coord, err := shard.NewRedis(client, cfg.Delivery.ShardCount, nodeID, cfg.Redis.LeaseTTL)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("boundedcontext: %w", err)
		}
		base = append(base, WithSharding(coord))
		if cfg.Redis.DedupTTL > 0 {
			base = append(base, WithDeduper(delivery.NewRedisDeduper(client, cfg.Redis.DedupTTL)))
		}
	}

	b, err := New(ctx, name, store, cfg, append(base, opts...)...)
	if err != nil {
		closeAll()
		return nil, err
	}
	b.owned = owned
	b.logger.Info("bounded context opened",
		"node", nodeID, "backend", string(cfg.Storage.Backend), "redis", cfg.Redis.Enabled)
	return b, nil
}

// OpenStore opens the storage backend named by cfg.
func OpenStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(), nil
	case config.BackendLocal:
		s, err := local.Open(cfg.DataDir, local.Config{
			Fsync:           local.FsyncPolicy(cfg.Fsync),
			FsyncIntervalMs: cfg.FsyncIntervalMs,
		})
		if err != nil {
			return nil, fmt.Errorf("boundedcontext: open storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("boundedcontext: unknown storage backend %q", cfg.Backend)
	}
}

// nodeIdentity is persisted next to the local storage file; in-memory
// deployments get a fresh one per process.
func nodeIdentity(cfg *config.Config) (string, error) {
	if cfg.Storage.Backend == config.BackendLocal {
		n, err := node.New(cfg.Storage.DataDir, cfg.Node.ID)
		if err != nil {
			return "", fmt.Errorf("boundedcontext: %w", err)
		}
		return n.ID().String(), nil
	}
	if cfg.Node.ID != "" && cfg.Node.ID != "auto" {
		return cfg.Node.ID, nil
	}
	return node.Ephemeral().ID().String(), nil
}
