package delivery

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers delivered signal ids across processes and beyond the
// lifetime of the delivered inbox records. A signal is marked only after its
// delivery succeeded, so an interrupted delivery is never taken for a
// duplicate.
type Deduper interface {
	// Seen reports whether id was marked.
	Seen(ctx context.Context, id string) (bool, error)
	// Mark records id as delivered.
	Mark(ctx context.Context, id string) error
}

// RedisDeduper keeps signal ids in Redis with a TTL so every process
// delivering the same storage shares one view.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisDeduper returns a deduper keeping ids for ttl.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, prefix: "epochcqrs:signal:"}
}

func (r *RedisDeduper) key(id string) string { return r.prefix + id }

func (r *RedisDeduper) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	return n > 0, err
}

func (r *RedisDeduper) Mark(ctx context.Context, id string) error {
	return r.client.Set(ctx, r.key(id), 1, r.ttl).Err()
}
