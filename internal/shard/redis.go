package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/epochcqrs/internal/types"
)

// DefaultLeaseTTL bounds how long a crashed worker can keep a shard.
const DefaultLeaseTTL = 30 * time.Second

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis claims shards with time-bounded Redis keys. The key value is the
// owner (the node id), so only the owner can renew or release its lease.
type Redis struct {
	Uniform
	client redis.UniversalClient
	owner  string
	ttl    time.Duration
	prefix string
}

// NewRedis returns a coordinator over n shards. ttl <= 0 uses DefaultLeaseTTL.
func NewRedis(client redis.UniversalClient, n int, owner string, ttl time.Duration) (*Redis, error) {
	u, err := NewUniform(n)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, errors.New("shard: redis coordinator needs an owner id")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Redis{Uniform: u, client: client, owner: owner, ttl: ttl, prefix: "epochcqrs:shard:"}, nil
}

func (r *Redis) Enabled() bool { return true }

func (r *Redis) key(s types.ShardIndex) string {
	return fmt.Sprintf("%s%d:%d", r.prefix, s.Of, s.Index)
}

// Claim sets the shard key if nobody holds it.
func (r *Redis) Claim(ctx context.Context, s types.ShardIndex) (Lease, error) {
	if err := r.check(s); err != nil {
		return nil, err
	}
	ok, err := r.client.SetNX(ctx, r.key(s), r.owner, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shard: claim %s: %w", s, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardClaimed, s)
	}
	return &redisLease{r: r, shard: s}, nil
}

// Holder returns the owner of the shard's lease, or "" when it is free.
func (r *Redis) Holder(ctx context.Context, s types.ShardIndex) (string, error) {
	v, err := r.client.Get(ctx, r.key(s)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("shard: holder of %s: %w", s, err)
	}
	return v, nil
}

type redisLease struct {
	r     *Redis
	shard types.ShardIndex

	mu       sync.Mutex
	released bool
}

func (l *redisLease) Shard() types.ShardIndex { return l.shard }

func (l *redisLease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLeaseLost
	}
	n, err := renewScript.Run(ctx, l.r.client, []string{l.r.key(l.shard)}, l.r.owner, l.r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("shard: renew %s: %w", l.shard, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.shard)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if err := releaseScript.Run(ctx, l.r.client, []string{l.r.key(l.shard)}, l.r.owner).Err(); err != nil {
		return fmt.Errorf("shard: release %s: %w", l.shard, err)
	}
	return nil
}
