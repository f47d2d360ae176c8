// Package shard partitions entity ids into shards and makes sure at most one
// worker delivers a shard at any instant.
//
// A Coordinator combines the hashing strategy with a claim mechanism:
//   - Disabled: sharding off, messages are dispatched inline
//   - Local:    one mutex per shard, for a single process
//   - Redis:    SET NX leases owned by the node id, for many processes
//     sharing one storage
package shard

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/snehjoshi/epochcqrs/internal/types"
)

var (
	// ErrShardClaimed is returned by Claim when another worker holds the shard.
	ErrShardClaimed = errors.New("shard: already claimed")
	// ErrLeaseLost is returned by Renew when the lease expired or was taken over.
	ErrLeaseLost = errors.New("shard: lease lost")
	// ErrInvalidShardCount is returned for a shard count below one.
	ErrInvalidShardCount = errors.New("shard: shard count must be positive")
)

// Lease is the exclusive right to deliver one shard.
type Lease interface {
	Shard() types.ShardIndex
	// Renew extends a time-bounded lease. Local leases never expire.
	Renew(ctx context.Context) error
	// Release gives the shard up. Calling it more than once is a no-op.
	Release(ctx context.Context) error
}

// Coordinator hashes ids to shards and hands out shard leases.
type Coordinator interface {
	Enabled() bool
	ShardCount() int
	WhichShardFor(id string) types.ShardIndex
	Claim(ctx context.Context, shard types.ShardIndex) (Lease, error)
}

// ─── Strategy ────────────────────────────────────────────────────────────────

// Uniform spreads ids evenly across a fixed number of shards.
type Uniform struct {
	n int
}

// NewUniform returns a strategy over n shards.
func NewUniform(n int) (Uniform, error) {
	if n <= 0 {
		return Uniform{}, fmt.Errorf("%w: %d", ErrInvalidShardCount, n)
	}
	return Uniform{n: n}, nil
}

// ShardCount returns the number of shards.
func (u Uniform) ShardCount() int { return u.n }

// WhichShardFor returns the shard of id. The result depends only on id and
// the shard count, so every process sharing a storage agrees on it.
func (u Uniform) WhichShardFor(id string) types.ShardIndex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return types.ShardIndex{Index: int(h.Sum32() % uint32(u.n)), Of: u.n}
}

// All returns every shard index of the strategy.
func (u Uniform) All() []types.ShardIndex {
	out := make([]types.ShardIndex, u.n)
	for i := range out {
		out[i] = types.ShardIndex{Index: i, Of: u.n}
	}
	return out
}

func (u Uniform) check(s types.ShardIndex) error {
	if s.Of != u.n || s.Index < 0 || s.Index >= u.n {
		return fmt.Errorf("shard: index %s outside %d shards", s, u.n)
	}
	return nil
}

// ─── Disabled ────────────────────────────────────────────────────────────────

// Disabled turns sharding off. Inboxes dispatch inline and nothing is claimed.
type Disabled struct{}

func (Disabled) Enabled() bool   { return false }
func (Disabled) ShardCount() int { return 1 }

func (Disabled) WhichShardFor(string) types.ShardIndex { return types.ShardIndex{Index: 0, Of: 1} }

func (Disabled) Claim(_ context.Context, s types.ShardIndex) (Lease, error) {
	return &localLease{shard: s}, nil
}

// ─── Local ───────────────────────────────────────────────────────────────────

// Local guards each shard with an in-process mutex.
type Local struct {
	Uniform
	locks []sync.Mutex
}

// NewLocal returns a coordinator over n shards for a single process.
func NewLocal(n int) (*Local, error) {
	u, err := NewUniform(n)
	if err != nil {
		return nil, err
	}
	return &Local{Uniform: u, locks: make([]sync.Mutex, n)}, nil
}

func (l *Local) Enabled() bool { return true }

// Claim takes the shard without blocking.
func (l *Local) Claim(_ context.Context, s types.ShardIndex) (Lease, error) {
	if err := l.check(s); err != nil {
		return nil, err
	}
	mu := &l.locks[s.Index]
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrShardClaimed, s)
	}
	return &localLease{shard: s, unlock: mu.Unlock}, nil
}

type localLease struct {
	shard  types.ShardIndex
	unlock func()
	once   sync.Once
}

func (l *localLease) Shard() types.ShardIndex     { return l.shard }
func (l *localLease) Renew(context.Context) error { return nil }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		if l.unlock != nil {
			l.unlock()
		}
	})
	return nil
}
