package shard_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochcqrs/internal/shard"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// ─── Strategy ────────────────────────────────────────────────────────────────

func TestUniform_StableAndInRange(t *testing.T) {
	u, err := shard.NewUniform(8)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("entity-%d", i)
		s := u.WhichShardFor(id)
		require.Equal(t, 8, s.Of)
		require.GreaterOrEqual(t, s.Index, 0)
		require.Less(t, s.Index, 8)
		require.Equal(t, s, u.WhichShardFor(id), "same id, same shard")
		seen[s.Index] = true
	}
	assert.Len(t, seen, 8, "1000 ids should touch every shard")
	assert.Len(t, u.All(), 8)
}

func TestUniform_RejectsNonPositive(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := shard.NewUniform(n)
		assert.ErrorIs(t, err, shard.ErrInvalidShardCount)
	}
}

func TestDisabled(t *testing.T) {
	var d shard.Disabled
	assert.False(t, d.Enabled())
	assert.Equal(t, types.ShardIndex{Index: 0, Of: 1}, d.WhichShardFor("anything"))
}

// ─── Local ───────────────────────────────────────────────────────────────────

func TestLocal_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, err := shard.NewLocal(4)
	require.NoError(t, err)
	s := types.ShardIndex{Index: 1, Of: 4}

	lease, err := l.Claim(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, s, lease.Shard())

	_, err = l.Claim(ctx, s)
	assert.ErrorIs(t, err, shard.ErrShardClaimed)

	other, err := l.Claim(ctx, types.ShardIndex{Index: 2, Of: 4})
	require.NoError(t, err, "other shards stay free")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "double release is a no-op")

	again, err := l.Claim(ctx, s)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocal_RejectsForeignIndex(t *testing.T) {
	l, err := shard.NewLocal(4)
	require.NoError(t, err)
	_, err = l.Claim(context.Background(), types.ShardIndex{Index: 4, Of: 4})
	assert.Error(t, err)
	_, err = l.Claim(context.Background(), types.ShardIndex{Index: 0, Of: 8})
	assert.Error(t, err)
}

func TestLocal_SingleActiveHolder(t *testing.T) {
	ctx := context.Background()
	l, err := shard.NewLocal(1)
	require.NoError(t, err)
	s := types.ShardIndex{Index: 0, Of: 1}

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lease, err := l.Claim(ctx, s)
				if err != nil {
					continue
				}
				n := active.Add(1)
				if n > maxActive.Load() {
					maxActive.Store(n)
				}
				active.Add(-1)
				_ = lease.Release(ctx)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxActive.Load())
}

// ─── Redis ───────────────────────────────────────────────────────────────────

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	require.NoError(t, err, "start miniredis")
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return m, client
}

func TestRedis_LeaseExclusiveAcrossNodes(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	a, err := shard.NewRedis(client, 4, "node-a", time.Minute)
	require.NoError(t, err)
	b, err := shard.NewRedis(client, 4, "node-b", time.Minute)
	require.NoError(t, err)
	s := a.WhichShardFor("42")
	assert.Equal(t, s, b.WhichShardFor("42"), "nodes agree on the shard")

	lease, err := a.Claim(ctx, s)
	require.NoError(t, err)

	_, err = b.Claim(ctx, s)
	assert.ErrorIs(t, err, shard.ErrShardClaimed)

	holder, err := b.Holder(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "node-a", holder)

	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Release(ctx))

	holder, err = b.Holder(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, holder)

	taken, err := b.Claim(ctx, s)
	require.NoError(t, err)
	require.NoError(t, taken.Release(ctx))
}

func TestRedis_ExpiredLeaseCannotBeRenewedOrReleased(t *testing.T) {
	ctx := context.Background()
	m, client := newRedis(t)

	a, err := shard.NewRedis(client, 2, "node-a", time.Second)
	require.NoError(t, err)
	b, err := shard.NewRedis(client, 2, "node-b", time.Minute)
	require.NoError(t, err)
	s := types.ShardIndex{Index: 0, Of: 2}

	stale, err := a.Claim(ctx, s)
	require.NoError(t, err)

	m.FastForward(2 * time.Second)

	fresh, err := b.Claim(ctx, s)
	require.NoError(t, err, "expired lease frees the shard")

	assert.ErrorIs(t, stale.Renew(ctx), shard.ErrLeaseLost)
	require.NoError(t, stale.Release(ctx))

	holder, err := b.Holder(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "node-b", holder, "stale release must not drop the new owner's key")
	require.NoError(t, fresh.Release(ctx))
}

func TestRedis_RequiresOwner(t *testing.T) {
	_, client := newRedis(t)
	_, err := shard.NewRedis(client, 2, "", 0)
	assert.Error(t, err)
}
