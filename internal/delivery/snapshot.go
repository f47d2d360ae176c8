package delivery

import (
	"context"
	"fmt"
	"slices"

	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// ShardCounts is the number of inbox records of one shard in each status.
type ShardCounts struct {
	Shard     int   `json:"shard" yaml:"shard"`
	Pending   int   `json:"pending" yaml:"pending"`
	Delivered int   `json:"delivered" yaml:"delivered"`
	Dead      int   `json:"dead" yaml:"dead"`
	Oldest    int64 `json:"oldest_pending,omitempty" yaml:"oldest_pending,omitempty"`
}

// Snapshot counts the records of store per shard, optionally limited to one
// tenant. It scans every record and is meant for operators, not hot paths.
func Snapshot(ctx context.Context, store storage.InboxStorage, tenant string) ([]ShardCounts, error) {
	all, err := store.Query(ctx, storage.InboxQuery{Tenant: tenant})
	if err != nil {
		return nil, fmt.Errorf("delivery: snapshot: %w", err)
	}
	byShard := make(map[int]*ShardCounts)
	for _, m := range all {
		c, ok := byShard[m.Shard.Index]
		if !ok {
			c = &ShardCounts{Shard: m.Shard.Index}
			byShard[m.Shard.Index] = c
		}
		switch m.Status {
		case types.StatusToDeliver:
			c.Pending++
			if c.Oldest == 0 || m.WhenReceived < c.Oldest {
				c.Oldest = m.WhenReceived
			}
		case types.StatusDelivered:
			c.Delivered++
		case types.StatusDeadLetter:
			c.Dead++
		}
	}
	out := make([]ShardCounts, 0, len(byShard))
	for _, c := range byShard {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b ShardCounts) int { return a.Shard - b.Shard })
	return out, nil
}
