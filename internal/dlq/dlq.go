// Package dlq inspects and replays dead-lettered inbox records.
//
// A record is dead-lettered when it failed MaxAttempts times or can never be
// delivered. It stays in the inbox storage with status DeadLetter, outside
// the delivery order, until an operator acts:
//
//   - List:    read dead records, optionally narrowed to a tenant, entity
//     type or entity.
//   - Replay:  put records back to ToDeliver with a fresh attempt count.
//   - Discard: delete a record for good.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// ErrNotDead is returned by Discard for a record that is not dead-lettered.
var ErrNotDead = errors.New("dlq: record is not dead-lettered")

// Filter narrows the records an operation touches. Zero fields match all.
type Filter struct {
	Tenant   string
	TypeURL  string
	EntityID string
	Limit    int
}

func (f Filter) query() storage.InboxQuery {
	status := types.StatusDeadLetter
	return storage.InboxQuery{
		Tenant:   f.Tenant,
		TypeURL:  f.TypeURL,
		EntityID: f.EntityID,
		Status:   &status,
		Limit:    f.Limit,
	}
}

// Manager runs dead-letter operations on one inbox storage.
type Manager struct {
	store  storage.InboxStorage
	notify func(ctx context.Context, s types.ShardIndex)
	logger *slog.Logger
}

// NewManager wraps store. notify, when set, is told about every shard that
// got records back; it has the signature of inbox.Notifier.
func NewManager(store storage.InboxStorage, notify func(ctx context.Context, s types.ShardIndex), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, notify: notify, logger: logger}
}

// List returns the dead records matching f ordered by shard, then by the
// time they were received.
func (m *Manager) List(ctx context.Context, f Filter) ([]*types.InboxMessage, error) {
	recs, err := m.store.Query(ctx, f.query())
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	return recs, nil
}

// Len returns the number of dead records matching f. f.Limit is ignored.
func (m *Manager) Len(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	recs, err := m.List(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Replay moves the dead records matching f back to ToDeliver. Each keeps
// its place in the shard order. It returns the number replayed; a failure
// stops the replay and reports how far it got.
func (m *Manager) Replay(ctx context.Context, f Filter) (int, error) {
	recs, err := m.List(ctx, f)
	if err != nil {
		return 0, err
	}
	shards := make(map[types.ShardIndex]bool)
	var order []types.ShardIndex
	replayed := 0
	for _, r := range recs {
		if !types.ValidTransition(r.Status, types.StatusToDeliver) {
			continue
		}
		r.Status = types.StatusToDeliver
		r.Attempt = 0
		r.LastError = ""
		if err := m.store.Update(ctx, r); err != nil {
			return replayed, fmt.Errorf("dlq: replay %s: %w", r.ID, err)
		}
		replayed++
		if !shards[r.Shard] {
			shards[r.Shard] = true
			order = append(order, r.Shard)
		}
		m.logger.Info("dead letter replayed",
			"record", r.ID, "inbox", r.InboxID.String(), "type", r.MessageType)
	}
	if m.notify != nil {
		for _, s := range order {
			m.notify(ctx, s)
		}
	}
	return replayed, nil
}

// Discard deletes dead record id.
func (m *Manager) Discard(ctx context.Context, id string) error {
	recs, err := m.List(ctx, Filter{})
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.ID == id {
			if err := m.store.Delete(ctx, id); err != nil {
				return fmt.Errorf("dlq: discard %s: %w", id, err)
			}
			m.logger.Info("dead letter discarded", "record", id, "inbox", r.InboxID.String())
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotDead, id)
}
