// Package memory is an in-process implementation of the storage interfaces.
// It keeps everything in maps guarded by one mutex and loses all data on
// exit. Used by tests and by single-process deployments that run in inline
// delivery mode.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// Storage implements storage.InboxStorage and storage.TenantStorage.
// Records exposes the entity side as a storage.RecordStorage.
type Storage struct {
	mu      sync.RWMutex
	inbox   map[string]*types.InboxMessage
	records map[recordKey]*storage.EntityRecord
	tenants map[string]storage.TenantRecord
	closed  bool
}

type recordKey struct {
	tenant, typeURL, id string
}

var (
	_ storage.InboxStorage  = (*Storage)(nil)
	_ storage.RecordStorage = (*records)(nil)
	_ storage.TenantStorage = (*Storage)(nil)
)

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		inbox:   make(map[string]*types.InboxMessage),
		records: make(map[recordKey]*storage.EntityRecord),
		tenants: make(map[string]storage.TenantRecord),
	}
}

// ─── Inbox ───────────────────────────────────────────────────────────────────

func (s *Storage) Write(_ context.Context, msg *types.InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.inbox[msg.ID] = msg.Clone()
	return nil
}

func (s *Storage) ReadPending(_ context.Context, shard types.ShardIndex, limit int) ([]*types.InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []*types.InboxMessage
	for _, m := range s.inbox {
		if m.Status == types.StatusToDeliver && m.Shard.Index == shard.Index {
			out = append(out, m.Clone())
		}
	}
	sortByReceived(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Storage) ReadDelivered(_ context.Context, shard types.ShardIndex, since int64) ([]*types.InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []*types.InboxMessage
	for _, m := range s.inbox {
		if m.Status == types.StatusDelivered && m.Shard.Index == shard.Index && m.DeliveredAt >= since {
			out = append(out, m.Clone())
		}
	}
	sortByReceived(out)
	return out, nil
}

func (s *Storage) Update(_ context.Context, msg *types.InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.inbox[msg.ID]; !ok {
		return storage.ErrNotFound
	}
	s.inbox[msg.ID] = msg.Clone()
	return nil
}

func (s *Storage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.inbox, id)
	return nil
}

func (s *Storage) Query(_ context.Context, q storage.InboxQuery) ([]*types.InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []*types.InboxMessage
	for _, m := range s.inbox {
		if q.Matches(m) {
			out = append(out, m.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *types.InboxMessage) int {
		if a.Shard.Index != b.Shard.Index {
			return a.Shard.Index - b.Shard.Index
		}
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Storage) Purge(_ context.Context, before int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	n := 0
	for id, m := range s.inbox {
		if m.Status == types.StatusDelivered && m.DeliveredAt < before {
			delete(s.inbox, id)
			n++
		}
	}
	return n, nil
}

func sortByReceived(msgs []*types.InboxMessage) {
	slices.SortFunc(msgs, func(a, b *types.InboxMessage) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
}

// ─── Entity records ──────────────────────────────────────────────────────────

// Records returns s viewed as a storage.RecordStorage. Write and Delete are
// taken by the inbox side of Storage.
func (s *Storage) Records() storage.RecordStorage { return (*records)(s) }

type records Storage

func (r *records) Write(_ context.Context, rec *storage.EntityRecord) error {
	s := (*Storage)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	c := *rec
	c.State = slices.Clone(rec.State)
	s.records[recordKey{rec.Tenant, rec.TypeURL, rec.ID}] = &c
	return nil
}

func (r *records) Read(_ context.Context, tenant, typeURL, id string) (*storage.EntityRecord, error) {
	s := (*Storage)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	rec, ok := s.records[recordKey{tenant, typeURL, id}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *rec
	c.State = slices.Clone(rec.State)
	return &c, nil
}

func (r *records) ReadAll(_ context.Context, q storage.RecordQuery) ([]*storage.EntityRecord, error) {
	s := (*Storage)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []*storage.EntityRecord
	for _, rec := range s.records {
		if q.Matches(rec) {
			c := *rec
			c.State = slices.Clone(rec.State)
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *storage.EntityRecord) int { return cmp.Compare(a.ID, b.ID) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *records) Delete(_ context.Context, tenant, typeURL, id string) error {
	s := (*Storage)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.records, recordKey{tenant, typeURL, id})
	return nil
}

func (r *records) Close() error { return (*Storage)(r).Close() }

// ─── Tenants ─────────────────────────────────────────────────────────────────

func (s *Storage) PutTenant(_ context.Context, rec storage.TenantRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	if _, ok := s.tenants[rec.ID]; ok {
		return false, nil
	}
	s.tenants[rec.ID] = rec
	return true, nil
}

func (s *Storage) ListTenants(_ context.Context) ([]storage.TenantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make([]storage.TenantRecord, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b storage.TenantRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Storage) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.tenants, id)
	return nil
}

// Close marks the storage closed. Further calls return storage.ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
