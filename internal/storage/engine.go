// Package storage defines the persistence abstractions used by the delivery
// pipeline and the entity repositories.
//
// Design principle: inboxes, the delivery engine and repositories must ONLY
// interact with storage through these interfaces. Never call file I/O
// directly. Two implementations ship with the module:
//   - memory.Storage, for tests and single-process inline deployments
//   - local.Storage, a bbolt file for durable single-node deployments
package storage

import (
	"context"
	"errors"

	"github.com/snehjoshi/epochcqrs/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned by operations on a closed storage.
var ErrClosed = errors.New("storage: closed")

// ─── Inbox records ───────────────────────────────────────────────────────────

// InboxQuery selects inbox records for inspection. Zero-valued fields match
// everything.
type InboxQuery struct {
	Tenant   string
	TypeURL  string
	EntityID string
	// Shard restricts the query to one shard index when non-nil.
	Shard  *int
	Status *types.InboxStatus
	Limit  int
}

// Matches reports whether m satisfies the query.
func (q InboxQuery) Matches(m *types.InboxMessage) bool {
	if q.Tenant != "" && m.Tenant != q.Tenant {
		return false
	}
	if q.TypeURL != "" && m.InboxID.TypeURL != q.TypeURL {
		return false
	}
	if q.EntityID != "" && m.InboxID.EntityID != q.EntityID {
		return false
	}
	if q.Shard != nil && m.Shard.Index != *q.Shard {
		return false
	}
	if q.Status != nil && m.Status != *q.Status {
		return false
	}
	return true
}

// InboxStorage is the ordered store of inbox records shared by every inbox
// and every shard worker.
//
// All methods must be safe for concurrent use. Workers of different shards
// never touch the same records.
type InboxStorage interface {
	// Write inserts msg, or replaces the record with the same ID.
	Write(ctx context.Context, msg *types.InboxMessage) error

	// ReadPending returns up to limit ToDeliver records of the shard ordered
	// by WhenReceived ascending. limit <= 0 means no limit.
	ReadPending(ctx context.Context, shard types.ShardIndex, limit int) ([]*types.InboxMessage, error)

	// ReadDelivered returns Delivered records of the shard whose DeliveredAt
	// is at or after since (unix nanos).
	ReadDelivered(ctx context.Context, shard types.ShardIndex, since int64) ([]*types.InboxMessage, error)

	// Update persists a changed record. Returns ErrNotFound if the record
	// was never written.
	Update(ctx context.Context, msg *types.InboxMessage) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Query returns matching records ordered by shard, then WhenReceived.
	Query(ctx context.Context, q InboxQuery) ([]*types.InboxMessage, error)

	// Purge deletes Delivered records whose DeliveredAt is before the given
	// unix nanos and returns how many were removed.
	Purge(ctx context.Context, before int64) (int, error)

	Close() error
}

// ─── Entity records ──────────────────────────────────────────────────────────

// EntityRecord is the persisted state of one entity instance.
type EntityRecord struct {
	Tenant    string `json:"tenant,omitempty"`
	TypeURL   string `json:"type_url"`
	ID        string `json:"id"`
	State     []byte `json:"state"`
	Version   int64  `json:"version"`
	Archived  bool   `json:"archived,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// RecordQuery selects entity records of one type within one tenant.
type RecordQuery struct {
	Tenant          string
	TypeURL         string
	IncludeArchived bool
	IncludeDeleted  bool
	Limit           int
}

// Matches reports whether r satisfies the query.
func (q RecordQuery) Matches(r *EntityRecord) bool {
	if r.Tenant != q.Tenant || r.TypeURL != q.TypeURL {
		return false
	}
	if r.Archived && !q.IncludeArchived {
		return false
	}
	if r.Deleted && !q.IncludeDeleted {
		return false
	}
	return true
}

// RecordStorage persists entity records. Every key is namespaced by tenant;
// records of one tenant are never visible through another tenant's key.
type RecordStorage interface {
	Write(ctx context.Context, rec *EntityRecord) error

	// Read returns ErrNotFound if the record does not exist.
	Read(ctx context.Context, tenant, typeURL, id string) (*EntityRecord, error)

	// ReadAll returns matching records ordered by ID.
	ReadAll(ctx context.Context, q RecordQuery) ([]*EntityRecord, error)

	Delete(ctx context.Context, tenant, typeURL, id string) error

	Close() error
}

// ─── Tenants ─────────────────────────────────────────────────────────────────

// TenantRecord is the persisted entry of one known tenant.
type TenantRecord struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// TenantStorage persists the set of known tenants.
type TenantStorage interface {
	// PutTenant records the tenant if it is not known yet and reports
	// whether it was added.
	PutTenant(ctx context.Context, rec TenantRecord) (bool, error)
	ListTenants(ctx context.Context) ([]TenantRecord, error)
	DeleteTenant(ctx context.Context, id string) error
}
