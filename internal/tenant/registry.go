package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/epochcqrs/internal/storage"
)

// Registry records every tenant that posted a message. Tenants are created
// implicitly on first use via Ensure and persisted through a
// storage.TenantStorage so they survive restarts.
//
// All methods are safe for concurrent use.
type Registry struct {
	store  storage.TenantStorage
	logger *slog.Logger

	mu    sync.RWMutex
	known map[string]struct{}
}

// NewRegistry loads the persisted tenants of store. A nil logger uses
// slog.Default().
func NewRegistry(ctx context.Context, store storage.TenantStorage, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{store: store, logger: logger, known: make(map[string]struct{})}
	list, err := store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenant: load: %w", err)
	}
	for _, t := range list {
		r.known[t.ID] = struct{}{}
	}
	return r, nil
}

// Ensure registers id if it is not known yet. The single-tenant scope ("")
// is never recorded.
func (r *Registry) Ensure(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if !Valid(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.RLock()
	_, ok := r.known[id]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[id]; ok {
		return nil
	}
	added, err := r.store.PutTenant(ctx, storage.TenantRecord{ID: id, CreatedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("tenant: ensure %s: %w", id, err)
	}
	if added {
		r.logger.Info("tenant registered", "tenant", id)
	}
	r.known[id] = struct{}{}
	return nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[id]
	return ok
}

// List returns every registered tenant sorted by id.
func (r *Registry) List(ctx context.Context) ([]storage.TenantRecord, error) {
	list, err := r.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	return list, nil
}

// Delete forgets a tenant. Its inbox and entity records are left untouched.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.DeleteTenant(ctx, id); err != nil {
		return fmt.Errorf("tenant: delete %s: %w", id, err)
	}
	delete(r.known, id)
	return nil
}
