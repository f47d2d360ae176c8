package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
)

// Repository loads and stores entities of one type. The tenant of every
// operation is taken from the context, so records are always read and
// written under the tenant the message belongs to.
type Repository[S any] struct {
	kind    Kind
	typeURL string
	store   storage.RecordStorage
	init    func(id string) S
}

// NewRepository returns a repository of entities of typeURL. init builds the
// state of an entity that was never stored; nil uses the zero value.
func NewRepository[S any](kind Kind, typeURL string, store storage.RecordStorage, init func(id string) S) *Repository[S] {
	if init == nil {
		init = func(string) S {
			var zero S
			return zero
		}
	}
	return &Repository[S]{kind: kind, typeURL: typeURL, store: store, init: init}
}

func (r *Repository[S]) Kind() Kind      { return r.kind }
func (r *Repository[S]) TypeURL() string { return r.typeURL }

// Find loads an existing entity. Returns storage.ErrNotFound if it was never
// stored.
func (r *Repository[S]) Find(ctx context.Context, id string) (*Entity[S], error) {
	rec, err := r.store.Read(ctx, tenant.From(ctx), r.typeURL, id)
	if err != nil {
		return nil, err
	}
	return r.decode(rec)
}

// FindOrCreate loads an entity, or returns a new one at version 0.
func (r *Repository[S]) FindOrCreate(ctx context.Context, id string) (*Entity[S], error) {
	e, err := r.Find(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return New(r.kind, r.typeURL, id, r.init(id)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("entity: load %s/%s: %w", r.typeURL, id, err)
	}
	return e, nil
}

// Store writes the committed state of e.
func (r *Repository[S]) Store(ctx context.Context, e *Entity[S]) error {
	state, err := sonic.Marshal(e.State())
	if err != nil {
		return fmt.Errorf("entity: encode %s/%s: %w", r.typeURL, e.ID(), err)
	}
	rec := &storage.EntityRecord{
		Tenant:    tenant.From(ctx),
		TypeURL:   r.typeURL,
		ID:        e.ID(),
		State:     state,
		Version:   e.Version(),
		Archived:  e.Archived(),
		Deleted:   e.Deleted(),
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := r.store.Write(ctx, rec); err != nil {
		return fmt.Errorf("entity: store %s/%s: %w", r.typeURL, e.ID(), err)
	}
	return nil
}

// All returns the stored entities of the current tenant.
func (r *Repository[S]) All(ctx context.Context, includeArchived, includeDeleted bool) ([]*Entity[S], error) {
	recs, err := r.store.ReadAll(ctx, storage.RecordQuery{
		Tenant:          tenant.From(ctx),
		TypeURL:         r.typeURL,
		IncludeArchived: includeArchived,
		IncludeDeleted:  includeDeleted,
	})
	if err != nil {
		return nil, fmt.Errorf("entity: read all %s: %w", r.typeURL, err)
	}
	out := make([]*Entity[S], 0, len(recs))
	for _, rec := range recs {
		e, err := r.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Remove physically deletes the record of id.
func (r *Repository[S]) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, tenant.From(ctx), r.typeURL, id); err != nil {
		return fmt.Errorf("entity: remove %s/%s: %w", r.typeURL, id, err)
	}
	return nil
}

func (r *Repository[S]) decode(rec *storage.EntityRecord) (*Entity[S], error) {
	state := r.init(rec.ID)
	if len(rec.State) > 0 {
		if err := sonic.Unmarshal(rec.State, &state); err != nil {
			return nil, fmt.Errorf("entity: decode %s/%s: %w", r.typeURL, rec.ID, err)
		}
	}
	return Restore(r.kind, r.typeURL, rec.ID, state, rec.Version, rec.Archived, rec.Deleted), nil
}
