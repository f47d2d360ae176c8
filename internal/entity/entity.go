// Package entity holds the state container shared by aggregates, process
// managers and projections, the transaction that is the only way to change
// it, and the repository that loads and stores it.
package entity

import (
	"sync"
)

// Kind tags the entity variant. Behaviour that differs per kind lives in the
// endpoint packages, not in the entity.
type Kind uint8

const (
	KindAggregate Kind = iota + 1
	KindProcessManager
	KindProjection
)

func (k Kind) String() string {
	switch k {
	case KindAggregate:
		return "aggregate"
	case KindProcessManager:
		return "process_manager"
	case KindProjection:
		return "projection"
	default:
		return "unknown"
	}
}

// Identifiable is anything addressed by an entity id.
type Identifiable interface {
	ID() string
}

// Versioned exposes the version counter.
type Versioned interface {
	Version() int64
}

// TransactionTarget is what a transaction needs to know about an entity
// without knowing its state type.
type TransactionTarget interface {
	Identifiable
	Versioned
	Archived() bool
	Deleted() bool
	InTransaction() bool
}

// Cloner is implemented by state types holding maps, slices or pointers.
// States without it are copied by value.
type Cloner[S any] interface {
	Clone() S
}

func cloneState[S any](s S) S {
	if c, ok := any(s).(Cloner[S]); ok {
		return c.Clone()
	}
	return s
}

// Entity is one instance of an aggregate, process manager or projection.
// Its fields can only change through a Tx.
type Entity[S any] struct {
	kind    Kind
	typeURL string
	id      string

	mu       sync.Mutex
	state    S
	version  int64
	archived bool
	deleted  bool
	changed  bool
	tx       *Tx[S]
}

var _ TransactionTarget = (*Entity[struct{}])(nil)

// New returns a fresh entity at version 0.
func New[S any](kind Kind, typeURL, id string, state S) *Entity[S] {
	return &Entity[S]{kind: kind, typeURL: typeURL, id: id, state: state}
}

// Restore rebuilds an entity loaded from storage.
func Restore[S any](kind Kind, typeURL, id string, state S, version int64, archived, deleted bool) *Entity[S] {
	return &Entity[S]{
		kind: kind, typeURL: typeURL, id: id,
		state: state, version: version, archived: archived, deleted: deleted,
	}
}

func (e *Entity[S]) ID() string      { return e.id }
func (e *Entity[S]) Kind() Kind      { return e.kind }
func (e *Entity[S]) TypeURL() string { return e.typeURL }

// State returns a copy of the committed state.
func (e *Entity[S]) State() S {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneState(e.state)
}

func (e *Entity[S]) Version() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *Entity[S]) Archived() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.archived
}

func (e *Entity[S]) Deleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}

// Changed reports whether the last committed transaction changed anything
// that must be stored.
func (e *Entity[S]) Changed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// InTransaction reports whether a transaction is active on the entity.
func (e *Entity[S]) InTransaction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx != nil
}
