package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrTxActive is returned by Begin when the entity already has an active
	// transaction.
	ErrTxActive = errors.New("entity: transaction already active")
	// ErrTxInactive is returned by every mutation after commit or rollback.
	ErrTxInactive = errors.New("entity: transaction not active")
)

// TxStatus is the state of a transaction.
type TxStatus uint8

const (
	TxNotStarted TxStatus = iota
	TxActive
	TxCommitted
	TxRolledBack
)

func (s TxStatus) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "not_started"
	}
}

// Phase is one recorded state change, typically an event applier.
type Phase[S any] struct {
	Name  string
	Apply func(*S) error
}

// TxEvent describes a finished transaction to a Listener.
type TxEvent struct {
	EntityID      string
	TypeURL       string
	Kind          Kind
	VersionBefore int64
	VersionAfter  int64
	Phases        []string
	Cause         error
}

// Listener observes transaction outcomes.
type Listener interface {
	OnCommitted(TxEvent)
	OnRolledBack(TxEvent)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnCommitted(TxEvent)  {}
func (NopListener) OnRolledBack(TxEvent) {}

// Tx buffers the changes of one entity. Nothing reaches the entity until
// Commit; after Commit or Rollback every mutation returns ErrTxInactive.
type Tx[S any] struct {
	e        *Entity[S]
	listener Listener
	status   TxStatus

	builder      S
	stateChanged bool
	version      int64
	archived     bool
	deleted      bool
	phases       []string
}

// Begin starts a transaction on e. l may be nil.
func Begin[S any](e *Entity[S], l Listener) (*Tx[S], error) {
	if l == nil {
		l = NopListener{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tx != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrTxActive, e.typeURL, e.id)
	}
	tx := &Tx[S]{
		e:        e,
		listener: l,
		status:   TxActive,
		builder:  cloneState(e.state),
		version:  e.version,
		archived: e.archived,
		deleted:  e.deleted,
	}
	e.tx = tx
	return tx, nil
}

// Status returns the state of the transaction.
func (tx *Tx[S]) Status() TxStatus { return tx.status }

// EntityID returns the id of the entity under change.
func (tx *Tx[S]) EntityID() string { return tx.e.id }

// State returns a copy of the uncommitted state.
func (tx *Tx[S]) State() S { return cloneState(tx.builder) }

// Version returns the uncommitted version.
func (tx *Tx[S]) Version() int64 { return tx.version }

// Archived returns the uncommitted archived flag.
func (tx *Tx[S]) Archived() bool { return tx.archived }

// Deleted returns the uncommitted deleted flag.
func (tx *Tx[S]) Deleted() bool { return tx.deleted }

// StateChanged reports whether Update or Apply changed the builder.
func (tx *Tx[S]) StateChanged() bool { return tx.stateChanged }

// Update runs fn on the uncommitted state. A failing fn rolls the whole
// transaction back.
func (tx *Tx[S]) Update(fn func(*S) error) error {
	if tx.status != TxActive {
		return ErrTxInactive
	}
	if err := tx.run(fn); err != nil {
		tx.Rollback(err)
		return err
	}
	tx.stateChanged = true
	return nil
}

// Apply runs one phase and advances the version by one. A failing phase
// rolls the whole transaction back.
func (tx *Tx[S]) Apply(p Phase[S]) error {
	if tx.status != TxActive {
		return ErrTxInactive
	}
	if err := tx.run(p.Apply); err != nil {
		err = fmt.Errorf("entity: phase %s: %w", p.Name, err)
		tx.Rollback(err)
		return err
	}
	tx.stateChanged = true
	tx.version++
	tx.phases = append(tx.phases, p.Name)
	return nil
}

// run applies fn to a scratch copy so a phase failing half-way never leaks
// into the builder.
func (tx *Tx[S]) run(fn func(*S) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entity: panic: %v", r)
		}
	}()
	next := cloneState(tx.builder)
	if err := fn(&next); err != nil {
		return err
	}
	tx.builder = next
	return nil
}

// IncrementVersion advances the version without a phase.
func (tx *Tx[S]) IncrementVersion() error {
	if tx.status != TxActive {
		return ErrTxInactive
	}
	tx.version++
	return nil
}

func (tx *Tx[S]) SetArchived(v bool) error {
	if tx.status != TxActive {
		return ErrTxInactive
	}
	tx.archived = v
	return nil
}

func (tx *Tx[S]) SetDeleted(v bool) error {
	if tx.status != TxActive {
		return ErrTxInactive
	}
	tx.deleted = v
	return nil
}

// Archive is SetArchived(true).
func (tx *Tx[S]) Archive() error { return tx.SetArchived(true) }

// Delete is SetDeleted(true).
func (tx *Tx[S]) Delete() error { return tx.SetDeleted(true) }

// Commit moves every buffered change onto the entity in one step.
func (tx *Tx[S]) Commit() error {
	return tx.commit(true)
}

// CommitFlags commits only the lifecycle flags and drops state and version
// changes. Process managers use it to keep archive and delete rules after a
// failed handler.
func (tx *Tx[S]) CommitFlags() error {
	return tx.commit(false)
}

func (tx *Tx[S]) commit(full bool) error {
	if tx.status != TxActive {
		return ErrTxInactive
	}
	e := tx.e
	e.mu.Lock()
	before := e.version
	flagsChanged := e.archived != tx.archived || e.deleted != tx.deleted
	e.archived, e.deleted = tx.archived, tx.deleted
	e.changed = flagsChanged
	if full {
		if tx.stateChanged {
			e.state = tx.builder
		}
		e.changed = e.changed || tx.stateChanged || e.version != tx.version
		e.version = tx.version
	}
	after := e.version
	e.tx = nil
	e.mu.Unlock()

	tx.status = TxCommitted
	tx.listener.OnCommitted(TxEvent{
		EntityID:      e.id,
		TypeURL:       e.typeURL,
		Kind:          e.kind,
		VersionBefore: before,
		VersionAfter:  after,
		Phases:        tx.phases,
	})
	return nil
}

// Rollback discards the transaction. The entity keeps the state it had
// before Begin. Calling Rollback on a finished transaction is a no-op.
func (tx *Tx[S]) Rollback(cause error) {
	if tx.status != TxActive {
		return
	}
	e := tx.e
	e.mu.Lock()
	e.tx = nil
	e.changed = false
	version := e.version
	e.mu.Unlock()

	tx.status = TxRolledBack
	tx.listener.OnRolledBack(TxEvent{
		EntityID:      e.id,
		TypeURL:       e.typeURL,
		Kind:          e.kind,
		VersionBefore: version,
		VersionAfter:  version,
		Phases:        tx.phases,
		Cause:         cause,
	})
}
