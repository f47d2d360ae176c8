// Package model holds the handler tables built while the bounded context is
// assembled. After Freeze every table is read-only and safe to share between
// shard workers without locking.
package model

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/snehjoshi/epochcqrs/internal/entity"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
)

var (
	// ErrDuplicateHandler is returned when a message type already has a handler.
	ErrDuplicateHandler = errors.New("model: duplicate handler")
	// ErrDuplicateEntity is returned when an entity type is registered twice.
	ErrDuplicateEntity = errors.New("model: duplicate entity type")
	// ErrFrozen is returned by registrations after Freeze.
	ErrFrozen = errors.New("model: registry is frozen")
	// ErrInvalidModel is returned when an entity definition cannot work, e.g.
	// an aggregate whose command handlers have no event appliers.
	ErrInvalidModel = errors.New("model: invalid model")
	// ErrInterrupted is returned by a handler that stops on purpose. The
	// endpoint turns it into an Interrupted outcome with no state change.
	ErrInterrupted = errors.New("model: handler interrupted")
)

// ─── Table ───────────────────────────────────────────────────────────────────

// Table maps message types to handlers of one entity type.
type Table[H any] struct {
	mu       sync.RWMutex
	handlers map[string]H
	frozen   bool
}

// NewTable returns an empty table.
func NewTable[H any]() *Table[H] {
	return &Table[H]{handlers: make(map[string]H)}
}

// Add registers h for msgType.
func (t *Table[H]) Add(msgType string, h H) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrFrozen
	}
	if _, ok := t.handlers[msgType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, msgType)
	}
	t.handlers[msgType] = h
	return nil
}

// Get returns the handler of msgType.
func (t *Table[H]) Get(msgType string) (H, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[msgType]
	return h, ok
}

// Types returns the registered message types, sorted.
func (t *Table[H]) Types() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of handlers.
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Freeze makes the table read-only.
func (t *Table[H]) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// ─── Registry ────────────────────────────────────────────────────────────────

// EntityInfo describes one registered entity type.
type EntityInfo struct {
	TypeURL  string
	Kind     entity.Kind
	Commands []string
	Events   []string
}

// Registry is the process-wide model: every entity type, which one handles
// each command, which ones react to each event, and the decoder of every
// message type. It is built once and passed to every component that needs it.
type Registry struct {
	types *envelope.TypeRegistry

	mu       sync.RWMutex
	frozen   bool
	entities map[string]*EntityInfo
	commands map[string]string
	events   map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    envelope.NewTypeRegistry(),
		entities: make(map[string]*EntityInfo),
		commands: make(map[string]string),
		events:   make(map[string][]string),
	}
}

// Types returns the message decoders.
func (r *Registry) Types() *envelope.TypeRegistry { return r.types }

// AddEntity registers an entity type with the commands it handles and the
// events it consumes. A command may be handled by only one entity type in
// the whole model.
func (r *Registry) AddEntity(info EntityInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.entities[info.TypeURL]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, info.TypeURL)
	}
	for _, c := range info.Commands {
		if owner, ok := r.commands[c]; ok {
			return fmt.Errorf("%w: command %s is already handled by %s", ErrDuplicateHandler, c, owner)
		}
	}
	for _, c := range info.Commands {
		r.commands[c] = info.TypeURL
	}
	for _, e := range info.Events {
		r.events[e] = append(r.events[e], info.TypeURL)
	}
	cp := info
	r.entities[info.TypeURL] = &cp
	return nil
}

// CommandTarget returns the entity type handling msgType.
func (r *Registry) CommandTarget(msgType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.commands[msgType]
	return t, ok
}

// EventTargets returns the entity types consuming msgType.
func (r *Registry) EventTargets(msgType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events[msgType])
}

// Entity returns the info of typeURL.
func (r *Registry) Entity(typeURL string) (EntityInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.entities[typeURL]
	if !ok {
		return EntityInfo{}, false
	}
	return *info, true
}

// Entities returns every registered entity type, sorted by type URL.
func (r *Registry) Entities() []EntityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntityInfo, 0, len(r.entities))
	for _, info := range r.entities {
		out = append(out, *info)
	}
	slices.SortFunc(out, func(a, b EntityInfo) int {
		switch {
		case a.TypeURL < b.TypeURL:
			return -1
		case a.TypeURL > b.TypeURL:
			return 1
		}
		return 0
	})
	return out
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
