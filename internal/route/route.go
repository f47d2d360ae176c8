// Package route computes the target entity ids of a message.
//
// Each repository owns one Unicast table (commands, one target) and one
// Multicast table (events, zero or more targets). Tables are filled while the
// model is built; Apply is a pure function of the message and its context.
package route

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

var (
	// ErrDuplicateRoute is returned when a message type already has a custom route.
	ErrDuplicateRoute = errors.New("route: duplicate route")
	// ErrNoRoute is returned when no target id can be derived from a message.
	ErrNoRoute = errors.New("route: no route")
)

// Routable messages name their own target.
type Routable interface {
	RouteID() string
}

// UnicastFunc returns exactly one target id.
type UnicastFunc func(msg types.Message, ctx envelope.Context) (string, error)

// MulticastFunc returns any number of target ids.
type MulticastFunc func(msg types.Message, ctx envelope.Context) ([]string, error)

// ─── Unicast ─────────────────────────────────────────────────────────────────

// Unicast is a routing table for messages with a single target.
type Unicast struct {
	mu       sync.RWMutex
	routes   map[string]UnicastFunc
	fallback UnicastFunc
}

// NewUnicast returns a table that falls back to FirstFieldID.
func NewUnicast() *Unicast {
	return &Unicast{routes: make(map[string]UnicastFunc), fallback: FirstFieldID}
}

// Route registers fn for msgType.
func (u *Unicast) Route(msgType string, fn UnicastFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.routes[msgType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, msgType)
	}
	u.routes[msgType] = fn
	return nil
}

// Apply returns the target of msg.
func (u *Unicast) Apply(msg types.Message, ctx envelope.Context) (string, error) {
	u.mu.RLock()
	fn, ok := u.routes[msg.MessageType()]
	u.mu.RUnlock()
	if !ok {
		fn = u.fallback
	}
	id, err := fn(msg, ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s produced an empty id", ErrNoRoute, msg.MessageType())
	}
	return id, nil
}

// To adapts a typed function to a UnicastFunc. Apply only calls it with
// messages of the type it was registered for.
func To[M types.Message](fn func(M, envelope.Context) string) UnicastFunc {
	return func(msg types.Message, ctx envelope.Context) (string, error) {
		return fn(msg.(M), ctx), nil
	}
}

// FirstFieldID is the default unicast route. A Routable message is routed by
// RouteID; otherwise by the first exported string or integer field whose name
// ends in "ID" or "Id".
func FirstFieldID(msg types.Message, _ envelope.Context) (string, error) {
	if r, ok := msg.(Routable); ok {
		return r.RouteID(), nil
	}
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "", fmt.Errorf("%w: nil %s", ErrNoRoute, msg.MessageType())
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", fmt.Errorf("%w: %s is not a struct", ErrNoRoute, msg.MessageType())
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || !(strings.HasSuffix(f.Name, "ID") || strings.HasSuffix(f.Name, "Id")) {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			return fv.String(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.FormatInt(fv.Int(), 10), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.FormatUint(fv.Uint(), 10), nil
		}
	}
	return "", fmt.Errorf("%w: %s has no id field", ErrNoRoute, msg.MessageType())
}

// ─── Multicast ───────────────────────────────────────────────────────────────

// Multicast is a routing table for messages with many targets.
type Multicast struct {
	mu       sync.RWMutex
	routes   map[string]MulticastFunc
	fallback MulticastFunc
}

// NewMulticast returns a table that falls back to ByProducer.
func NewMulticast() *Multicast {
	return &Multicast{routes: make(map[string]MulticastFunc), fallback: ByProducer}
}

// Route registers fn for msgType.
func (m *Multicast) Route(msgType string, fn MulticastFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[msgType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, msgType)
	}
	m.routes[msgType] = fn
	return nil
}

// Apply returns the sorted, de-duplicated targets of msg. An empty result
// means the message is dropped for this table's repository.
func (m *Multicast) Apply(msg types.Message, ctx envelope.Context) ([]string, error) {
	m.mu.RLock()
	fn, ok := m.routes[msg.MessageType()]
	m.mu.RUnlock()
	if !ok {
		fn = m.fallback
	}
	ids, err := fn(msg, ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// ToAll routes by a typed function.
func ToAll[M types.Message](fn func(M, envelope.Context) []string) MulticastFunc {
	return func(msg types.Message, ctx envelope.Context) ([]string, error) {
		return fn(msg.(M), ctx), nil
	}
}

// ByProducer routes an event to the entity that produced it.
func ByProducer(_ types.Message, ctx envelope.Context) ([]string, error) {
	if ctx.Producer == "" {
		return nil, nil
	}
	return []string{ctx.Producer}, nil
}

// ByField routes an event like FirstFieldID routes a command.
func ByField(msg types.Message, ctx envelope.Context) ([]string, error) {
	id, err := FirstFieldID(msg, ctx)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}
