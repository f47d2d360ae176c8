// Package envelope wraps commands and events with their delivery metadata.
//
// An Envelope is immutable: it is built once by NewCommand, NewEvent,
// Produced or Decode and only read afterwards. Every routing function,
// inbox and endpoint sees the same value for the whole life of the message.
package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/snehjoshi/epochcqrs/internal/types"
)

// Context is the read-only view of envelope metadata handed to routing
// functions and handlers.
type Context struct {
	Tenant    string
	Actor     string
	Producer  string
	Origin    string
	Root      string
	Timestamp time.Time
	External  bool
}

// Envelope is a command or event plus its metadata.
type Envelope struct {
	id        string
	kind      types.Kind
	msg       types.Message
	origin    string
	root      string
	tenant    string
	actor     string
	producer  string
	timestamp time.Time
	external  bool
	deliverAt time.Time
}

// Option customises an envelope while it is being built.
type Option func(*Envelope)

// WithID overrides the generated id. Clients that retry a post must reuse
// the id of the first attempt so the inbox can drop the repeat.
func WithID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.id = id
		}
	}
}

// WithTimestamp overrides the creation time.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.timestamp = t.UTC() }
}

// WithProducer records the entity that produced an event.
func WithProducer(entityID string) Option {
	return func(e *Envelope) { e.producer = entityID }
}

// External marks a message as produced outside this bounded context.
func External() Option {
	return func(e *Envelope) { e.external = true }
}

// WithDeliverAt schedules a command for later delivery.
func WithDeliverAt(t time.Time) Option {
	return func(e *Envelope) { e.deliverAt = t.UTC() }
}

// NewCommand wraps a root command.
func NewCommand(msg types.Message, tenant, actor string, opts ...Option) *Envelope {
	return build(types.KindCommand, msg, tenant, actor, opts)
}

// NewEvent wraps a root event, e.g. one imported from another context.
func NewEvent(msg types.Message, tenant, actor string, opts ...Option) *Envelope {
	return build(types.KindEvent, msg, tenant, actor, opts)
}

// Produced wraps a message emitted while handling parent. Tenant and actor
// are inherited; origin points at parent.
func Produced(parent *Envelope, kind types.Kind, msg types.Message, producer string) *Envelope {
	e := build(kind, msg, parent.tenant, parent.actor, nil)
	e.origin = parent.id
	e.root = parent.RootID()
	e.producer = producer
	return e
}

func build(kind types.Kind, msg types.Message, tenant, actor string, opts []Option) *Envelope {
	e := &Envelope{
		id:        uuid.NewString(),
		kind:      kind,
		msg:       msg,
		tenant:    tenant,
		actor:     actor,
		timestamp: time.Now().UTC(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Envelope) ID() string             { return e.id }
func (e *Envelope) Kind() types.Kind       { return e.kind }
func (e *Envelope) Message() types.Message { return e.msg }
func (e *Envelope) Origin() string         { return e.origin }
func (e *Envelope) Tenant() string         { return e.tenant }
func (e *Envelope) Actor() string          { return e.actor }
func (e *Envelope) Producer() string       { return e.producer }
func (e *Envelope) Timestamp() time.Time   { return e.timestamp }
func (e *Envelope) External() bool         { return e.external }
func (e *Envelope) DeliverAt() time.Time   { return e.deliverAt }

// Type returns the registered message type of the payload.
func (e *Envelope) Type() string { return e.msg.MessageType() }

// RootID returns the id of the first envelope of the causal chain.
func (e *Envelope) RootID() string {
	if e.root != "" {
		return e.root
	}
	return e.id
}

// IsScheduled reports whether the envelope should wait for DeliverAt.
func (e *Envelope) IsScheduled(now time.Time) bool {
	return !e.deliverAt.IsZero() && e.deliverAt.After(now)
}

// Context returns the routing context of the envelope.
func (e *Envelope) Context() Context {
	return Context{
		Tenant:    e.tenant,
		Actor:     e.actor,
		Producer:  e.producer,
		Origin:    e.origin,
		Root:      e.RootID(),
		Timestamp: e.timestamp,
		External:  e.external,
	}
}
