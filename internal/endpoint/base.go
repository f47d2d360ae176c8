package endpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/snehjoshi/epochcqrs/internal/entity"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/model"
	"github.com/snehjoshi/epochcqrs/internal/route"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// ErrNotAttached is returned when a repository is used before it was
// registered with a bounded context.
var ErrNotAttached = errors.New("endpoint: repository not attached")

// Attachment is what a bounded context hands a repository on registration.
type Attachment struct {
	Inbox   *inbox.Inbox
	Records storage.RecordStorage
	Runtime Runtime
}

// Base is the part of a repository every entity kind shares: its routing
// tables, the message types it accepts, and after Attach its inbox and
// entity storage.
type Base[S any] struct {
	kind    entity.Kind
	typeURL string
	init    func(id string) S

	commands     *route.Unicast
	events       *route.Multicast
	registrars   []func(*envelope.TypeRegistry)
	commandTypes []string
	eventTypes   []string
	// external holds the event types consumed only when they come from
	// outside the bounded context.
	external map[string]bool

	repo  *entity.Repository[S]
	inbox *inbox.Inbox
	rt    Runtime
}

// NewBase returns the base of a repository of typeURL. init builds the state
// of an entity seen for the first time; nil uses the zero value.
func NewBase[S any](kind entity.Kind, typeURL string, init func(id string) S) *Base[S] {
	return &Base[S]{
		kind:     kind,
		typeURL:  typeURL,
		init:     init,
		commands: route.NewUnicast(),
		events:   route.NewMulticast(),
		external: make(map[string]bool),
	}
}

func (b *Base[S]) TypeURL() string   { return b.typeURL }
func (b *Base[S]) Kind() entity.Kind { return b.kind }

// AcceptCommand records that the repository handles commands of type M and
// returns the type name.
func AcceptCommand[M types.Message, S any](b *Base[S]) string {
	var zero M
	name := zero.MessageType()
	b.registrars = append(b.registrars, func(r *envelope.TypeRegistry) { envelope.Register[M](r) })
	b.commandTypes = append(b.commandTypes, name)
	return name
}

// AcceptEvent records that the repository consumes events of type M and
// returns the type name.
func AcceptEvent[M types.Message, S any](b *Base[S]) string {
	var zero M
	name := zero.MessageType()
	b.registrars = append(b.registrars, func(r *envelope.TypeRegistry) { envelope.Register[M](r) })
	b.eventTypes = append(b.eventTypes, name)
	return name
}

// AcceptExternalEvent is AcceptEvent for events posted from outside the
// bounded context. Such a type is never delivered here when produced
// domestically, and a type accepted with AcceptEvent is never delivered
// when it comes from outside.
func AcceptExternalEvent[M types.Message, S any](b *Base[S]) string {
	name := AcceptEvent[M](b)
	b.external[name] = true
	return name
}

// Declare registers a decoder for M without routing it here. Aggregates use
// it for the events they only produce.
func Declare[M types.Message, S any](b *Base[S]) string {
	var zero M
	b.registrars = append(b.registrars, func(r *envelope.TypeRegistry) { envelope.Register[M](r) })
	return zero.MessageType()
}

// RouteCommand sets the unicast route of a command type.
func (b *Base[S]) RouteCommand(msgType string, fn route.UnicastFunc) error {
	if err := b.commands.Route(msgType, fn); err != nil {
		return fmt.Errorf("endpoint: %s: %w", b.typeURL, err)
	}
	return nil
}

// RouteEvent sets the multicast route of an event type.
func (b *Base[S]) RouteEvent(msgType string, fn route.MulticastFunc) error {
	if err := b.events.Route(msgType, fn); err != nil {
		return fmt.Errorf("endpoint: %s: %w", b.typeURL, err)
	}
	return nil
}

// CommandTypes returns the command types handled, sorted.
func (b *Base[S]) CommandTypes() []string { return sortedCopy(b.commandTypes) }

// EventTypes returns the event types consumed, sorted.
func (b *Base[S]) EventTypes() []string { return sortedCopy(b.eventTypes) }

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// Info describes the repository to the model registry.
func (b *Base[S]) Info() model.EntityInfo {
	return model.EntityInfo{
		TypeURL:  b.typeURL,
		Kind:     b.kind,
		Commands: b.CommandTypes(),
		Events:   b.EventTypes(),
	}
}

// RegisterTypes adds the decoders of every accepted message to r.
func (b *Base[S]) RegisterTypes(r *envelope.TypeRegistry) {
	envelope.Register[DeleteEntity](r)
	for _, fn := range b.registrars {
		fn(r)
	}
}

// Attach connects the repository to its inbox and storage and registers the
// given endpoints plus the delete endpoint.
func (b *Base[S]) Attach(a Attachment, endpoints map[types.InboxLabel]inbox.EndpointFunc) error {
	if a.Inbox == nil || a.Records == nil {
		return fmt.Errorf("endpoint: attach %s: inbox and records are required", b.typeURL)
	}
	if b.inbox != nil {
		return fmt.Errorf("endpoint: %s is already attached", b.typeURL)
	}
	b.repo = entity.NewRepository(b.kind, b.typeURL, a.Records, b.init)
	b.inbox = a.Inbox
	b.rt = a.Runtime
	for label, fn := range endpoints {
		if err := a.Inbox.Register(label, fn); err != nil {
			return err
		}
	}
	return a.Inbox.Register(types.LabelDeleteEntity, b.deleteEndpoint)
}

// Repository returns the entity repository. Nil before Attach.
func (b *Base[S]) Repository() *entity.Repository[S] { return b.repo }

// Runtime returns the runtime given on Attach.
func (b *Base[S]) Runtime() Runtime { return b.rt }

// Find loads entity id in the tenant of ctx.
func (b *Base[S]) Find(ctx context.Context, id string) (*entity.Entity[S], error) {
	if b.repo == nil {
		return nil, ErrNotAttached
	}
	return b.repo.Find(ctx, id)
}

// ─── Sending ─────────────────────────────────────────────────────────────────

// SendCommand routes a command envelope and sends it to the handler.
func (b *Base[S]) SendCommand(ctx context.Context, env *envelope.Envelope) error {
	if b.inbox == nil {
		return ErrNotAttached
	}
	id, err := b.commands.Apply(env.Message(), env.Context())
	if err != nil {
		return fmt.Errorf("endpoint: route %s to %s: %w", env.Type(), b.typeURL, err)
	}
	return b.inbox.Send(env).ToHandler(ctx, id)
}

// SendEvent routes an event envelope and sends it to every target under
// label. An empty route drops the event for this repository.
func (b *Base[S]) SendEvent(ctx context.Context, env *envelope.Envelope, label types.InboxLabel) error {
	if b.inbox == nil {
		return ErrNotAttached
	}
	if b.external[env.Type()] != env.External() {
		return nil
	}
	ids, err := b.events.Apply(env.Message(), env.Context())
	if err != nil {
		return fmt.Errorf("endpoint: route %s to %s: %w", env.Type(), b.typeURL, err)
	}
	if len(ids) == 0 {
		return nil
	}
	s := b.inbox.Send(env)
	switch label {
	case types.LabelUpdateSubscriber:
		return s.ToAllSubscribers(ctx, ids)
	default:
		return s.ToAllReactors(ctx, ids)
	}
}

// SendDelete queues the deletion of entity id behind its other messages.
func (b *Base[S]) SendDelete(ctx context.Context, env *envelope.Envelope, id string) error {
	if b.inbox == nil {
		return ErrNotAttached
	}
	return b.inbox.Send(env).ToDeleter(ctx, id)
}

// ─── Delete endpoint ─────────────────────────────────────────────────────────

func (b *Base[S]) deleteEndpoint(env *envelope.Envelope) inbox.Endpoint {
	return deleteEndpoint[S]{b: b, env: env}
}

type deleteEndpoint[S any] struct {
	b   *Base[S]
	env *envelope.Envelope
}

// DispatchTo marks the entity deleted. An entity that was never stored is
// left alone.
func (e deleteEndpoint[S]) DispatchTo(ctx context.Context, id string) error {
	ent, err := e.b.repo.Find(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tx, err := entity.Begin(ent, e.b.rt.Listener(ctx, e.env))
	if err != nil {
		return err
	}
	if err := tx.Delete(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if !ent.Changed() {
		return nil
	}
	return e.b.repo.Store(ctx, ent)
}

func (e deleteEndpoint[S]) OnError(ctx context.Context, env *envelope.Envelope, err error) {
	e.b.rt.OnError(ctx, env, e.b.typeURL, "", err)
}
