// Package aggregate is the command-side entity kind. A command handler looks
// at the current state and returns events; every event is then applied to
// the state by its applier as one transaction phase, so the version grows by
// one per event. The entity is stored and the events posted only when every
// phase succeeded.
package aggregate

import (
	"context"
	"fmt"

	"github.com/snehjoshi/epochcqrs/internal/endpoint"
	"github.com/snehjoshi/epochcqrs/internal/entity"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/model"
	"github.com/snehjoshi/epochcqrs/internal/outcome"
	"github.com/snehjoshi/epochcqrs/internal/route"
	"github.com/snehjoshi/epochcqrs/internal/system"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// CommandHandler decides which events a command produces.
type CommandHandler[S any] func(ctx context.Context, state S, cmd types.Message, ectx envelope.Context) ([]types.Message, error)

// Reactor decides which events a consumed event produces.
type Reactor[S any] func(ctx context.Context, state S, event types.Message, ectx envelope.Context) ([]types.Message, error)

// Applier changes the state for one produced event.
type Applier[S any] func(state *S, event types.Message) error

// Aggregate is the repository of one aggregate type.
type Aggregate[S any] struct {
	*endpoint.Base[S]

	handlers *model.Table[CommandHandler[S]]
	reactors *model.Table[Reactor[S]]
	appliers *model.Table[Applier[S]]
}

// New returns an empty aggregate repository of typeURL.
func New[S any](typeURL string, init func(id string) S) *Aggregate[S] {
	return &Aggregate[S]{
		Base:     endpoint.NewBase(entity.KindAggregate, typeURL, init),
		handlers: model.NewTable[CommandHandler[S]](),
		reactors: model.NewTable[Reactor[S]](),
		appliers: model.NewTable[Applier[S]](),
	}
}

// Handle registers the handler of command type C.
func Handle[C types.Message, S any](a *Aggregate[S], fn func(ctx context.Context, state S, cmd C, ectx envelope.Context) ([]types.Message, error)) error {
	var zero C
	if err := a.handlers.Add(zero.MessageType(), func(ctx context.Context, s S, m types.Message, ec envelope.Context) ([]types.Message, error) {
		return fn(ctx, s, m.(C), ec)
	}); err != nil {
		return fmt.Errorf("aggregate %s: %w", a.TypeURL(), err)
	}
	endpoint.AcceptCommand[C](a.Base)
	return nil
}

// React registers the reactor of event type E produced in this bounded
// context.
func React[E types.Message, S any](a *Aggregate[S], fn func(ctx context.Context, state S, event E, ectx envelope.Context) ([]types.Message, error)) error {
	if err := addReactor(a, fn); err != nil {
		return err
	}
	endpoint.AcceptEvent[E](a.Base)
	return nil
}

// ReactExternal registers the reactor of event type E posted from another
// bounded context.
func ReactExternal[E types.Message, S any](a *Aggregate[S], fn func(ctx context.Context, state S, event E, ectx envelope.Context) ([]types.Message, error)) error {
	if err := addReactor(a, fn); err != nil {
		return err
	}
	endpoint.AcceptExternalEvent[E](a.Base)
	return nil
}

func addReactor[E types.Message, S any](a *Aggregate[S], fn func(ctx context.Context, state S, event E, ectx envelope.Context) ([]types.Message, error)) error {
	var zero E
	if err := a.reactors.Add(zero.MessageType(), func(ctx context.Context, s S, m types.Message, ec envelope.Context) ([]types.Message, error) {
		return fn(ctx, s, m.(E), ec)
	}); err != nil {
		return fmt.Errorf("aggregate %s: %w", a.TypeURL(), err)
	}
	return nil
}

// Apply registers the applier of produced event type E.
func Apply[E types.Message, S any](a *Aggregate[S], fn func(state *S, event E) error) error {
	var zero E
	if err := a.appliers.Add(zero.MessageType(), func(s *S, m types.Message) error {
		return fn(s, m.(E))
	}); err != nil {
		return fmt.Errorf("aggregate %s: %w", a.TypeURL(), err)
	}
	endpoint.Declare[E](a.Base)
	return nil
}

// Validate checks that the aggregate can work: it must handle something and
// have an applier for what it produces.
func (a *Aggregate[S]) Validate() error {
	if a.handlers.Len() == 0 && a.reactors.Len() == 0 {
		return fmt.Errorf("%w: aggregate %s handles no commands or events", model.ErrInvalidModel, a.TypeURL())
	}
	if a.handlers.Len() > 0 && a.appliers.Len() == 0 {
		return fmt.Errorf("%w: aggregate %s has command handlers but no event appliers", model.ErrInvalidModel, a.TypeURL())
	}
	return nil
}

// Attach registers the command, reactor and delete endpoints on the inbox.
func (a *Aggregate[S]) Attach(at endpoint.Attachment) error {
	a.handlers.Freeze()
	a.reactors.Freeze()
	a.appliers.Freeze()
	return a.Base.Attach(at, map[types.InboxLabel]inbox.EndpointFunc{
		types.LabelHandleCommand:  func(env *envelope.Envelope) inbox.Endpoint { return &dispatch[S]{a: a, env: env, command: true} },
		types.LabelReactUponEvent: func(env *envelope.Envelope) inbox.Endpoint { return &dispatch[S]{a: a, env: env} },
	})
}

// DispatchCommand routes cmd to the aggregate that handles it.
func (a *Aggregate[S]) DispatchCommand(ctx context.Context, env *envelope.Envelope) error {
	return a.SendCommand(ctx, env)
}

// DispatchEvent routes an event to the reacting aggregates.
func (a *Aggregate[S]) DispatchEvent(ctx context.Context, env *envelope.Envelope) error {
	return a.SendEvent(ctx, env, types.LabelReactUponEvent)
}

// RouteCommandTo sets a typed unicast route for command type C.
func RouteCommandTo[C types.Message, S any](a *Aggregate[S], fn func(C, envelope.Context) string) error {
	var zero C
	return a.RouteCommand(zero.MessageType(), route.To(fn))
}

// RouteEventTo sets a typed multicast route for event type E.
func RouteEventTo[E types.Message, S any](a *Aggregate[S], fn func(E, envelope.Context) []string) error {
	var zero E
	return a.RouteEvent(zero.MessageType(), route.ToAll(fn))
}

// ─── Endpoint ────────────────────────────────────────────────────────────────

type dispatch[S any] struct {
	a       *Aggregate[S]
	env     *envelope.Envelope
	command bool
}

func (d *dispatch[S]) OnError(ctx context.Context, env *envelope.Envelope, err error) {
	d.a.Runtime().OnError(ctx, env, d.a.TypeURL(), "", err)
}

// DispatchTo runs one command or reaction against entity id.
func (d *dispatch[S]) DispatchTo(ctx context.Context, id string) error {
	a, env, rt := d.a, d.env, d.a.Runtime()
	var (
		h  CommandHandler[S]
		ok bool
	)
	if d.command {
		h, ok = a.handlers.Get(env.Type())
	} else {
		var r Reactor[S]
		r, ok = a.reactors.Get(env.Type())
		h = CommandHandler[S](r)
	}
	if !ok {
		return fmt.Errorf("%w: aggregate %s has no handler for %s", inbox.ErrUndeliverable, a.TypeURL(), env.Type())
	}

	e, err := a.Repository().FindOrCreate(ctx, id)
	if err != nil {
		return err
	}
	tx, err := entity.Begin(e, rt.Listener(ctx, env))
	if err != nil {
		return err
	}

	o := endpoint.Call(ctx, func() ([]types.Message, []types.Message, error) {
		events, err := h(ctx, tx.State(), env.Message(), env.Context())
		return events, nil, err
	})

	if o.Kind() == outcome.KindSuccess {
		if err := d.apply(tx, o.Events()); err != nil {
			o = outcome.Error(err)
		}
	}
	rt.Report(ctx, env, a.TypeURL(), id, o)

	switch o.Kind() {
	case outcome.KindSuccess:
		if err := tx.Commit(); err != nil {
			return err
		}
		if err := a.Repository().Store(ctx, e); err != nil {
			return err
		}
		rt.Post(ctx, env, a.TypeURL(), id, o)
	case outcome.KindRejection:
		tx.Rollback(nil)
		rt.Post(ctx, env, a.TypeURL(), id, o)
	case outcome.KindEmpty:
		tx.Rollback(nil)
		if d.command {
			rt.Emit(ctx, system.CommandProducedNoEvents, env, a.TypeURL(), id, nil, "")
		}
	case outcome.KindError:
		tx.Rollback(o.Err())
		rt.OnError(ctx, env, a.TypeURL(), id, o.Err())
	default:
		tx.Rollback(nil)
	}
	return nil
}

// apply plays events on tx, one phase per event. The first failure rolls the
// transaction back.
func (d *dispatch[S]) apply(tx *entity.Tx[S], events []types.Message) error {
	for _, ev := range events {
		ap, ok := d.a.appliers.Get(ev.MessageType())
		if !ok {
			err := fmt.Errorf("aggregate %s: no applier for %s", d.a.TypeURL(), ev.MessageType())
			tx.Rollback(err)
			return err
		}
		if err := tx.Apply(entity.Phase[S]{
			Name:  ev.MessageType(),
			Apply: func(s *S) error { return ap(s, ev) },
		}); err != nil {
			return err
		}
	}
	return nil
}
