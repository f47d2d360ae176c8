// Package projection is the read-side entity kind. Subscribers fold events
// into the projection state; they never produce messages, and an event that
// leaves the state untouched is fine.
package projection

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
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// Subscriber updates the state for one event.
type Subscriber[S any] func(ctx context.Context, state *S, event types.Message, ectx envelope.Context) error

// Projection is the repository of one projection type.
type Projection[S any] struct {
	*endpoint.Base[S]

	subscribers *model.Table[Subscriber[S]]
}

// New returns an empty projection repository of typeURL.
func New[S any](typeURL string, init func(id string) S) *Projection[S] {
	return &Projection[S]{
		Base:        endpoint.NewBase(entity.KindProjection, typeURL, init),
		subscribers: model.NewTable[Subscriber[S]](),
	}
}

// Subscribe registers the subscriber of event type E.
func Subscribe[E types.Message, S any](p *Projection[S], fn func(ctx context.Context, state *S, event E, ectx envelope.Context) error) error {
	if err := addSubscriber(p, fn); err != nil {
		return err
	}
	endpoint.AcceptEvent[E](p.Base)
	return nil
}

// SubscribeExternal registers the subscriber of event type E posted from
// another bounded context.
func SubscribeExternal[E types.Message, S any](p *Projection[S], fn func(ctx context.Context, state *S, event E, ectx envelope.Context) error) error {
	if err := addSubscriber(p, fn); err != nil {
		return err
	}
	endpoint.AcceptExternalEvent[E](p.Base)
	return nil
}

func addSubscriber[E types.Message, S any](p *Projection[S], fn func(ctx context.Context, state *S, event E, ectx envelope.Context) error) error {
	var zero E
	if err := p.subscribers.Add(zero.MessageType(), func(ctx context.Context, s *S, m types.Message, ec envelope.Context) error {
		return fn(ctx, s, m.(E), ec)
	}); err != nil {
		return fmt.Errorf("projection %s: %w", p.TypeURL(), err)
	}
	return nil
}

// RouteEventTo sets a typed multicast route for event type E.
func RouteEventTo[E types.Message, S any](p *Projection[S], fn func(E, envelope.Context) []string) error {
	var zero E
	return p.RouteEvent(zero.MessageType(), route.ToAll(fn))
}

func (p *Projection[S]) Validate() error {
	if p.subscribers.Len() == 0 {
		return fmt.Errorf("%w: projection %s subscribes to no events", model.ErrInvalidModel, p.TypeURL())
	}
	return nil
}

// Attach registers the subscriber and delete endpoints on the inbox.
func (p *Projection[S]) Attach(at endpoint.Attachment) error {
	p.subscribers.Freeze()
	return p.Base.Attach(at, map[types.InboxLabel]inbox.EndpointFunc{
		types.LabelUpdateSubscriber: func(env *envelope.Envelope) inbox.Endpoint { return &dispatch[S]{p: p, env: env} },
	})
}

// DispatchEvent routes an event to the subscribed projections.
func (p *Projection[S]) DispatchEvent(ctx context.Context, env *envelope.Envelope) error {
	return p.SendEvent(ctx, env, types.LabelUpdateSubscriber)
}

type dispatch[S any] struct {
	p   *Projection[S]
	env *envelope.Envelope
}

func (d *dispatch[S]) OnError(ctx context.Context, env *envelope.Envelope, err error) {
	d.p.Runtime().OnError(ctx, env, d.p.TypeURL(), "", err)
}

// DispatchTo folds the event into projection id.
func (d *dispatch[S]) DispatchTo(ctx context.Context, id string) error {
	p, env, rt := d.p, d.env, d.p.Runtime()
	sub, ok := p.subscribers.Get(env.Type())
	if !ok {
		return fmt.Errorf("%w: projection %s has no subscriber for %s", inbox.ErrUndeliverable, p.TypeURL(), env.Type())
	}

	e, err := p.Repository().FindOrCreate(ctx, id)
	if err != nil {
		return err
	}
	tx, err := entity.Begin(e, rt.Listener(ctx, env))
	if err != nil {
		return err
	}

	o := endpoint.Call(ctx, func() ([]types.Message, []types.Message, error) {
		return nil, nil, tx.Update(func(s *S) error {
			return sub(ctx, s, env.Message(), env.Context())
		})
	})
	rt.Report(ctx, env, p.TypeURL(), id, o)

	switch o.Kind() {
	case outcome.KindEmpty:
		if err := tx.IncrementVersion(); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return p.Repository().Store(ctx, e)
	case outcome.KindError:
		tx.Rollback(o.Err())
		rt.OnError(ctx, env, p.TypeURL(), id, o.Err())
	default:
		tx.Rollback(nil)
	}
	return nil
}
