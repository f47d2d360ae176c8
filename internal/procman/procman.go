// Package procman is the process manager entity kind. A process manager
// reacts to commands and events by changing its own state through the
// transaction handle and emitting further events and commands.
//
// Unlike aggregates, a process manager is stored even when its handler
// returns a rejection or an error. After an error only the lifecycle flags
// are kept, so an archive or delete decided before the failure survives
// while the half-done state change does not.
package procman

import (
	"context"
	"errors"
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

// Result is what a process manager handler produces.
type Result struct {
	Events   []types.Message
	Commands []types.Message
}

// Emit returns a Result carrying events.
func Emit(events ...types.Message) Result { return Result{Events: events} }

// Command returns a Result carrying commands.
func Command(commands ...types.Message) Result { return Result{Commands: commands} }

// Handler runs one command or event against the transaction of the process.
type Handler[S any] func(ctx context.Context, tx *entity.Tx[S], msg types.Message, ectx envelope.Context) (Result, error)

type lifecycle uint8

const (
	archive lifecycle = iota + 1
	remove
)

// Manager is the repository of one process manager type.
type Manager[S any] struct {
	*endpoint.Base[S]

	commands *model.Table[Handler[S]]
	reactors *model.Table[Handler[S]]
	rules    *model.Table[lifecycle]
}

// New returns an empty process manager repository of typeURL.
func New[S any](typeURL string, init func(id string) S) *Manager[S] {
	return &Manager[S]{
		Base:     endpoint.NewBase(entity.KindProcessManager, typeURL, init),
		commands: model.NewTable[Handler[S]](),
		reactors: model.NewTable[Handler[S]](),
		rules:    model.NewTable[lifecycle](),
	}
}

func typed[M types.Message, S any](fn func(context.Context, *entity.Tx[S], M, envelope.Context) (Result, error)) Handler[S] {
	return func(ctx context.Context, tx *entity.Tx[S], m types.Message, ec envelope.Context) (Result, error) {
		return fn(ctx, tx, m.(M), ec)
	}
}

// Handle registers the handler of command type C.
func Handle[C types.Message, S any](p *Manager[S], fn func(ctx context.Context, tx *entity.Tx[S], cmd C, ectx envelope.Context) (Result, error)) error {
	var zero C
	if err := p.commands.Add(zero.MessageType(), typed(fn)); err != nil {
		return fmt.Errorf("procman %s: %w", p.TypeURL(), err)
	}
	endpoint.AcceptCommand[C](p.Base)
	return nil
}

// React registers the reactor of event type E.
func React[E types.Message, S any](p *Manager[S], fn func(ctx context.Context, tx *entity.Tx[S], event E, ectx envelope.Context) (Result, error)) error {
	var zero E
	if err := p.reactors.Add(zero.MessageType(), typed(fn)); err != nil {
		return fmt.Errorf("procman %s: %w", p.TypeURL(), err)
	}
	endpoint.AcceptEvent[E](p.Base)
	return nil
}

// ReactExternal registers the reactor of event type E posted from another
// bounded context.
func ReactExternal[E types.Message, S any](p *Manager[S], fn func(ctx context.Context, tx *entity.Tx[S], event E, ectx envelope.Context) (Result, error)) error {
	var zero E
	if err := p.reactors.Add(zero.MessageType(), typed(fn)); err != nil {
		return fmt.Errorf("procman %s: %w", p.TypeURL(), err)
	}
	endpoint.AcceptExternalEvent[E](p.Base)
	return nil
}

// ArchiveOn archives the process once it produces a message of type M,
// event or rejection.
func ArchiveOn[M types.Message, S any](p *Manager[S]) error {
	return addRule[M](p, archive)
}

// DeleteOn deletes the process once it produces a message of type M, event
// or rejection.
func DeleteOn[M types.Message, S any](p *Manager[S]) error {
	return addRule[M](p, remove)
}

func addRule[M types.Message, S any](p *Manager[S], l lifecycle) error {
	var zero M
	if err := p.rules.Add(zero.MessageType(), l); err != nil {
		return fmt.Errorf("procman %s: lifecycle rule: %w", p.TypeURL(), err)
	}
	endpoint.Declare[M](p.Base)
	return nil
}

// Validate checks that the process handles at least one message.
func (p *Manager[S]) Validate() error {
	if p.commands.Len() == 0 && p.reactors.Len() == 0 {
		return fmt.Errorf("%w: process manager %s handles no commands or events", model.ErrInvalidModel, p.TypeURL())
	}
	return nil
}

// Attach registers the command, reactor and delete endpoints on the inbox.
func (p *Manager[S]) Attach(at endpoint.Attachment) error {
	p.commands.Freeze()
	p.reactors.Freeze()
	p.rules.Freeze()
	return p.Base.Attach(at, map[types.InboxLabel]inbox.EndpointFunc{
		types.LabelHandleCommand:  func(env *envelope.Envelope) inbox.Endpoint { return &dispatch[S]{p: p, env: env, table: p.commands} },
		types.LabelReactUponEvent: func(env *envelope.Envelope) inbox.Endpoint { return &dispatch[S]{p: p, env: env, table: p.reactors} },
	})
}

// DispatchCommand routes a command to the process that handles it.
func (p *Manager[S]) DispatchCommand(ctx context.Context, env *envelope.Envelope) error {
	return p.SendCommand(ctx, env)
}

// DispatchEvent routes an event to the reacting processes.
func (p *Manager[S]) DispatchEvent(ctx context.Context, env *envelope.Envelope) error {
	return p.SendEvent(ctx, env, types.LabelReactUponEvent)
}

// RouteCommandTo sets a typed unicast route for command type C.
func RouteCommandTo[C types.Message, S any](p *Manager[S], fn func(C, envelope.Context) string) error {
	var zero C
	return p.RouteCommand(zero.MessageType(), route.To(fn))
}

// RouteEventTo sets a typed multicast route for event type E.
func RouteEventTo[E types.Message, S any](p *Manager[S], fn func(E, envelope.Context) []string) error {
	var zero E
	return p.RouteEvent(zero.MessageType(), route.ToAll(fn))
}

// ─── Endpoint ────────────────────────────────────────────────────────────────

type dispatch[S any] struct {
	p     *Manager[S]
	env   *envelope.Envelope
	table *model.Table[Handler[S]]
}

func (d *dispatch[S]) OnError(ctx context.Context, env *envelope.Envelope, err error) {
	d.p.Runtime().OnError(ctx, env, d.p.TypeURL(), "", err)
}

// DispatchTo runs one message against process id.
func (d *dispatch[S]) DispatchTo(ctx context.Context, id string) error {
	p, env, rt := d.p, d.env, d.p.Runtime()
	h, ok := d.table.Get(env.Type())
	if !ok {
		return fmt.Errorf("%w: process manager %s has no handler for %s", inbox.ErrUndeliverable, p.TypeURL(), env.Type())
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
		res, err := h(ctx, tx, env.Message(), env.Context())
		return res.Events, res.Commands, err
	})
	o = d.finish(tx, o)
	rt.Report(ctx, env, p.TypeURL(), id, o)

	switch o.Kind() {
	case outcome.KindInterrupted:
		return nil
	case outcome.KindError:
		rt.OnError(ctx, env, p.TypeURL(), id, o.Err())
	}
	if e.Changed() {
		if err := p.Repository().Store(ctx, e); err != nil {
			return err
		}
	}
	rt.Post(ctx, env, p.TypeURL(), id, o)
	return nil
}

// finish ends tx according to o and returns the outcome that really
// happened: a commit that fails turns a success into an error.
func (d *dispatch[S]) finish(tx *entity.Tx[S], o outcome.Outcome) outcome.Outcome {
	switch o.Kind() {
	case outcome.KindInterrupted:
		tx.Rollback(nil)
		return o
	case outcome.KindError:
		if tx.Status() == entity.TxActive {
			_ = tx.CommitFlags()
		}
		return o
	}

	events, _ := o.Produced()
	if err := d.applyRules(tx, events); err != nil {
		return outcome.Error(err)
	}
	if tx.StateChanged() {
		if err := tx.IncrementVersion(); err != nil {
			return outcome.Error(err)
		}
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, entity.ErrTxInactive) {
			err = fmt.Errorf("procman %s: transaction ended inside the handler: %w", d.p.TypeURL(), err)
		}
		return outcome.Error(err)
	}
	return o
}

func (d *dispatch[S]) applyRules(tx *entity.Tx[S], produced []types.Message) error {
	for _, m := range produced {
		rule, ok := d.p.rules.Get(m.MessageType())
		if !ok {
			continue
		}
		var err error
		switch rule {
		case archive:
			err = tx.Archive()
		case remove:
			err = tx.Delete()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
