// Package endpoint holds what the aggregate, process manager and projection
// endpoints share: running a handler into an outcome, reporting outcomes as
// diagnostics, posting produced messages and the per-entity-type base that
// wires routing, inbox and repository together.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/snehjoshi/epochcqrs/internal/entity"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/metrics"
	"github.com/snehjoshi/epochcqrs/internal/model"
	"github.com/snehjoshi/epochcqrs/internal/outcome"
	"github.com/snehjoshi/epochcqrs/internal/system"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// Poster publishes what a handler produced after its entity was stored.
type Poster interface {
	PostProduced(ctx context.Context, cause *envelope.Envelope, producer string, events, commands []types.Message) error
}

// Runtime is what every endpoint needs from the bounded context.
type Runtime struct {
	Poster  Poster
	Sink    system.Sink
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

func (rt Runtime) withDefaults() Runtime {
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if rt.Sink == nil {
		rt.Sink = system.LogSink{Logger: rt.Logger}
	}
	return rt
}

// DeleteEntity asks an entity to mark itself deleted. It travels through the
// inbox like any command so it is ordered behind the entity's other messages.
type DeleteEntity struct {
	TypeURL string `json:"type_url"`
	ID      string `json:"id"`
}

func (DeleteEntity) MessageType() string { return "epochcqrs.DeleteEntity" }

// ─── Running handlers ────────────────────────────────────────────────────────

// Call runs fn and turns its result into an Outcome. A panic becomes Error;
// model.ErrInterrupted or a cancelled context becomes Interrupted.
func Call(ctx context.Context, fn func() (events, commands []types.Message, err error)) (o outcome.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome.Error(fmt.Errorf("endpoint: handler panic: %v", r))
		}
	}()
	events, commands, err := fn()
	switch {
	case errors.Is(err, model.ErrInterrupted):
		return outcome.Interrupted(err.Error())
	case err != nil && ctx.Err() != nil:
		return outcome.Interrupted(ctx.Err().Error())
	case err != nil:
		return outcome.Error(err)
	}
	return outcome.Classify(events, commands)
}

// ─── Reporting ───────────────────────────────────────────────────────────────

// Report records o in metrics and emits the diagnostic of a rejection or an
// interruption. Errors are reported by the endpoint's OnError.
func (rt Runtime) Report(ctx context.Context, env *envelope.Envelope, typeURL, id string, o outcome.Outcome) {
	rt = rt.withDefaults()
	rt.Metrics.Outcome(typeURL, o.Kind().String())
	switch o.Kind() {
	case outcome.KindRejection:
		names := make([]string, len(o.Rejections()))
		for i, r := range o.Rejections() {
			names[i] = r.MessageType()
		}
		rt.Sink.Emit(ctx, diagnostic(ctx, system.HandlerRejected, env, typeURL, id, nil, strings.Join(names, ",")))
	case outcome.KindInterrupted:
		rt.Sink.Emit(ctx, diagnostic(ctx, system.HandlerInterrupted, env, typeURL, id, nil, o.Reason()))
	}
}

// Emit sends one diagnostic about env.
func (rt Runtime) Emit(ctx context.Context, kind system.Kind, env *envelope.Envelope, typeURL, id string, err error, detail string) {
	rt.withDefaults().Sink.Emit(ctx, diagnostic(ctx, kind, env, typeURL, id, err, detail))
}

// OnError reports an envelope that reached the endpoint but was not applied:
// a duplicate or a failed handler.
func (rt Runtime) OnError(ctx context.Context, env *envelope.Envelope, typeURL, id string, err error) {
	kind := system.HandlerFailed
	var dup *inbox.DuplicateError
	if errors.As(err, &dup) {
		kind = system.DuplicateDelivery
		id = dup.InboxID.EntityID
	}
	rt.Emit(ctx, kind, env, typeURL, id, err, "")
}

func diagnostic(ctx context.Context, kind system.Kind, env *envelope.Envelope, typeURL, id string, err error, detail string) system.Diagnostic {
	d := system.Diagnostic{
		Kind:     kind,
		At:       time.Now(),
		Tenant:   tenant.From(ctx),
		TypeURL:  typeURL,
		EntityID: id,
		Err:      err,
		Detail:   detail,
	}
	if env != nil {
		d.EnvelopeID = env.ID()
		d.MessageType = env.Type()
		if d.Tenant == "" {
			d.Tenant = env.Tenant()
		}
	}
	return d
}

// ─── Posting ─────────────────────────────────────────────────────────────────

// Post publishes the messages o produced. A failure is reported, not
// returned: the entity is already stored and the delivery must not be
// retried because of it.
func (rt Runtime) Post(ctx context.Context, env *envelope.Envelope, typeURL, producer string, o outcome.Outcome) {
	events, commands := o.Produced()
	if rt.Poster == nil || (len(events) == 0 && len(commands) == 0) {
		return
	}
	if err := rt.Poster.PostProduced(ctx, env, producer, events, commands); err != nil {
		rt.withDefaults().Logger.Error("endpoint: post produced messages",
			"envelope", env.ID(), "entity_type", typeURL, "entity", producer, "err", err)
		rt.Emit(ctx, system.PostFailed, env, typeURL, producer, err, "")
	}
}

// ─── Transaction listener ────────────────────────────────────────────────────

// Listener returns an entity.Listener reporting rolled back transactions of
// env's dispatch.
func (rt Runtime) Listener(ctx context.Context, env *envelope.Envelope) entity.Listener {
	return txListener{ctx: ctx, rt: rt, env: env}
}

type txListener struct {
	ctx context.Context
	rt  Runtime
	env *envelope.Envelope
}

func (l txListener) OnCommitted(ev entity.TxEvent) {
	l.rt.withDefaults().Logger.Debug("transaction committed",
		"entity_type", ev.TypeURL, "entity", ev.EntityID,
		"version_before", ev.VersionBefore, "version_after", ev.VersionAfter)
}

func (l txListener) OnRolledBack(ev entity.TxEvent) {
	l.rt.Emit(l.ctx, system.TransactionRolledBack, l.env, ev.TypeURL, ev.EntityID, ev.Cause, strings.Join(ev.Phases, ","))
}
