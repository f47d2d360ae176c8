// Package bus is the in-process command and event bus of a bounded context.
//
// The command bus is unicast: every command type has exactly one
// dispatcher. The event bus is multicast: every repository consuming an
// event type gets it, and an event nobody consumes is dropped. Posting only
// enqueues into the target inboxes; it returns before any handler runs
// unless the inboxes deliver inline.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/scheduler"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

var (
	// ErrNoDispatcher is returned when a command type has no dispatcher.
	ErrNoDispatcher = errors.New("bus: no dispatcher for message type")
	// ErrDuplicateDispatcher is returned when a second dispatcher claims a
	// command type.
	ErrDuplicateDispatcher = errors.New("bus: message type already has a dispatcher")
	// ErrWrongKind is returned when an event is posted to the command bus or
	// the other way round.
	ErrWrongKind = errors.New("bus: wrong message kind")
)

// CommandDispatcher routes commands of the types it handles into its inbox.
type CommandDispatcher interface {
	TypeURL() string
	CommandTypes() []string
	DispatchCommand(ctx context.Context, env *envelope.Envelope) error
}

// EventDispatcher routes events of the types it consumes into its inbox.
type EventDispatcher interface {
	TypeURL() string
	EventTypes() []string
	DispatchEvent(ctx context.Context, env *envelope.Envelope) error
}

// ─── Command bus ─────────────────────────────────────────────────────────────

// CommandBus posts commands to the single repository handling their type.
// Commands with a DeliverAt in the future wait in the scheduler.
type CommandBus struct {
	logger *slog.Logger
	now    func() time.Time
	sched  *scheduler.Scheduler

	mu          sync.RWMutex
	dispatchers map[string]CommandDispatcher
	scheduled   map[string]*envelope.Envelope
}

// NewCommandBus returns an empty command bus. now defaults to time.Now.
func NewCommandBus(logger *slog.Logger, now func() time.Time) *CommandBus {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &CommandBus{
		logger:      logger,
		now:         now,
		sched:       scheduler.New(now),
		dispatchers: make(map[string]CommandDispatcher),
		scheduled:   make(map[string]*envelope.Envelope),
	}
}

// Register makes d the dispatcher of every command type it handles.
func (b *CommandBus) Register(d CommandDispatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range d.CommandTypes() {
		if prev, ok := b.dispatchers[t]; ok {
			return fmt.Errorf("%w: %s is handled by %s and %s", ErrDuplicateDispatcher, t, prev.TypeURL(), d.TypeURL())
		}
	}
	for _, t := range d.CommandTypes() {
		b.dispatchers[t] = d
	}
	return nil
}

// Post routes env to its handler, or schedules it when DeliverAt is still
// ahead. It returns once the command is enqueued.
func (b *CommandBus) Post(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind() != types.KindCommand {
		return fmt.Errorf("%w: %s is a %s", ErrWrongKind, env.Type(), env.Kind())
	}
	d, err := b.dispatcher(env.Type())
	if err != nil {
		return err
	}
	if env.IsScheduled(b.now()) {
		b.schedule(env)
		return nil
	}
	return d.DispatchCommand(tenant.With(ctx, env.Tenant()), env)
}

func (b *CommandBus) dispatcher(msgType string) (CommandDispatcher, error) {
	b.mu.RLock()
	d, ok := b.dispatchers[msgType]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDispatcher, msgType)
	}
	return d, nil
}

func (b *CommandBus) schedule(env *envelope.Envelope) {
	b.mu.Lock()
	b.scheduled[env.ID()] = env
	b.mu.Unlock()
	b.sched.Schedule(env.ID(), env.Type(), env.DeliverAt())
	b.logger.Debug("command scheduled",
		"envelope", env.ID(), "type", env.Type(), "deliver_at", env.DeliverAt())
}

// CancelScheduled drops a scheduled command that has not been released yet.
func (b *CommandBus) CancelScheduled(envelopeID string) bool {
	b.mu.Lock()
	delete(b.scheduled, envelopeID)
	b.mu.Unlock()
	return b.sched.Cancel(envelopeID)
}

// Scheduled returns the number of commands waiting for their time, or the
// number of msgType when it is given.
func (b *CommandBus) Scheduled(msgType string) int {
	if msgType != "" {
		return b.sched.CountByKey(msgType)
	}
	return b.sched.Len()
}

// Start releases scheduled commands until ctx ends or Stop is called.
func (b *CommandBus) Start(ctx context.Context) {
	b.sched.Start(ctx, func(id, _ string) { b.release(ctx, id) })
}

// Stop ends the scheduler. Commands still waiting are dropped.
func (b *CommandBus) Stop() { b.sched.Stop() }

func (b *CommandBus) release(ctx context.Context, id string) {
	b.mu.Lock()
	env, ok := b.scheduled[id]
	delete(b.scheduled, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	d, err := b.dispatcher(env.Type())
	if err == nil {
		err = d.DispatchCommand(tenant.With(ctx, env.Tenant()), env)
	}
	if err != nil {
		b.logger.Error("bus: release scheduled command",
			"envelope", env.ID(), "type", env.Type(), "err", err)
		return
	}
	b.logger.Debug("scheduled command released", "envelope", env.ID(), "type", env.Type())
}

// ─── Event bus ───────────────────────────────────────────────────────────────

// EventBus posts events to every repository consuming their type.
type EventBus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	dispatchers map[string][]EventDispatcher
}

// NewEventBus returns an empty event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger, dispatchers: make(map[string][]EventDispatcher)}
}

// Register adds d to every event type it consumes. Registering the same
// repository twice is an error.
func (b *EventBus) Register(d EventDispatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range d.EventTypes() {
		for _, prev := range b.dispatchers[t] {
			if prev.TypeURL() == d.TypeURL() {
				return fmt.Errorf("%w: %s already consumes %s", ErrDuplicateDispatcher, d.TypeURL(), t)
			}
		}
	}
	for _, t := range d.EventTypes() {
		b.dispatchers[t] = append(b.dispatchers[t], d)
	}
	return nil
}

// Consumers returns the number of repositories consuming msgType.
func (b *EventBus) Consumers(msgType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.dispatchers[msgType])
}

// Post routes env to every consumer. Every consumer is tried; the errors of
// the ones that failed are joined.
func (b *EventBus) Post(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind() != types.KindEvent {
		return fmt.Errorf("%w: %s is a %s", ErrWrongKind, env.Type(), env.Kind())
	}
	b.mu.RLock()
	ds := b.dispatchers[env.Type()]
	b.mu.RUnlock()
	if len(ds) == 0 {
		b.logger.Debug("event has no consumers", "envelope", env.ID(), "type", env.Type())
		return nil
	}
	ctx = tenant.With(ctx, env.Tenant())
	var errs []error
	for _, d := range ds {
		if err := d.DispatchEvent(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("bus: post %s to %s: %w", env.Type(), d.TypeURL(), err))
		}
	}
	return errors.Join(errs...)
}
