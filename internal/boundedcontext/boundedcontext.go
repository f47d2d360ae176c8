// Package boundedcontext is the central orchestrator of EpochCQRS.
//
// Application code talks to the BoundedContext, never directly to inboxes,
// the delivery engine or storage. It owns the model registry, the command
// and event buses, one inbox per registered repository and the shard
// processor behind them.
//
// Data flow:
//
//	PostCommand → CommandBus → Repository.DispatchCommand → Inbox (record)
//	            → Delivery (shard pass) → Endpoint → Transaction → Store
//	            → PostProduced → EventBus / CommandBus → ...
//
// Posting returns once the message is enqueued in every target inbox. In
// inline mode the endpoints run before Post returns and nothing is stored.
package boundedcontext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/epochcqrs/internal/bus"
	"github.com/snehjoshi/epochcqrs/internal/config"
	"github.com/snehjoshi/epochcqrs/internal/delivery"
	"github.com/snehjoshi/epochcqrs/internal/dlq"
	"github.com/snehjoshi/epochcqrs/internal/endpoint"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/metrics"
	"github.com/snehjoshi/epochcqrs/internal/model"
	"github.com/snehjoshi/epochcqrs/internal/shard"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/system"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownEntity is returned for an entity type that was never registered.
	ErrUnknownEntity = errors.New("boundedcontext: unknown entity type")
	// ErrStarted is returned by Register after Start.
	ErrStarted = errors.New("boundedcontext: already started")
	// ErrClosed is returned by operations on a closed bounded context.
	ErrClosed = errors.New("boundedcontext: closed")
)

// Store is a storage backend holding inbox records, entity records and the
// tenant list. memory.Storage and local.Storage both qualify.
type Store interface {
	storage.InboxStorage
	storage.TenantStorage
	Records() storage.RecordStorage
}

// Repository is an aggregate, process manager or projection repository.
// Repositories that handle commands also implement bus.CommandDispatcher;
// those consuming events implement bus.EventDispatcher.
type Repository interface {
	TypeURL() string
	Info() model.EntityInfo
	RegisterTypes(r *envelope.TypeRegistry)
	Validate() error
	Attach(at endpoint.Attachment) error
	SendDelete(ctx context.Context, env *envelope.Envelope, id string) error
}

// Stats is a snapshot of the bounded context for operators.
type Stats struct {
	Name        string                 `json:"name" yaml:"name"`
	Mode        delivery.Mode          `json:"mode" yaml:"mode"`
	Entities    int                    `json:"entities" yaml:"entities"`
	Scheduled   int                    `json:"scheduled" yaml:"scheduled"`
	DeadLetters int                    `json:"dead_letters" yaml:"dead_letters"`
	Shards      []delivery.ShardCounts `json:"shards" yaml:"shards"`
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the BoundedContext.
type Option func(*BoundedContext)

// WithLogger sets the logger of every component. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *BoundedContext) { b.logger = l }
}

// WithMetrics attaches a metrics.Registry to the inboxes, the delivery
// engine and the endpoints.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *BoundedContext) { b.metrics = reg }
}

// WithSink sets where system diagnostics go. Defaults to the logger.
func WithSink(s system.Sink) Option {
	return func(b *BoundedContext) { b.sink = s }
}

// WithTracer sets the tracer of the delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *BoundedContext) { b.tracer = t }
}

// WithSharding replaces the in-process shard coordinator, e.g. with
// shard.Redis when several processes deliver the same storage.
func WithSharding(c shard.Coordinator) Option {
	return func(b *BoundedContext) { b.sharding = c }
}

// WithDeduper adds a deduper consulted for signals whose delivered records
// were already purged.
func WithDeduper(d delivery.Deduper) Option {
	return func(b *BoundedContext) { b.deduper = d }
}

// WithClock sets the time source of inbox records, the cleaner and the
// command scheduler.
func WithClock(now func() time.Time) Option {
	return func(b *BoundedContext) { b.now = now }
}

// ─── BoundedContext ───────────────────────────────────────────────────────────

// BoundedContext wires repositories, buses, inboxes and delivery into a
// single façade.
//
// All methods are safe for concurrent use.
type BoundedContext struct {
	name  string
	cfg   *config.Config
	store Store

	logger   *slog.Logger
	metrics  *metrics.Registry
	sink     system.Sink
	tracer   trace.Tracer
	sharding shard.Coordinator
	deduper  delivery.Deduper
	now      func() time.Time
	clock    *inbox.Clock

	model    *model.Registry
	inboxes  *inbox.Registry
	delivery *delivery.Delivery
	commands *bus.CommandBus
	events   *bus.EventBus
	tenants  *tenant.Registry
	dead     *dlq.Manager

	// owned are closed with the bounded context, store last.
	owned []io.Closer

	mu      sync.Mutex
	repos   map[string]Repository
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New creates a BoundedContext over store. A nil cfg uses config.Default().
// Only the delivery and tenancy sections of cfg are read; storage, Redis
// and metrics are wired by Open.
func New(ctx context.Context, name string, store Store, cfg *config.Config, opts ...Option) (*BoundedContext, error) {
	if store == nil {
		return nil, errors.New("boundedcontext: store is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	b := &BoundedContext{
		name:    name,
		cfg:     cfg,
		store:   store,
		model:   model.NewRegistry(),
		inboxes: inbox.NewRegistry(),
		repos:   make(map[string]Repository),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("context", name)
	if b.sink == nil {
		b.sink = system.LogSink{Logger: b.logger}
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.clock = inbox.NewClock(b.now)

	mode := delivery.Mode(cfg.Delivery.Mode)
	if b.sharding == nil {
		if mode == delivery.ModeInline {
			b.sharding = shard.Disabled{}
		} else {
			local, err := shard.NewLocal(cfg.Delivery.ShardCount)
			if err != nil {
				return nil, fmt.Errorf("boundedcontext: %w", err)
			}
			b.sharding = local
		}
	}
	if mode == delivery.ModeInline && b.sharding.Enabled() {
		return nil, fmt.Errorf("%w: inline mode cannot use a shard coordinator", delivery.ErrNotConfigured)
	}

	d, err := delivery.New(delivery.Options{
		Mode:         mode,
		Storage:      store,
		Sharding:     b.sharding,
		Inboxes:      b.inboxes,
		BatchSize:    cfg.Delivery.BatchSize,
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		DedupWindow:  cfg.Delivery.DedupWindow,
		PollInterval: cfg.Delivery.PollInterval,
		RenewEvery:   cfg.Redis.LeaseTTL / 3,
		Clock:        b.clock,
		Logger:       b.logger,
		Metrics:      b.metrics,
		Tracer:       b.tracer,
		Sink:         b.sink,
		Deduper:      b.deduper,
	})
	if err != nil {
		return nil, err
	}
	b.delivery = d

	tenants, err := tenant.NewRegistry(ctx, store, b.logger)
	if err != nil {
		return nil, fmt.Errorf("boundedcontext: %w", err)
	}
	b.tenants = tenants
	b.commands = bus.NewCommandBus(b.logger, b.now)
	b.events = bus.NewEventBus(b.logger)
	b.dead = dlq.NewManager(store, d.Notify, b.logger)
	return b, nil
}

// Name returns the name of the bounded context.
func (b *BoundedContext) Name() string { return b.name }

// Model returns the model registry.
func (b *BoundedContext) Model() *model.Registry { return b.model }

// DeadLetters returns the dead-letter manager of the inbox storage.
func (b *BoundedContext) DeadLetters() *dlq.Manager { return b.dead }

// Delivery returns the shard processor.
func (b *BoundedContext) Delivery() *delivery.Delivery { return b.delivery }

// Metrics returns the metrics registry, nil when metrics are off.
func (b *BoundedContext) Metrics() *metrics.Registry { return b.metrics }

// ─── Registration ─────────────────────────────────────────────────────────────

// Register validates repo, adds it to the model, gives it an inbox and
// subscribes it to the buses. All repositories must be registered before
// Start.
func (b *BoundedContext) Register(repo Repository) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("%w: register %s", ErrStarted, repo.TypeURL())
	}
	if err := repo.Validate(); err != nil {
		return fmt.Errorf("boundedcontext: register %s: %w", repo.TypeURL(), err)
	}
	if err := b.model.AddEntity(repo.Info()); err != nil {
		return fmt.Errorf("boundedcontext: register %s: %w", repo.TypeURL(), err)
	}
	repo.RegisterTypes(b.model.Types())

	in := inbox.New(repo.TypeURL(), inbox.Options{
		Storage:  b.store,
		Sharding: b.sharding,
		Types:    b.model.Types(),
		Notify:   b.delivery.Notify,
		Clock:    b.clock,
		Logger:   b.logger,
		Metrics:  b.metrics,
	})
	if err := b.inboxes.Add(in); err != nil {
		return fmt.Errorf("boundedcontext: register %s: %w", repo.TypeURL(), err)
	}
	if err := repo.Attach(endpoint.Attachment{
		Inbox:   in,
		Records: b.store.Records(),
		Runtime: endpoint.Runtime{
			Poster:  b,
			Sink:    b.sink,
			Metrics: b.metrics,
			Logger:  b.logger,
		},
	}); err != nil {
		return fmt.Errorf("boundedcontext: register %s: %w", repo.TypeURL(), err)
	}

	if d, ok := repo.(bus.CommandDispatcher); ok && len(d.CommandTypes()) > 0 {
		if err := b.commands.Register(d); err != nil {
			return fmt.Errorf("boundedcontext: register %s: %w", repo.TypeURL(), err)
		}
	}
	if d, ok := repo.(bus.EventDispatcher); ok && len(d.EventTypes()) > 0 {
		if err := b.events.Register(d); err != nil {
			return fmt.Errorf("boundedcontext: register %s: %w", repo.TypeURL(), err)
		}
	}
	b.repos[repo.TypeURL()] = repo
	b.logger.Info("repository registered",
		"entity_type", repo.TypeURL(), "kind", repo.Info().Kind.String(),
		"commands", len(repo.Info().Commands), "events", len(repo.Info().Events))
	return nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Start freezes the model, starts the command scheduler, the async delivery
// workers and the cleaner, and delivers records left pending by a previous
// run.
func (b *BoundedContext) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.model.Freeze()
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.commands.Start(ctx)
	b.delivery.Start(ctx)
	if b.delivery.Mode() != delivery.ModeInline {
		b.delivery.StartCleaner(b.cfg.Delivery.CleanerInterval)
	}
	if b.delivery.Mode() == delivery.ModeLocal {
		for _, s := range b.delivery.Shards() {
			if _, err := b.delivery.DeliverMessagesFrom(ctx, s); err != nil && !errors.Is(err, shard.ErrShardClaimed) {
				b.logger.Warn("boundedcontext: catch-up pass failed", "shard", s.String(), "err", err)
			}
		}
	}
	b.logger.Info("bounded context started",
		"mode", string(b.delivery.Mode()), "shards", b.sharding.ShardCount(), "entities", len(b.model.Entities()))
	return nil
}

// Close stops the scheduler, the delivery workers and the cleaner, then
// closes what Open created. Scheduled commands not yet released are lost.
func (b *BoundedContext) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	owned := b.owned
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.commands.Stop()
	b.delivery.Stop()

	var errs []error
	for i := len(owned) - 1; i >= 0; i-- {
		if err := owned[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ─── Posting ──────────────────────────────────────────────────────────────────

// PostCommand routes a command to the repository handling its type, or
// schedules it when its DeliverAt lies ahead.
func (b *BoundedContext) PostCommand(ctx context.Context, env *envelope.Envelope) error {
	if err := b.admit(ctx, env); err != nil {
		return err
	}
	if err := b.commands.Post(ctx, env); err != nil {
		return fmt.Errorf("boundedcontext: post %s: %w", env.Type(), err)
	}
	return nil
}

// PostEvent routes an event to every repository consuming its type. An
// event nobody consumes is dropped.
func (b *BoundedContext) PostEvent(ctx context.Context, env *envelope.Envelope) error {
	if err := b.admit(ctx, env); err != nil {
		return err
	}
	if b.events.Consumers(env.Type()) == 0 {
		b.logger.Debug("event has no consumers", "type", env.Type(), "envelope", env.ID())
	}
	if err := b.events.Post(ctx, env); err != nil {
		return fmt.Errorf("boundedcontext: post %s: %w", env.Type(), err)
	}
	return nil
}

// CancelScheduled drops a scheduled command before it is released.
func (b *BoundedContext) CancelScheduled(envelopeID string) bool {
	return b.commands.CancelScheduled(envelopeID)
}

// Delete marks entity id of typeURL deleted. The deletion travels through
// the entity's inbox behind the messages posted before it.
func (b *BoundedContext) Delete(ctx context.Context, typeURL, id, tenantID, actor string) error {
	b.mu.Lock()
	repo, ok := b.repos[typeURL]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, typeURL)
	}
	env := envelope.NewCommand(endpoint.DeleteEntity{TypeURL: typeURL, ID: id}, tenantID, actor)
	if err := b.admit(ctx, env); err != nil {
		return err
	}
	return repo.SendDelete(ctx, env, id)
}

// PostProduced posts what a handler produced while handling cause. Every
// message is tried; the failures are joined.
func (b *BoundedContext) PostProduced(ctx context.Context, cause *envelope.Envelope, producer string, events, commands []types.Message) error {
	var errs []error
	for _, m := range events {
		env := envelope.Produced(cause, types.KindEvent, m, producer)
		if err := b.events.Post(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	for _, m := range commands {
		env := envelope.Produced(cause, types.KindCommand, m, producer)
		if err := b.commands.Post(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// admit checks the tenant of env and records it on first use.
func (b *BoundedContext) admit(ctx context.Context, env *envelope.Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if b.cfg.Tenancy.Multitenant && env.Tenant() == "" {
		return fmt.Errorf("boundedcontext: post %s: %w", env.Type(), tenant.ErrNoTenant)
	}
	if err := b.tenants.Ensure(ctx, env.Tenant()); err != nil {
		return fmt.Errorf("boundedcontext: ensure tenant %s: %w", env.Tenant(), err)
	}
	return nil
}

// ─── Operators ────────────────────────────────────────────────────────────────

// Tenants returns every tenant that posted a message.
func (b *BoundedContext) Tenants(ctx context.Context) ([]storage.TenantRecord, error) {
	return b.tenants.List(ctx)
}

// Snapshot counts inbox records per shard, scheduled commands and dead
// letters, optionally for one tenant.
func (b *BoundedContext) Snapshot(ctx context.Context, tenantID string) (Stats, error) {
	shards, err := delivery.Snapshot(ctx, b.store, tenantID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Name:      b.name,
		Mode:      b.delivery.Mode(),
		Entities:  len(b.model.Entities()),
		Scheduled: b.commands.Scheduled(""),
		Shards:    shards,
	}
	for _, s := range shards {
		st.DeadLetters += s.Dead
	}
	return st, nil
}
