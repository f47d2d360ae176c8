// Package delivery is the shard processor. It claims a shard, reads the
// shard's pending inbox records in the order they were received, drops
// duplicates and hands every record to the inbox of its entity type.
//
// Three modes are supported:
//
//	inline  sharding disabled; inboxes dispatch on the sender's goroutine and
//	        this package is not involved.
//	local   Notify delivers the shard synchronously on the caller's goroutine.
//	async   one worker goroutine per shard polls storage every PollInterval
//	        and is woken early by Notify.
//
// A record whose delivery returns an error is retried on a later pass until
// MaxAttempts, then dead-lettered. In local mode the later pass is scheduled
// PollInterval after the failure. Records that can never be delivered (an
// unknown entity type, message type or label) are dead-lettered at once.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/metrics"
	"github.com/snehjoshi/epochcqrs/internal/shard"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/system"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

const tracerName = "github.com/snehjoshi/epochcqrs/internal/delivery"

// Mode selects how pending shards get processed.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeLocal  Mode = "local"
	ModeAsync  Mode = "async"
)

// Defaults applied to zero Options fields.
const (
	DefaultBatchSize    = 100
	DefaultMaxAttempts  = 5
	DefaultDedupWindow  = 10 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRenewEvery   = shard.DefaultLeaseTTL / 3
)

// ErrNotConfigured is returned by New when a required option is missing.
var ErrNotConfigured = errors.New("delivery: not configured")

// Options configures a Delivery.
type Options struct {
	Mode     Mode
	Storage  storage.InboxStorage
	Sharding shard.Coordinator
	Inboxes  *inbox.Registry

	BatchSize    int
	MaxAttempts  int
	DedupWindow  time.Duration
	PollInterval time.Duration
	// RenewEvery bounds the time between lease renewals inside a pass. Keep
	// it well below the lease TTL of the coordinator.
	RenewEvery time.Duration

	Clock   *inbox.Clock
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Tracer  trace.Tracer
	Sink    system.Sink

	// Deduper remembers signals for longer than the delivered records are
	// kept. Optional.
	Deduper Deduper
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = ModeLocal
	}
	if o.Sharding == nil {
		o.Sharding = shard.Disabled{}
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RenewEvery <= 0 {
		o.RenewEvery = DefaultRenewEvery
	}
	if o.Clock == nil {
		o.Clock = inbox.DefaultClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Sink == nil {
		o.Sink = system.LogSink{Logger: o.Logger}
	}
}

// Stats counts what one or more shard passes did.
type Stats struct {
	Delivered    int
	Duplicates   int
	Retried      int
	DeadLettered int
}

func (s *Stats) add(o Stats) {
	s.Delivered += o.Delivered
	s.Duplicates += o.Duplicates
	s.Retried += o.Retried
	s.DeadLettered += o.DeadLettered
}

// Delivery processes the shards of one storage.
type Delivery struct {
	opts  Options
	dirty []atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	retries map[int]*time.Timer
	wake    []chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cleaner *Cleaner
}

// New returns a Delivery. Storage and Inboxes are required unless the mode
// is inline.
func New(opts Options) (*Delivery, error) {
	opts.setDefaults()
	switch opts.Mode {
	case ModeInline:
	case ModeLocal, ModeAsync:
		if opts.Storage == nil || opts.Inboxes == nil {
			return nil, fmt.Errorf("%w: %s mode needs storage and inboxes", ErrNotConfigured, opts.Mode)
		}
		if !opts.Sharding.Enabled() {
			return nil, fmt.Errorf("%w: %s mode needs sharding enabled", ErrNotConfigured, opts.Mode)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrNotConfigured, opts.Mode)
	}
	return &Delivery{
		opts:  opts,
		dirty: make([]atomic.Bool, opts.Sharding.ShardCount()),
	}, nil
}

// Mode returns the configured mode.
func (d *Delivery) Mode() Mode { return d.opts.Mode }

// Shards returns every shard index of the coordinator.
func (d *Delivery) Shards() []types.ShardIndex {
	n := d.opts.Sharding.ShardCount()
	out := make([]types.ShardIndex, n)
	for i := range out {
		out[i] = types.ShardIndex{Index: i, Of: n}
	}
	return out
}

// Notify tells the delivery that s has new pending records. It has the
// signature of inbox.Notifier.
func (d *Delivery) Notify(ctx context.Context, s types.ShardIndex) {
	switch d.opts.Mode {
	case ModeLocal:
		if _, err := d.DeliverMessagesFrom(ctx, s); err != nil && !errors.Is(err, shard.ErrShardClaimed) {
			d.opts.Logger.Warn("delivery: local pass failed", "shard", s.String(), "err", err)
		}
	case ModeAsync:
		d.mu.Lock()
		var ch chan struct{}
		if s.Index < len(d.wake) {
			ch = d.wake[s.Index]
		}
		d.mu.Unlock()
		if ch == nil {
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ─── Shard pass ──────────────────────────────────────────────────────────────

// DeliverMessagesFrom delivers every pending record of s. It returns
// shard.ErrShardClaimed when another worker holds the shard; that worker
// runs another pass before it lets the shard go.
func (d *Delivery) DeliverMessagesFrom(ctx context.Context, s types.ShardIndex) (Stats, error) {
	var total Stats
	defer func() {
		if total.Retried > 0 {
			d.retryLater(s)
		}
	}()
	for {
		st, err := d.pass(ctx, s)
		total.add(st)
		if err != nil {
			return total, err
		}
		if !d.takeDirty(s) {
			return total, nil
		}
	}
}

// retryLater runs another pass over s after PollInterval in local mode,
// where nothing polls the shard. At most one pass per shard is pending.
func (d *Delivery) retryLater(s types.ShardIndex) {
	if d.opts.Mode != ModeLocal {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.retries[s.Index] != nil {
		return
	}
	if d.retries == nil {
		d.retries = make(map[int]*time.Timer)
	}
	d.retries[s.Index] = time.AfterFunc(d.opts.PollInterval, func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.retries, s.Index)
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()

		if _, err := d.DeliverMessagesFrom(context.Background(), s); err != nil && !errors.Is(err, shard.ErrShardClaimed) {
			d.opts.Logger.Warn("delivery: retry pass failed", "shard", s.String(), "err", err)
		}
	})
}

func (d *Delivery) markDirty(s types.ShardIndex) {
	if s.Index >= 0 && s.Index < len(d.dirty) {
		d.dirty[s.Index].Store(true)
	}
}

func (d *Delivery) takeDirty(s types.ShardIndex) bool {
	if s.Index < 0 || s.Index >= len(d.dirty) {
		return false
	}
	return d.dirty[s.Index].Swap(false)
}

func (d *Delivery) claim(ctx context.Context, s types.ShardIndex) (shard.Lease, error) {
	lease, err := d.opts.Sharding.Claim(ctx, s)
	if errors.Is(err, shard.ErrShardClaimed) {
		// The holder checks the flag after releasing; claiming once more
		// covers a release that happened in between.
		d.markDirty(s)
		lease, err = d.opts.Sharding.Claim(ctx, s)
	}
	switch {
	case err == nil:
		d.opts.Metrics.Claim("acquired")
	case errors.Is(err, shard.ErrShardClaimed):
		d.opts.Metrics.Claim("busy")
	default:
		d.opts.Metrics.Claim("error")
	}
	return lease, err
}

// pass is one claim, drain, release cycle.
func (d *Delivery) pass(ctx context.Context, s types.ShardIndex) (st Stats, err error) {
	lease, err := d.claim(ctx, s)
	if err != nil {
		return st, err
	}
	ctx, span := d.opts.Tracer.Start(ctx, "delivery.shard",
		trace.WithAttributes(attribute.Int("shard.index", s.Index), attribute.Int("shard.of", s.Of)))
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			d.opts.Logger.Warn("delivery: release shard", "shard", s.String(), "err", rerr)
		}
		span.SetAttributes(
			attribute.Int("delivered", st.Delivered),
			attribute.Int("duplicates", st.Duplicates),
			attribute.Int("retried", st.Retried),
			attribute.Int("dead_lettered", st.DeadLettered),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	p, err := d.newPass(ctx, s)
	if err != nil {
		return st, err
	}
	renewed := time.Now()
	renew := func() error {
		if err := lease.Renew(ctx); err != nil {
			return fmt.Errorf("delivery: renew %s: %w", s, err)
		}
		renewed = time.Now()
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return p.stats, err
		}
		batch, err := d.opts.Storage.ReadPending(ctx, s, d.opts.BatchSize+len(p.skipped))
		if err != nil {
			return p.stats, fmt.Errorf("delivery: read pending %s: %w", s, err)
		}
		d.opts.Metrics.SetPending(s.Index, len(batch))
		progressed := false
		for _, msg := range batch {
			if p.skipped[msg.ID] {
				continue
			}
			if p.blocked[msg.InboxID] {
				// An earlier record of the same entity failed in this pass;
				// delivering this one now would overtake it.
				p.skipped[msg.ID] = true
				continue
			}
			progressed = true
			if err := d.deliverOne(ctx, p, msg); err != nil {
				return p.stats, err
			}
			if time.Since(renewed) >= d.opts.RenewEvery {
				if err := renew(); err != nil {
					return p.stats, err
				}
			}
		}
		if !progressed {
			return p.stats, nil
		}
		if err := renew(); err != nil {
			return p.stats, err
		}
	}
}

// passState is what one pass remembers about the records it has seen.
type passState struct {
	shard   types.ShardIndex
	seen    map[string]bool
	skipped map[string]bool
	blocked map[types.InboxID]bool
	stats   Stats
}

func (d *Delivery) newPass(ctx context.Context, s types.ShardIndex) (*passState, error) {
	since := d.opts.Clock.Now() - d.opts.DedupWindow.Nanoseconds()
	delivered, err := d.opts.Storage.ReadDelivered(ctx, s, since)
	if err != nil {
		return nil, fmt.Errorf("delivery: read delivered %s: %w", s, err)
	}
	p := &passState{
		shard:   s,
		seen:    make(map[string]bool, len(delivered)),
		skipped: make(map[string]bool),
		blocked: make(map[types.InboxID]bool),
	}
	for _, m := range delivered {
		p.seen[m.SignalID] = true
	}
	return p, nil
}

// ─── One record ──────────────────────────────────────────────────────────────

// deliverOne hands msg to its inbox and records the result. Storage
// failures while recording are returned, and so is the error of ctx when it
// ends during the delivery; the record then stays pending untouched.
func (d *Delivery) deliverOne(ctx context.Context, p *passState, msg *types.InboxMessage) error {
	ctx, span := d.opts.Tracer.Start(ctx, "delivery.record", trace.WithAttributes(
		attribute.String("inbox.id", msg.InboxID.String()),
		attribute.String("inbox.label", msg.Label.String()),
		attribute.String("message.type", msg.MessageType),
		attribute.String("tenant", msg.Tenant),
	))
	defer span.End()

	in, ok := d.opts.Inboxes.Get(msg.InboxID.TypeURL)
	if !ok {
		err := fmt.Errorf("%w: no inbox for %s", inbox.ErrUndeliverable, msg.InboxID.TypeURL)
		span.SetStatus(codes.Error, err.Error())
		return d.deadLetter(ctx, p, msg, err)
	}

	dup := d.isDuplicate(ctx, p, msg)
	span.SetAttributes(attribute.Bool("duplicate", dup))

	err := in.Deliver(ctx, msg, dup)
	// A finished attempt is recorded even if ctx ended meanwhile.
	rctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		p.seen[msg.SignalID] = true
		if dup {
			p.stats.Duplicates++
		} else {
			p.stats.Delivered++
			d.remember(rctx, msg)
		}
		return d.markDelivered(rctx, msg)
	case ctx.Err() != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return ctx.Err()
	case errors.Is(err, inbox.ErrUndeliverable):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.deadLetter(rctx, p, msg, err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.retry(rctx, p, msg, err)
	}
}

// remember marks a delivered signal in the deduper.
func (d *Delivery) remember(ctx context.Context, msg *types.InboxMessage) {
	if d.opts.Deduper == nil {
		return
	}
	if err := d.opts.Deduper.Mark(ctx, msg.SignalID); err != nil {
		d.opts.Logger.Warn("delivery: deduper mark", "signal", msg.SignalID, "err", err)
	}
}

func (d *Delivery) isDuplicate(ctx context.Context, p *passState, msg *types.InboxMessage) bool {
	if p.seen[msg.SignalID] {
		return true
	}
	if d.opts.Deduper == nil {
		return false
	}
	seen, err := d.opts.Deduper.Seen(ctx, msg.SignalID)
	if err != nil {
		d.opts.Logger.Warn("delivery: deduper unavailable", "signal", msg.SignalID, "err", err)
		return false
	}
	return seen
}

func (d *Delivery) markDelivered(ctx context.Context, msg *types.InboxMessage) error {
	msg.Status = types.StatusDelivered
	msg.DeliveredAt = d.opts.Clock.Now()
	msg.LastError = ""
	if err := d.opts.Storage.Update(ctx, msg); err != nil {
		return fmt.Errorf("delivery: mark %s delivered: %w", msg.ID, err)
	}
	return nil
}

func (d *Delivery) retry(ctx context.Context, p *passState, msg *types.InboxMessage, cause error) error {
	msg.Attempt++
	msg.LastError = cause.Error()
	if msg.Attempt >= d.opts.MaxAttempts {
		return d.deadLetter(ctx, p, msg, cause)
	}
	p.blocked[msg.InboxID] = true
	p.skipped[msg.ID] = true
	p.stats.Retried++
	d.opts.Metrics.Failed(msg.InboxID.TypeURL)
	d.opts.Sink.Emit(ctx, d.diagnostic(system.DeliveryRetry, msg, cause,
		fmt.Sprintf("attempt %d of %d", msg.Attempt, d.opts.MaxAttempts)))
	if err := d.opts.Storage.Update(ctx, msg); err != nil {
		return fmt.Errorf("delivery: record attempt of %s: %w", msg.ID, err)
	}
	return nil
}

func (d *Delivery) deadLetter(ctx context.Context, p *passState, msg *types.InboxMessage, cause error) error {
	msg.Status = types.StatusDeadLetter
	msg.LastError = cause.Error()
	p.stats.DeadLettered++
	d.opts.Metrics.DeadLettered(msg.InboxID.TypeURL)
	d.opts.Sink.Emit(ctx, d.diagnostic(system.DeadLettered, msg, cause, ""))
	if err := d.opts.Storage.Update(ctx, msg); err != nil {
		return fmt.Errorf("delivery: dead-letter %s: %w", msg.ID, err)
	}
	return nil
}

func (d *Delivery) diagnostic(kind system.Kind, msg *types.InboxMessage, err error, detail string) system.Diagnostic {
	return system.Diagnostic{
		Kind:        kind,
		At:          time.Unix(0, d.opts.Clock.Now()),
		Tenant:      msg.Tenant,
		EnvelopeID:  envelopeOf(msg),
		MessageType: msg.MessageType,
		TypeURL:     msg.InboxID.TypeURL,
		EntityID:    msg.InboxID.EntityID,
		Err:         err,
		Detail:      detail,
	}
}

// envelopeOf recovers the envelope id from the signal id.
func envelopeOf(msg *types.InboxMessage) string {
	prefix := msg.InboxID.String() + "#"
	if len(msg.SignalID) > len(prefix) && msg.SignalID[:len(prefix)] == prefix {
		return msg.SignalID[len(prefix):]
	}
	return ""
}

// ─── Workers ─────────────────────────────────────────────────────────────────

// Start launches one worker per shard in async mode. In other modes it does
// nothing. Stop waits for the workers.
func (d *Delivery) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
	if d.opts.Mode != ModeAsync || d.started {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	shards := d.Shards()
	d.wake = make([]chan struct{}, len(shards))
	for i, s := range shards {
		d.wake[i] = make(chan struct{}, 1)
		d.wg.Add(1)
		go d.worker(ctx, s, d.wake[i])
	}
	d.opts.Logger.Info("delivery workers started", "shards", len(shards), "poll_interval", d.opts.PollInterval)
}

func (d *Delivery) worker(ctx context.Context, s types.ShardIndex, wake <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		if _, err := d.DeliverMessagesFrom(ctx, s); err != nil &&
			!errors.Is(err, shard.ErrShardClaimed) && !errors.Is(err, context.Canceled) {
			d.opts.Logger.Warn("delivery: worker pass failed", "shard", s.String(), "err", err)
		}
	}
}

// Stop halts the workers, pending retry passes and the cleaner and waits
// for them.
func (d *Delivery) Stop() {
	d.mu.Lock()
	d.stopped = true
	for i, t := range d.retries {
		t.Stop()
		delete(d.retries, i)
	}
	cancel := d.cancel
	cleaner := d.cleaner
	d.cancel = nil
	d.cleaner = nil
	d.started = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	if cleaner != nil {
		cleaner.Stop()
	}
}
