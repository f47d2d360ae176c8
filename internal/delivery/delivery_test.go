package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/snehjoshi/epochcqrs/internal/delivery"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/shard"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/storage/memory"
	"github.com/snehjoshi/epochcqrs/internal/storage/storagetest"
	"github.com/snehjoshi/epochcqrs/internal/system"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

const taskType = "tasks.Task"

type createTask struct {
	TaskID string `json:"task_id"`
}

func (createTask) MessageType() string { return "tasks.CreateTask" }

// ---- helpers ----------------------------------------------------------------

type call struct {
	envelopeID string
	entityID   string
}

// handler records dispatches and fails the first failures[id] attempts of
// entity id. Entities in undeliverable always fail permanently. A non-nil
// interrupt runs before the next dispatch and its error is returned instead.
type handler struct {
	mu            sync.Mutex
	interrupt     func() error
	dispatched    []call
	errors        []error
	failures      map[string]int
	undeliverable map[string]bool
}

func newHandler() *handler {
	return &handler{failures: make(map[string]int), undeliverable: make(map[string]bool)}
}

func (h *handler) endpoint(env *envelope.Envelope) inbox.Endpoint {
	return &handlerEndpoint{h: h, env: env}
}

func (h *handler) calls() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.dispatched...)
}

func (h *handler) onErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errors...)
}

type handlerEndpoint struct {
	h   *handler
	env *envelope.Envelope
}

func (e *handlerEndpoint) DispatchTo(_ context.Context, id string) error {
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	if fn := e.h.interrupt; fn != nil {
		e.h.interrupt = nil
		return fn()
	}
	if e.h.undeliverable[id] {
		return fmt.Errorf("%w: entity %s is gone", inbox.ErrUndeliverable, id)
	}
	if e.h.failures[id] > 0 {
		e.h.failures[id]--
		return errors.New("storage unavailable")
	}
	e.h.dispatched = append(e.h.dispatched, call{envelopeID: e.env.ID(), entityID: id})
	return nil
}

func (e *handlerEndpoint) OnError(_ context.Context, _ *envelope.Envelope, err error) {
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	e.h.errors = append(e.h.errors, err)
}

type fixture struct {
	d       *delivery.Delivery
	inbox   *inbox.Inbox
	store   *memory.Storage
	coord   *shard.Local
	handler *handler
	sink    *system.Recorder
}

// newFixture wires one inbox of taskType to a delivery over memory storage.
// In async mode the workers are not started, so tests drive passes by hand.
func newFixture(t *testing.T, shards int, opts delivery.Options) *fixture {
	t.Helper()
	coord, err := shard.NewLocal(shards)
	require.NoError(t, err)
	f := &fixture{store: memory.New(), coord: coord, handler: newHandler(), sink: &system.Recorder{}}

	reg := envelope.NewTypeRegistry()
	envelope.Register[createTask](reg)
	f.inbox = inbox.New(taskType, inbox.Options{
		Storage:  f.store,
		Sharding: coord,
		Types:    reg,
		Clock:    opts.Clock,
		Notify:   func(ctx context.Context, s types.ShardIndex) { f.d.Notify(ctx, s) },
	})
	require.NoError(t, f.inbox.Register(types.LabelHandleCommand, f.handler.endpoint))
	inboxes := inbox.NewRegistry()
	require.NoError(t, inboxes.Add(f.inbox))

	opts.Storage = f.store
	if opts.Sharding == nil {
		opts.Sharding = coord
	}
	opts.Inboxes = inboxes
	if opts.Sink == nil {
		opts.Sink = f.sink
	}
	f.d, err = delivery.New(opts)
	require.NoError(t, err)
	t.Cleanup(f.d.Stop)
	return f
}

func (f *fixture) send(t *testing.T, env *envelope.Envelope, id string) {
	t.Helper()
	require.NoError(t, f.inbox.Send(env).ToHandler(context.Background(), id))
}

func (f *fixture) records(t *testing.T, status types.InboxStatus) []*types.InboxMessage {
	t.Helper()
	msgs, err := f.store.Query(context.Background(), storage.InboxQuery{Status: &status})
	require.NoError(t, err)
	return msgs
}

func command(id string) *envelope.Envelope {
	return envelope.NewCommand(createTask{TaskID: id}, "", "tester")
}

// manualClock is a clock tests can move forward.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var s0 = types.ShardIndex{Index: 0, Of: 1}

// renewCounter counts lease renewals and can make them fail.
type renewCounter struct {
	*shard.Local
	renews atomic.Int32
	lost   atomic.Bool
}

func (c *renewCounter) Claim(ctx context.Context, s types.ShardIndex) (shard.Lease, error) {
	l, err := c.Local.Claim(ctx, s)
	if err != nil {
		return nil, err
	}
	return &countedLease{Lease: l, c: c}, nil
}

type countedLease struct {
	shard.Lease
	c *renewCounter
}

func (l *countedLease) Renew(ctx context.Context) error {
	l.c.renews.Add(1)
	if l.c.lost.Load() {
		return shard.ErrLeaseLost
	}
	return l.Lease.Renew(ctx)
}

func newRenewCounter(t *testing.T) *renewCounter {
	t.Helper()
	l, err := shard.NewLocal(1)
	require.NoError(t, err)
	return &renewCounter{Local: l}
}

// ---- New --------------------------------------------------------------------

func TestNew_RequiresStorageAndSharding(t *testing.T) {
	_, err := delivery.New(delivery.Options{Mode: delivery.ModeLocal})
	assert.ErrorIs(t, err, delivery.ErrNotConfigured)

	_, err = delivery.New(delivery.Options{
		Mode:    delivery.ModeAsync,
		Storage: memory.New(),
		Inboxes: inbox.NewRegistry(),
	})
	assert.ErrorIs(t, err, delivery.ErrNotConfigured, "async mode with sharding disabled")

	_, err = delivery.New(delivery.Options{Mode: "eventually"})
	assert.ErrorIs(t, err, delivery.ErrNotConfigured)

	d, err := delivery.New(delivery.Options{Mode: delivery.ModeInline})
	require.NoError(t, err)
	assert.Equal(t, delivery.ModeInline, d.Mode())
}

func TestShards(t *testing.T) {
	f := newFixture(t, 3, delivery.Options{Mode: delivery.ModeAsync})
	assert.Equal(t, []types.ShardIndex{{Index: 0, Of: 3}, {Index: 1, Of: 3}, {Index: 2, Of: 3}}, f.d.Shards())
}

// ---- local mode -------------------------------------------------------------

func TestLocal_DeliversOnNotifyInSendOrder(t *testing.T) {
	f := newFixture(t, 4, delivery.Options{Mode: delivery.ModeLocal})
	envs := []*envelope.Envelope{command("42"), command("42"), command("42")}
	for _, env := range envs {
		f.send(t, env, "42")
	}

	got := f.handler.calls()
	require.Len(t, got, 3)
	for i, env := range envs {
		assert.Equal(t, call{envelopeID: env.ID(), entityID: "42"}, got[i])
	}
	assert.Empty(t, f.records(t, types.StatusToDeliver))
	assert.Len(t, f.records(t, types.StatusDelivered), 3)
}

func TestLocal_ShardHeldElsewhere(t *testing.T) {
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync})
	f.send(t, command("42"), "42")

	lease, err := f.coord.Claim(context.Background(), s0)
	require.NoError(t, err)
	_, err = f.d.DeliverMessagesFrom(context.Background(), s0)
	assert.ErrorIs(t, err, shard.ErrShardClaimed)
	require.NoError(t, lease.Release(context.Background()))

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 1}, st)
}

func TestLocal_RetriesWithoutNewTraffic(t *testing.T) {
	f := newFixture(t, 4, delivery.Options{Mode: delivery.ModeLocal, PollInterval: 10 * time.Millisecond})
	f.handler.failures["42"] = 1
	env := command("42")
	f.send(t, env, "42")
	assert.Empty(t, f.handler.calls())

	require.Eventually(t, func() bool {
		return len(f.records(t, types.StatusDelivered)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{{envelopeID: env.ID(), entityID: "42"}}, f.handler.calls())
	assert.Equal(t, 1, f.sink.Count(system.DeliveryRetry))
}

func TestLocal_StopCancelsScheduledRetry(t *testing.T) {
	f := newFixture(t, 4, delivery.Options{Mode: delivery.ModeLocal, PollInterval: 20 * time.Millisecond})
	f.handler.failures["42"] = 1
	f.send(t, command("42"), "42")

	f.d.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, f.handler.calls())
	assert.Len(t, f.records(t, types.StatusToDeliver), 1)
}

// ---- leases -----------------------------------------------------------------

func TestLease_RenewedWithinBatch(t *testing.T) {
	coord := newRenewCounter(t)
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync, Sharding: coord, RenewEvery: time.Nanosecond})
	for _, id := range []string{"1", "2", "3"} {
		f.send(t, command(id), id)
	}

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Delivered)
	assert.GreaterOrEqual(t, coord.renews.Load(), int32(3))
}

func TestLease_RenewedOncePerBatchWhenFast(t *testing.T) {
	coord := newRenewCounter(t)
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync, Sharding: coord, RenewEvery: time.Hour})
	for _, id := range []string{"1", "2", "3"} {
		f.send(t, command(id), id)
	}

	_, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), coord.renews.Load())
}

func TestLease_LostStopsThePass(t *testing.T) {
	coord := newRenewCounter(t)
	coord.lost.Store(true)
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync, Sharding: coord, RenewEvery: time.Nanosecond})
	f.send(t, command("1"), "1")
	f.send(t, command("2"), "2")

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	assert.ErrorIs(t, err, shard.ErrLeaseLost)
	assert.Equal(t, delivery.Stats{Delivered: 1}, st)
	assert.Len(t, f.records(t, types.StatusToDeliver), 1)
}

// ---- retries and dead letters -----------------------------------------------

func TestRetry_BlocksLaterRecordsOfSameEntity(t *testing.T) {
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync})
	f.handler.failures["42"] = 1
	first, second, other := command("42"), command("42"), command("7")
	f.send(t, first, "42")
	f.send(t, second, "42")
	f.send(t, other, "7")

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 1, Retried: 1}, st)
	assert.Equal(t, []call{{envelopeID: other.ID(), entityID: "7"}}, f.handler.calls())

	pending := f.records(t, types.StatusToDeliver)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempt)
	assert.Equal(t, "storage unavailable", pending[0].LastError)
	assert.Equal(t, 0, pending[1].Attempt)

	st, err = f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 2}, st)
	assert.Equal(t, []call{
		{envelopeID: other.ID(), entityID: "7"},
		{envelopeID: first.ID(), entityID: "42"},
		{envelopeID: second.ID(), entityID: "42"},
	}, f.handler.calls())
	assert.Equal(t, 1, f.sink.Count(system.DeliveryRetry))
}

func TestRetry_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync, MaxAttempts: 2})
	f.handler.failures["42"] = 10
	env := command("42")
	f.send(t, env, "42")

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Retried)

	st, err = f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{DeadLettered: 1}, st)

	dead := f.records(t, types.StatusDeadLetter)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempt)
	assert.Empty(t, f.records(t, types.StatusToDeliver))

	diags := f.sink.All()
	require.Len(t, diags, 2)
	assert.Equal(t, system.DeliveryRetry, diags[0].Kind)
	assert.Equal(t, system.DeadLettered, diags[1].Kind)
	assert.Equal(t, env.ID(), diags[1].EnvelopeID)
	assert.Equal(t, "42", diags[1].EntityID)
}

func TestUndeliverable_DeadLetteredAtOnce(t *testing.T) {
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync})
	f.handler.undeliverable["42"] = true
	f.send(t, command("42"), "42")
	f.send(t, command("7"), "7")

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 1, DeadLettered: 1}, st)
	require.Len(t, f.records(t, types.StatusDeadLetter), 1)
	assert.Equal(t, 1, f.sink.Count(system.DeadLettered))
}

func TestUnknownEntityType_DeadLettered(t *testing.T) {
	f := newFixture(t, 4, delivery.Options{Mode: delivery.ModeAsync})
	stray := storagetest.NewMessage(2, "42", 100)
	require.NoError(t, f.store.Write(context.Background(), stray))

	st, err := f.d.DeliverMessagesFrom(context.Background(), types.ShardIndex{Index: 2, Of: 4})
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{DeadLettered: 1}, st)

	dead := f.records(t, types.StatusDeadLetter)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "test.Task")
}

// ---- duplicates -------------------------------------------------------------

func TestDuplicate_WithinOnePass(t *testing.T) {
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync})
	env := command("42")
	f.send(t, env, "42")
	f.send(t, env, "42")

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 1, Duplicates: 1}, st)
	assert.Len(t, f.handler.calls(), 1)

	errs := f.handler.onErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], inbox.ErrDuplicate)
	assert.Len(t, f.records(t, types.StatusDelivered), 2)
}

func TestDuplicate_AcrossPassesWithinWindow(t *testing.T) {
	f := newFixture(t, 4, delivery.Options{Mode: delivery.ModeLocal})
	env := command("42")
	f.send(t, env, "42")
	f.send(t, env, "42")

	assert.Len(t, f.handler.calls(), 1)
	assert.Len(t, f.handler.onErrors(), 1)
}

func TestDuplicate_OutsideWindowIsDeliveredAgain(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	f := newFixture(t, 4, delivery.Options{
		Mode:        delivery.ModeLocal,
		DedupWindow: time.Minute,
		Clock:       inbox.NewClock(clock.Now),
	})
	env := command("42")
	f.send(t, env, "42")
	clock.Advance(2 * time.Minute)
	f.send(t, env, "42")

	assert.Len(t, f.handler.calls(), 2)
	assert.Empty(t, f.handler.onErrors())
}

// ---- Redis deduper ----------------------------------------------------------

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDeduper_SeenMark(t *testing.T) {
	mr, client := newRedis(t)
	d := delivery.NewRedisDeduper(client, time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "tasks.Task/42#abc")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.False(t, mr.Exists("epochcqrs:signal:tasks.Task/42#abc"), "checking does not mark")

	require.NoError(t, d.Mark(ctx, "tasks.Task/42#abc"))
	seen, err = d.Seen(ctx, "tasks.Task/42#abc")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, mr.TTL("epochcqrs:signal:tasks.Task/42#abc"))

	mr.FastForward(2 * time.Hour)
	seen, err = d.Seen(ctx, "tasks.Task/42#abc")
	require.NoError(t, err)
	assert.False(t, seen, "expired ids are new again")
}

func TestRedisDeduper_SharedAcrossStorages(t *testing.T) {
	_, client := newRedis(t)
	dedup := delivery.NewRedisDeduper(client, time.Hour)
	a := newFixture(t, 4, delivery.Options{Mode: delivery.ModeLocal, Deduper: dedup})
	b := newFixture(t, 4, delivery.Options{Mode: delivery.ModeLocal, Deduper: dedup})

	env := command("42")
	a.send(t, env, "42")
	b.send(t, env, "42")

	assert.Len(t, a.handler.calls(), 1)
	assert.Empty(t, b.handler.calls())
	require.Len(t, b.handler.onErrors(), 1)
	assert.ErrorIs(t, b.handler.onErrors()[0], inbox.ErrDuplicate)
}

func TestRedisDeduper_InterruptedDeliveryIsNotMarked(t *testing.T) {
	mr, client := newRedis(t)
	f := newFixture(t, 1, delivery.Options{
		Mode:    delivery.ModeAsync,
		Deduper: delivery.NewRedisDeduper(client, time.Hour),
	})
	env := command("42")
	f.send(t, env, "42")

	ctx, cancel := context.WithCancel(context.Background())
	f.handler.interrupt = func() error {
		cancel()
		return ctx.Err()
	}
	_, err := f.d.DeliverMessagesFrom(ctx, s0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists("epochcqrs:signal:tasks.Task/42#"+env.ID()))
	pending := f.records(t, types.StatusToDeliver)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempt, "an interrupted delivery is not an attempt")

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 1}, st)
	assert.Empty(t, f.handler.onErrors())
	assert.Equal(t, []call{{envelopeID: env.ID(), entityID: "42"}}, f.handler.calls())
	assert.True(t, mr.Exists("epochcqrs:signal:tasks.Task/42#"+env.ID()))
}

func TestRedisDeduper_FailedDeliveryIsNotMarked(t *testing.T) {
	mr, client := newRedis(t)
	f := newFixture(t, 1, delivery.Options{
		Mode:    delivery.ModeAsync,
		Deduper: delivery.NewRedisDeduper(client, time.Hour),
	})
	f.handler.failures["42"] = 1
	env := command("42")
	f.send(t, env, "42")

	st, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Retried)
	assert.False(t, mr.Exists("epochcqrs:signal:tasks.Task/42#"+env.ID()))

	st, err = f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 1}, st)
	assert.Empty(t, f.handler.onErrors())
	assert.True(t, mr.Exists("epochcqrs:signal:tasks.Task/42#"+env.ID()))
}

// ---- tracing ----------------------------------------------------------------

func TestTracing_SpanPerPassAndRecord(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync, Tracer: tp.Tracer("test")})
	f.send(t, command("42"), "42")
	f.send(t, command("7"), "7")

	_, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)

	names := make(map[string]int)
	var pass sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		names[s.Name()]++
		if s.Name() == "delivery.shard" {
			pass = s
		}
	}
	assert.Equal(t, map[string]int{"delivery.shard": 1, "delivery.record": 2}, names)
	require.NotNil(t, pass)
	for _, kv := range pass.Attributes() {
		if kv.Key == "delivered" {
			assert.Equal(t, int64(2), kv.Value.AsInt64())
		}
	}
}

// ---- cleaner ----------------------------------------------------------------

func TestPurge_OnlyDeliveredRecordsPastWindow(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	f := newFixture(t, 1, delivery.Options{
		Mode:        delivery.ModeAsync,
		DedupWindow: time.Minute,
		Clock:       inbox.NewClock(clock.Now),
	})
	f.handler.undeliverable["7"] = true
	f.send(t, command("42"), "42")
	f.send(t, command("7"), "7")
	_, err := f.d.DeliverMessagesFrom(context.Background(), s0)
	require.NoError(t, err)

	n, err := f.d.Purge(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "inside the window")

	clock.Advance(2 * time.Minute)
	n, err = f.d.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.records(t, types.StatusDelivered))
	assert.Len(t, f.records(t, types.StatusDeadLetter), 1, "dead letters are kept")
}

func TestCleaner_StartStop(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := memory.New()
	msg := storagetest.NewMessage(0, "42", 1)
	msg.Status = types.StatusDelivered
	msg.DeliveredAt = clock.Now().Add(-time.Hour).UnixNano()
	require.NoError(t, store.Write(context.Background(), msg))

	c := delivery.NewCleaner(store, time.Minute, 5*time.Millisecond, inbox.NewClock(clock.Now), nil, nil)
	c.Start()
	require.Eventually(t, func() bool {
		all, err := store.Query(context.Background(), storage.InboxQuery{})
		return err == nil && len(all) == 0
	}, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}

// ---- async workers ----------------------------------------------------------

func TestAsync_WorkersDeliver(t *testing.T) {
	f := newFixture(t, 4, delivery.Options{Mode: delivery.ModeAsync, PollInterval: 10 * time.Millisecond})
	f.d.Start(context.Background())

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		f.send(t, command(id), id)
	}
	require.Eventually(t, func() bool { return len(f.handler.calls()) == 5 }, 2*time.Second, 5*time.Millisecond)

	f.d.Stop()
	f.send(t, command("6"), "6")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.handler.calls(), 5, "stopped workers deliver nothing")
}

func TestAsync_PollPicksUpRetries(t *testing.T) {
	f := newFixture(t, 1, delivery.Options{Mode: delivery.ModeAsync, PollInterval: 10 * time.Millisecond})
	f.handler.failures["42"] = 2
	f.d.Start(context.Background())

	f.send(t, command("42"), "42")
	require.Eventually(t, func() bool { return len(f.handler.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.sink.Count(system.DeliveryRetry))
}

// ---- snapshot ---------------------------------------------------------------

func TestSnapshot_CountsPerShard(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	write := func(shard int, id string, when int64, status types.InboxStatus, tenant string) {
		m := storagetest.NewMessage(shard, id, when)
		m.Status = status
		m.Tenant = tenant
		require.NoError(t, store.Write(ctx, m))
	}
	write(0, "a", 30, types.StatusToDeliver, "acme")
	write(0, "b", 10, types.StatusToDeliver, "acme")
	write(0, "c", 5, types.StatusDelivered, "acme")
	write(2, "d", 20, types.StatusDeadLetter, "globex")
	write(2, "e", 40, types.StatusToDeliver, "globex")

	got, err := delivery.Snapshot(ctx, store, "")
	require.NoError(t, err)
	assert.Equal(t, []delivery.ShardCounts{
		{Shard: 0, Pending: 2, Delivered: 1, Oldest: 10},
		{Shard: 2, Pending: 1, Dead: 1, Oldest: 40},
	}, got)

	got, err = delivery.Snapshot(ctx, store, "globex")
	require.NoError(t, err)
	assert.Equal(t, []delivery.ShardCounts{{Shard: 2, Pending: 1, Dead: 1, Oldest: 40}}, got)
}
