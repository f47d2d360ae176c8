package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochcqrs/internal/bus"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
)

type createTask struct {
	TaskID string `json:"task_id"`
}

func (createTask) MessageType() string { return "tasks.CreateTask" }

type taskCreated struct {
	TaskID string `json:"task_id"`
}

func (taskCreated) MessageType() string { return "tasks.TaskCreated" }

// ---- helpers ----------------------------------------------------------------

type fakeRepo struct {
	typeURL  string
	commands []string
	events   []string
	fail     error

	mu      sync.Mutex
	got     []string
	tenants []string
}

func (r *fakeRepo) TypeURL() string        { return r.typeURL }
func (r *fakeRepo) CommandTypes() []string { return r.commands }
func (r *fakeRepo) EventTypes() []string   { return r.events }

func (r *fakeRepo) record(ctx context.Context, env *envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, env.ID())
	r.tenants = append(r.tenants, tenant.From(ctx))
	return nil
}

func (r *fakeRepo) DispatchCommand(ctx context.Context, env *envelope.Envelope) error {
	return r.record(ctx, env)
}

func (r *fakeRepo) DispatchEvent(ctx context.Context, env *envelope.Envelope) error {
	return r.record(ctx, env)
}

func (r *fakeRepo) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

// ---- command bus ------------------------------------------------------------

func TestCommandBus_PostRoutesToHandlerInTenant(t *testing.T) {
	b := bus.NewCommandBus(nil, nil)
	repo := &fakeRepo{typeURL: "tasks.Task", commands: []string{"tasks.CreateTask"}}
	require.NoError(t, b.Register(repo))

	env := envelope.NewCommand(createTask{TaskID: "1"}, "acme", "u")
	require.NoError(t, b.Post(context.Background(), env))

	assert.Equal(t, []string{env.ID()}, repo.received())
	assert.Equal(t, []string{"acme"}, repo.tenants)
}

func TestCommandBus_NoDispatcher(t *testing.T) {
	b := bus.NewCommandBus(nil, nil)
	err := b.Post(context.Background(), envelope.NewCommand(createTask{TaskID: "1"}, "", "u"))
	assert.ErrorIs(t, err, bus.ErrNoDispatcher)
}

func TestCommandBus_DuplicateDispatcher(t *testing.T) {
	b := bus.NewCommandBus(nil, nil)
	require.NoError(t, b.Register(&fakeRepo{typeURL: "a", commands: []string{"tasks.CreateTask"}}))
	err := b.Register(&fakeRepo{typeURL: "b", commands: []string{"tasks.CreateTask"}})
	assert.ErrorIs(t, err, bus.ErrDuplicateDispatcher)
}

func TestCommandBus_RejectsEvents(t *testing.T) {
	b := bus.NewCommandBus(nil, nil)
	err := b.Post(context.Background(), envelope.NewEvent(taskCreated{TaskID: "1"}, "", "u"))
	assert.ErrorIs(t, err, bus.ErrWrongKind)
}

func TestCommandBus_ScheduledCommandWaitsForItsTime(t *testing.T) {
	b := bus.NewCommandBus(nil, nil)
	repo := &fakeRepo{typeURL: "tasks.Task", commands: []string{"tasks.CreateTask"}}
	require.NoError(t, b.Register(repo))
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Stop()
	})

	env := envelope.NewCommand(createTask{TaskID: "1"}, "acme", "u",
		envelope.WithDeliverAt(time.Now().Add(100*time.Millisecond)))
	require.NoError(t, b.Post(context.Background(), env))

	assert.Empty(t, repo.received())
	assert.Equal(t, 1, b.Scheduled(""))
	assert.Equal(t, 1, b.Scheduled("tasks.CreateTask"))

	require.Eventually(t, func() bool { return len(repo.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, env.ID(), repo.received()[0])
	assert.Equal(t, 0, b.Scheduled(""))
}

func TestCommandBus_CancelScheduled(t *testing.T) {
	b := bus.NewCommandBus(nil, nil)
	repo := &fakeRepo{typeURL: "tasks.Task", commands: []string{"tasks.CreateTask"}}
	require.NoError(t, b.Register(repo))
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	env := envelope.NewCommand(createTask{TaskID: "1"}, "", "u",
		envelope.WithDeliverAt(time.Now().Add(50*time.Millisecond)))
	require.NoError(t, b.Post(context.Background(), env))
	assert.True(t, b.CancelScheduled(env.ID()))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, repo.received())
}

// ---- event bus --------------------------------------------------------------

func TestEventBus_FansOutToEveryConsumer(t *testing.T) {
	b := bus.NewEventBus(nil)
	a := &fakeRepo{typeURL: "tasks.Board", events: []string{"tasks.TaskCreated"}}
	c := &fakeRepo{typeURL: "tasks.Digest", events: []string{"tasks.TaskCreated"}}
	require.NoError(t, b.Register(a))
	require.NoError(t, b.Register(c))

	env := envelope.NewEvent(taskCreated{TaskID: "1"}, "", "u")
	require.NoError(t, b.Post(context.Background(), env))

	assert.Equal(t, []string{env.ID()}, a.received())
	assert.Equal(t, []string{env.ID()}, c.received())
	assert.Equal(t, 2, b.Consumers("tasks.TaskCreated"))
}

func TestEventBus_NoConsumersIsDropped(t *testing.T) {
	b := bus.NewEventBus(nil)
	assert.NoError(t, b.Post(context.Background(), envelope.NewEvent(taskCreated{TaskID: "1"}, "", "u")))
}

func TestEventBus_FailingConsumerDoesNotStopOthers(t *testing.T) {
	b := bus.NewEventBus(nil)
	boom := errors.New("storage down")
	bad := &fakeRepo{typeURL: "a", events: []string{"tasks.TaskCreated"}, fail: boom}
	good := &fakeRepo{typeURL: "b", events: []string{"tasks.TaskCreated"}}
	require.NoError(t, b.Register(bad))
	require.NoError(t, b.Register(good))

	err := b.Post(context.Background(), envelope.NewEvent(taskCreated{TaskID: "1"}, "", "u"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.received(), 1)
}

func TestEventBus_SameRepositoryTwice(t *testing.T) {
	b := bus.NewEventBus(nil)
	r := &fakeRepo{typeURL: "a", events: []string{"tasks.TaskCreated"}}
	require.NoError(t, b.Register(r))
	assert.ErrorIs(t, b.Register(r), bus.ErrDuplicateDispatcher)
}
