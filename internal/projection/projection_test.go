package projection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochcqrs/internal/endpoint"
	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/model"
	"github.com/snehjoshi/epochcqrs/internal/projection"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/storage/memory"
	"github.com/snehjoshi/epochcqrs/internal/system"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

const boardType = "tasks.Board"

type board struct {
	Open   int      `json:"open"`
	Closed int      `json:"closed"`
	Titles []string `json:"titles"`
}

func (b board) Clone() board {
	b.Titles = append([]string(nil), b.Titles...)
	return b
}

type taskCreated struct {
	TaskID  string `json:"task_id"`
	BoardID string `json:"board_id"`
	Title   string `json:"title"`
}

func (taskCreated) MessageType() string { return "tasks.TaskCreated" }

type taskClosed struct {
	TaskID  string `json:"task_id"`
	BoardID string `json:"board_id"`
}

func (taskClosed) MessageType() string { return "tasks.TaskClosed" }

type fixture struct {
	proj *projection.Projection[board]
	sink *system.Recorder
}

func newBoards(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{proj: projection.New[board](boardType, nil), sink: &system.Recorder{}}
	require.NoError(t, projection.Subscribe(f.proj, func(_ context.Context, s *board, e taskCreated, _ envelope.Context) error {
		if e.Title == "" {
			return errors.New("untitled task")
		}
		s.Open++
		s.Titles = append(s.Titles, e.Title)
		return nil
	}))
	require.NoError(t, projection.Subscribe(f.proj, func(_ context.Context, s *board, _ taskClosed, _ envelope.Context) error {
		s.Open--
		s.Closed++
		return nil
	}))
	require.NoError(t, projection.RouteEventTo(f.proj, func(e taskCreated, _ envelope.Context) []string { return []string{e.BoardID} }))
	require.NoError(t, projection.RouteEventTo(f.proj, func(e taskClosed, _ envelope.Context) []string { return []string{e.BoardID, "all"} }))

	require.NoError(t, f.proj.Attach(endpoint.Attachment{
		Inbox:   inbox.New(boardType, inbox.Options{}),
		Records: store.Records(),
		Runtime: endpoint.Runtime{Sink: f.sink},
	}))
	return f
}

func (f *fixture) publish(t *testing.T, tenantID string, msg types.Message) {
	t.Helper()
	require.NoError(t, f.proj.DispatchEvent(context.Background(), envelope.NewEvent(msg, tenantID, "tester")))
}

func TestSubscribe_FoldsEvents(t *testing.T) {
	f := newBoards(t)

	f.publish(t, "", taskCreated{TaskID: "1", BoardID: "b", Title: "one"})
	f.publish(t, "", taskCreated{TaskID: "2", BoardID: "b", Title: "two"})
	f.publish(t, "", taskClosed{TaskID: "1", BoardID: "b"})

	e, err := f.proj.Find(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, board{Open: 1, Closed: 1, Titles: []string{"one", "two"}}, e.State())
	assert.Equal(t, int64(3), e.Version())

	all, err := f.proj.Find(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, 1, all.State().Closed)
}

func TestSubscribe_ErrorLeavesStateUnchanged(t *testing.T) {
	f := newBoards(t)
	f.publish(t, "", taskCreated{TaskID: "1", BoardID: "b", Title: "one"})

	f.publish(t, "", taskCreated{TaskID: "2", BoardID: "b"})

	e, err := f.proj.Find(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, board{Open: 1, Titles: []string{"one"}}, e.State())
	assert.Equal(t, int64(1), e.Version())
	assert.Equal(t, 1, f.sink.Count(system.HandlerFailed))
}

func TestSubscribe_TenantsAreIsolated(t *testing.T) {
	f := newBoards(t)

	f.publish(t, "acme", taskCreated{TaskID: "1", BoardID: "b", Title: "acme task"})
	f.publish(t, "globex", taskCreated{TaskID: "1", BoardID: "b", Title: "globex task"})

	acme, err := f.proj.Find(tenant.With(context.Background(), "acme"), "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme task"}, acme.State().Titles)

	globex, err := f.proj.Find(tenant.With(context.Background(), "globex"), "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"globex task"}, globex.State().Titles)

	_, err = f.proj.Find(context.Background(), "b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestValidate(t *testing.T) {
	p := projection.New[board](boardType, nil)
	assert.ErrorIs(t, p.Validate(), model.ErrInvalidModel)
}

type sprintPlanned struct {
	BoardID string `json:"board_id"`
	Title   string `json:"title"`
}

func (sprintPlanned) MessageType() string { return "planning.SprintPlanned" }

func TestSubscribeExternal_OnlyExternalEventsArrive(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	p := projection.New[board](boardType, nil)
	require.NoError(t, projection.Subscribe(p, func(_ context.Context, s *board, e taskCreated, _ envelope.Context) error {
		s.Titles = append(s.Titles, e.Title)
		return nil
	}))
	require.NoError(t, projection.SubscribeExternal(p, func(_ context.Context, s *board, e sprintPlanned, ec envelope.Context) error {
		if !ec.External {
			return errors.New("domestic sprint")
		}
		s.Titles = append(s.Titles, "sprint: "+e.Title)
		return nil
	}))
	require.NoError(t, projection.RouteEventTo(p, func(e taskCreated, _ envelope.Context) []string { return []string{e.BoardID} }))
	require.NoError(t, projection.RouteEventTo(p, func(e sprintPlanned, _ envelope.Context) []string { return []string{e.BoardID} }))
	require.NoError(t, p.Attach(endpoint.Attachment{
		Inbox:   inbox.New(boardType, inbox.Options{}),
		Records: store.Records(),
		Runtime: endpoint.Runtime{Sink: &system.Recorder{}},
	}))
	ctx := context.Background()

	require.NoError(t, p.DispatchEvent(ctx, envelope.NewEvent(taskCreated{BoardID: "b", Title: "domestic"}, "", "tester")))
	require.NoError(t, p.DispatchEvent(ctx, envelope.NewEvent(taskCreated{BoardID: "b", Title: "foreign"}, "", "tester", envelope.External())))
	require.NoError(t, p.DispatchEvent(ctx, envelope.NewEvent(sprintPlanned{BoardID: "b", Title: "local"}, "", "tester")))
	require.NoError(t, p.DispatchEvent(ctx, envelope.NewEvent(sprintPlanned{BoardID: "b", Title: "q3"}, "", "tester", envelope.External())))

	e, err := p.Find(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"domestic", "sprint: q3"}, e.State().Titles)
	assert.Equal(t, int64(2), e.Version())
}
