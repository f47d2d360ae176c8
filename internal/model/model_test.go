package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochcqrs/internal/entity"
	"github.com/snehjoshi/epochcqrs/internal/model"
)

func TestTable(t *testing.T) {
	tbl := model.NewTable[func() string]()
	require.NoError(t, tbl.Add("b.Cmd", func() string { return "b" }))
	require.NoError(t, tbl.Add("a.Cmd", func() string { return "a" }))
	assert.ErrorIs(t, tbl.Add("a.Cmd", nil), model.ErrDuplicateHandler)

	h, ok := tbl.Get("a.Cmd")
	require.True(t, ok)
	assert.Equal(t, "a", h())
	_, ok = tbl.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a.Cmd", "b.Cmd"}, tbl.Types())
	assert.Equal(t, 2, tbl.Len())

	tbl.Freeze()
	assert.ErrorIs(t, tbl.Add("c.Cmd", nil), model.ErrFrozen)
}

func TestRegistry_CommandHasOneOwner(t *testing.T) {
	r := model.NewRegistry()
	require.NoError(t, r.AddEntity(model.EntityInfo{
		TypeURL: "tasks.Task", Kind: entity.KindAggregate,
		Commands: []string{"tasks.CreateTask"}, Events: []string{"users.UserRemoved"},
	}))
	require.NoError(t, r.AddEntity(model.EntityInfo{
		TypeURL: "tasks.Board", Kind: entity.KindProjection,
		Events: []string{"tasks.TaskCreated", "users.UserRemoved"},
	}))

	err := r.AddEntity(model.EntityInfo{TypeURL: "tasks.Other", Commands: []string{"tasks.CreateTask"}})
	assert.ErrorIs(t, err, model.ErrDuplicateHandler)
	_, ok := r.Entity("tasks.Other")
	assert.False(t, ok, "failed registration leaves no trace")

	assert.ErrorIs(t, r.AddEntity(model.EntityInfo{TypeURL: "tasks.Task"}), model.ErrDuplicateEntity)

	target, ok := r.CommandTarget("tasks.CreateTask")
	require.True(t, ok)
	assert.Equal(t, "tasks.Task", target)
	assert.Equal(t, []string{"tasks.Task", "tasks.Board"}, r.EventTargets("users.UserRemoved"))

	ents := r.Entities()
	require.Len(t, ents, 2)
	assert.Equal(t, "tasks.Board", ents[0].TypeURL)

	r.Freeze()
	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.AddEntity(model.EntityInfo{TypeURL: "x.Y"}), model.ErrFrozen)
}
