package outcome_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/epochcqrs/internal/outcome"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

type created struct{}

func (created) MessageType() string { return "test.Created" }

type send struct{}

func (send) MessageType() string { return "test.Send" }

type refused struct{}

func (refused) MessageType() string { return "test.Refused" }
func (refused) Rejection()          {}

func TestVariants(t *testing.T) {
	ev := []types.Message{created{}}
	cmd := []types.Message{send{}}

	o := outcome.Success(ev, cmd)
	assert.Equal(t, outcome.KindSuccess, o.Kind())
	events, commands := o.Produced()
	assert.Equal(t, ev, events)
	assert.Equal(t, cmd, commands)

	assert.Equal(t, outcome.KindEmpty, outcome.Success(nil, nil).Kind())
	assert.Equal(t, outcome.KindEmpty, outcome.Empty().Kind())

	boom := errors.New("boom")
	o = outcome.Error(boom)
	assert.Equal(t, outcome.KindError, o.Kind())
	assert.ErrorIs(t, o.Err(), boom)
	events, commands = o.Produced()
	assert.Nil(t, events)
	assert.Nil(t, commands)

	o = outcome.Interrupted("stopped")
	assert.Equal(t, outcome.KindInterrupted, o.Kind())
	assert.Equal(t, "stopped", o.Reason())
	assert.Equal(t, "interrupted", o.Kind().String())
}

func TestClassify(t *testing.T) {
	o := outcome.Classify([]types.Message{created{}}, nil)
	assert.Equal(t, outcome.KindSuccess, o.Kind())

	o = outcome.Classify([]types.Message{created{}, refused{}}, []types.Message{send{}})
	assert.Equal(t, outcome.KindRejection, o.Kind())
	assert.Equal(t, []types.Message{refused{}}, o.Rejections())
	events, commands := o.Produced()
	assert.Equal(t, []types.Message{refused{}}, events)
	assert.Empty(t, commands, "a rejection drops produced commands")

	assert.Equal(t, outcome.KindEmpty, outcome.Classify(nil, nil).Kind())
}
