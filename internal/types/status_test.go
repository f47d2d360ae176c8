package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/epochcqrs/internal/types"
)

func TestValidTransition(t *testing.T) {
	all := []types.InboxStatus{types.StatusToDeliver, types.StatusDelivered, types.StatusDeadLetter}
	allowed := map[[2]types.InboxStatus]bool{
		{types.StatusToDeliver, types.StatusToDeliver}:  true,
		{types.StatusToDeliver, types.StatusDelivered}:  true,
		{types.StatusToDeliver, types.StatusDeadLetter}: true,
		{types.StatusDeadLetter, types.StatusToDeliver}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]types.InboxStatus{from, to}], types.ValidTransition(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestInboxID_SignalID(t *testing.T) {
	id := types.InboxID{TypeURL: "tasks.Task", EntityID: "42"}
	assert.Equal(t, "tasks.Task/42", id.String())
	assert.Equal(t, "tasks.Task/42#env-1", id.SignalID("env-1"))
}
