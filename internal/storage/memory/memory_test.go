package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/storage/memory"
	"github.com/snehjoshi/epochcqrs/internal/storage/storagetest"
)

func TestInbox(t *testing.T) {
	storagetest.RunInbox(t, func(*testing.T) storage.InboxStorage { return memory.New() })
}

func TestRecords(t *testing.T) {
	storagetest.RunRecords(t, func(*testing.T) storage.RecordStorage { return memory.New().Records() })
}

func TestTenants(t *testing.T) {
	storagetest.RunTenants(t, memory.New())
}

func TestClosed(t *testing.T) {
	s := memory.New()
	assert.NoError(t, s.Close())
	err := s.Write(context.Background(), storagetest.NewMessage(0, "a", 1))
	assert.ErrorIs(t, err, storage.ErrClosed)
}
