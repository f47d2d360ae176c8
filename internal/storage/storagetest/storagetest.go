// Package storagetest holds behaviour tests shared by every storage
// implementation. Each implementation's own tests call the Run* functions
// with a constructor for a fresh, empty store.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochcqrs/internal/node"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// NewMessage returns a pending record for entity id of type "test.Task" in
// the given shard of 4, received at when.
func NewMessage(shard int, id string, when int64) *types.InboxMessage {
	inbox := types.InboxID{TypeURL: "test.Task", EntityID: id}
	envID := node.MustNewID()
	return &types.InboxMessage{
		ID:           node.MustNewID(),
		SignalID:     inbox.SignalID(envID),
		InboxID:      inbox,
		Shard:        types.ShardIndex{Index: shard, Of: 4},
		Label:        types.LabelHandleCommand,
		Tenant:       "acme",
		Kind:         types.KindCommand,
		MessageType:  "test.CreateTask",
		Payload:      []byte(`{"id":"` + envID + `"}`),
		WhenReceived: when,
		Status:       types.StatusToDeliver,
	}
}

// RunInbox exercises an InboxStorage.
func RunInbox(t *testing.T, open func(t *testing.T) storage.InboxStorage) {
	ctx := context.Background()

	t.Run("ReadPendingIsFIFOPerShard", func(t *testing.T) {
		s := open(t)
		// Written out of order on purpose.
		for _, when := range []int64{30, 10, 20} {
			require.NoError(t, s.Write(ctx, NewMessage(1, fmt.Sprint(when), when)))
		}
		require.NoError(t, s.Write(ctx, NewMessage(2, "other", 5)))

		got, err := s.ReadPending(ctx, types.ShardIndex{Index: 1, Of: 4}, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []int64{10, 20, 30}, receivedTimes(got))

		got, err = s.ReadPending(ctx, types.ShardIndex{Index: 1, Of: 4}, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 20}, receivedTimes(got))
	})

	t.Run("UpdateMovesBetweenStatuses", func(t *testing.T) {
		s := open(t)
		shard := types.ShardIndex{Index: 0, Of: 4}
		m := NewMessage(0, "a", 100)
		require.NoError(t, s.Write(ctx, m))

		m.Status = types.StatusDelivered
		m.DeliveredAt = 500
		require.NoError(t, s.Update(ctx, m))

		pending, err := s.ReadPending(ctx, shard, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)

		delivered, err := s.ReadDelivered(ctx, shard, 400)
		require.NoError(t, err)
		require.Len(t, delivered, 1)
		assert.Equal(t, m.SignalID, delivered[0].SignalID)

		delivered, err = s.ReadDelivered(ctx, shard, 600)
		require.NoError(t, err)
		assert.Empty(t, delivered)

		m.Status = types.StatusDeadLetter
		require.NoError(t, s.Update(ctx, m))
		dead := types.StatusDeadLetter
		got, err := s.Query(ctx, storage.InboxQuery{Status: &dead})
		require.NoError(t, err)
		require.Len(t, got, 1)
		delivered, err = s.ReadDelivered(ctx, shard, 0)
		require.NoError(t, err)
		assert.Empty(t, delivered)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := open(t)
		err := s.Update(ctx, NewMessage(0, "ghost", 1))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := open(t)
		m := NewMessage(0, "a", 1)
		require.NoError(t, s.Write(ctx, m))
		m.Attempt = 99

		got, err := s.ReadPending(ctx, types.ShardIndex{Index: 0, Of: 4}, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Zero(t, got[0].Attempt)
	})

	t.Run("QueryFilters", func(t *testing.T) {
		s := open(t)
		a := NewMessage(0, "a", 1)
		b := NewMessage(1, "b", 2)
		b.Tenant = "globex"
		c := NewMessage(1, "a", 3)
		for _, m := range []*types.InboxMessage{a, b, c} {
			require.NoError(t, s.Write(ctx, m))
		}

		got, err := s.Query(ctx, storage.InboxQuery{Tenant: "acme"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.Query(ctx, storage.InboxQuery{EntityID: "a"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		one := 1
		got, err = s.Query(ctx, storage.InboxQuery{Shard: &one})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, b.ID, got[0].ID)

		got, err = s.Query(ctx, storage.InboxQuery{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)
	})

	t.Run("DeleteAndPurge", func(t *testing.T) {
		s := open(t)
		shard := types.ShardIndex{Index: 3, Of: 4}
		old := NewMessage(3, "old", 1)
		old.Status, old.DeliveredAt = types.StatusDelivered, 100
		fresh := NewMessage(3, "fresh", 2)
		fresh.Status, fresh.DeliveredAt = types.StatusDelivered, 900
		pending := NewMessage(3, "pending", 3)
		for _, m := range []*types.InboxMessage{old, fresh, pending} {
			require.NoError(t, s.Write(ctx, m))
		}

		n, err := s.Purge(ctx, 500)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		delivered, err := s.ReadDelivered(ctx, shard, 0)
		require.NoError(t, err)
		require.Len(t, delivered, 1)
		assert.Equal(t, fresh.ID, delivered[0].ID)

		require.NoError(t, s.Delete(ctx, pending.ID))
		require.NoError(t, s.Delete(ctx, pending.ID), "second delete is a no-op")
		left, err := s.ReadPending(ctx, shard, 0)
		require.NoError(t, err)
		assert.Empty(t, left)
	})
}

// RunRecords exercises a RecordStorage.
func RunRecords(t *testing.T, open func(t *testing.T) storage.RecordStorage) {
	ctx := context.Background()

	t.Run("WriteReadDelete", func(t *testing.T) {
		s := open(t)
		rec := &storage.EntityRecord{Tenant: "acme", TypeURL: "test.Task", ID: "42", State: []byte(`{"n":1}`), Version: 1}
		require.NoError(t, s.Write(ctx, rec))

		got, err := s.Read(ctx, "acme", "test.Task", "42")
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		require.NoError(t, s.Delete(ctx, "acme", "test.Task", "42"))
		_, err = s.Read(ctx, "acme", "test.Task", "42")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Write(ctx, &storage.EntityRecord{Tenant: "acme", TypeURL: "test.Task", ID: "1", Version: 1}))
		require.NoError(t, s.Write(ctx, &storage.EntityRecord{Tenant: "globex", TypeURL: "test.Task", ID: "1", Version: 7}))

		got, err := s.Read(ctx, "acme", "test.Task", "1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, got.Version)

		_, err = s.Read(ctx, "initech", "test.Task", "1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		all, err := s.ReadAll(ctx, storage.RecordQuery{Tenant: "globex", TypeURL: "test.Task"})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.EqualValues(t, 7, all[0].Version)
	})

	t.Run("ReadAllOrderAndFlags", func(t *testing.T) {
		s := open(t)
		for _, r := range []*storage.EntityRecord{
			{TypeURL: "test.Task", ID: "c"},
			{TypeURL: "test.Task", ID: "a"},
			{TypeURL: "test.Task", ID: "b", Archived: true},
			{TypeURL: "test.Task", ID: "d", Deleted: true},
			{TypeURL: "test.Other", ID: "z"},
		} {
			require.NoError(t, s.Write(ctx, r))
		}

		all, err := s.ReadAll(ctx, storage.RecordQuery{TypeURL: "test.Task"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, recordIDs(all))

		all, err = s.ReadAll(ctx, storage.RecordQuery{TypeURL: "test.Task", IncludeArchived: true, IncludeDeleted: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, recordIDs(all))
	})
}

// RunTenants exercises a TenantStorage.
func RunTenants(t *testing.T, s storage.TenantStorage) {
	ctx := context.Background()

	added, err := s.PutTenant(ctx, storage.TenantRecord{ID: "globex", CreatedAt: 1})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.PutTenant(ctx, storage.TenantRecord{ID: "globex", CreatedAt: 2})
	require.NoError(t, err)
	assert.False(t, added, "existing tenant keeps its record")

	_, err = s.PutTenant(ctx, storage.TenantRecord{ID: "acme", CreatedAt: 3})
	require.NoError(t, err)

	list, err := s.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "acme", list[0].ID)
	assert.Equal(t, storage.TenantRecord{ID: "globex", CreatedAt: 1}, list[1])

	require.NoError(t, s.DeleteTenant(ctx, "acme"))
	list, err = s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func receivedTimes(msgs []*types.InboxMessage) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.WhenReceived
	}
	return out
}

func recordIDs(recs []*storage.EntityRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
