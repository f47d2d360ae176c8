package local

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/bytedance/sonic"
	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

var (
	bucketPending   = []byte("pending")
	bucketDelivered = []byte("delivered")
	bucketDead      = []byte("dead")
	bucketIDs       = []byte("ids")
	bucketEntities  = []byte("entities")
	bucketTenants   = []byte("tenants")

	allBuckets = [][]byte{bucketPending, bucketDelivered, bucketDead, bucketIDs, bucketEntities, bucketTenants}
)

func statusBucket(s types.InboxStatus) []byte {
	switch s {
	case types.StatusDelivered:
		return bucketDelivered
	case types.StatusDeadLetter:
		return bucketDead
	default:
		return bucketPending
	}
}

// ─── Keys ────────────────────────────────────────────────────────────────────
// Status bucket keys sort by shard first and by time second, so a cursor
// Seek on the shard prefix yields the shard's records in delivery order:
//
//	[shard : 4 bytes, uint32 BE]
//	[time  : 8 bytes, int64 BE ]  WhenReceived, or DeliveredAt in delivered/
//	[id    : rest              ]

func shardPrefix(shard int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(shard))
	return buf
}

func recordKey(m *types.InboxMessage) []byte {
	ts := m.WhenReceived
	if m.Status == types.StatusDelivered {
		ts = m.DeliveredAt
	}
	buf := make([]byte, 12, 12+len(m.ID))
	binary.BigEndian.PutUint32(buf[0:], uint32(m.Shard.Index))
	binary.BigEndian.PutUint64(buf[4:], uint64(ts))
	return append(buf, m.ID...)
}

func keyTime(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[4:12]))
}

// location is the value stored under ids/: the status byte then the key.
func location(m *types.InboxMessage) []byte {
	k := recordKey(m)
	loc := make([]byte, 1, 1+len(k))
	loc[0] = byte(m.Status)
	return append(loc, k...)
}

func encodeInbox(m *types.InboxMessage) ([]byte, error) {
	return sonic.Marshal(m)
}

// decodeInbox copies v first: bbolt values are only valid inside the
// transaction and sonic may keep references into the input.
func decodeInbox(v []byte) (*types.InboxMessage, error) {
	var m types.InboxMessage
	if err := sonic.Unmarshal(bytes.Clone(v), &m); err != nil {
		return nil, fmt.Errorf("local storage: decode inbox record: %w", err)
	}
	return &m, nil
}

// ─── InboxStorage ────────────────────────────────────────────────────────────

// Write inserts msg, moving any previous version of the record out of its
// old status bucket in the same transaction.
func (s *Storage) Write(ctx context.Context, msg *types.InboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := encodeInbox(msg)
	if err != nil {
		return fmt.Errorf("local storage: encode %s: %w", msg.ID, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, msg, val, false)
	})
	if err != nil {
		return fmt.Errorf("local storage: write %s: %w", msg.ID, err)
	}
	return nil
}

// Update persists a changed record. Returns storage.ErrNotFound if the
// record does not exist.
func (s *Storage) Update(ctx context.Context, msg *types.InboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := encodeInbox(msg)
	if err != nil {
		return fmt.Errorf("local storage: encode %s: %w", msg.ID, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, msg, val, true)
	})
	if err != nil {
		return fmt.Errorf("local storage: update %s: %w", msg.ID, err)
	}
	return nil
}

func put(tx *bbolt.Tx, msg *types.InboxMessage, val []byte, mustExist bool) error {
	ids := tx.Bucket(bucketIDs)
	id := []byte(msg.ID)
	if old := ids.Get(id); old != nil {
		if err := tx.Bucket(statusBucket(types.InboxStatus(old[0]))).Delete(old[1:]); err != nil {
			return err
		}
	} else if mustExist {
		return storage.ErrNotFound
	}
	if err := tx.Bucket(statusBucket(msg.Status)).Put(recordKey(msg), val); err != nil {
		return err
	}
	return ids.Put(id, location(msg))
}

// ReadPending returns up to limit pending records of the shard ordered by
// WhenReceived.
func (s *Storage) ReadPending(ctx context.Context, shard types.ShardIndex, limit int) ([]*types.InboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*types.InboxMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := shardPrefix(shard.Index)
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			m, err := decodeInbox(v)
			if err != nil {
				return err
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: read pending %s: %w", shard, err)
	}
	return out, nil
}

// ReadDelivered returns delivered records of the shard with DeliveredAt at
// or after since.
func (s *Storage) ReadDelivered(ctx context.Context, shard types.ShardIndex, since int64) ([]*types.InboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*types.InboxMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := shardPrefix(shard.Index)
		start := make([]byte, 12)
		copy(start, prefix)
		if since > 0 {
			binary.BigEndian.PutUint64(start[4:], uint64(since))
		}
		c := tx.Bucket(bucketDelivered).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			m, err := decodeInbox(v)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: read delivered %s: %w", shard, err)
	}
	return out, nil
}

// Delete removes a record wherever it lives.
func (s *Storage) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		loc := ids.Get([]byte(id))
		if loc == nil {
			return nil
		}
		if err := tx.Bucket(statusBucket(types.InboxStatus(loc[0]))).Delete(loc[1:]); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("local storage: delete %s: %w", id, err)
	}
	return nil
}

// Query scans the status buckets selected by q.
func (s *Storage) Query(ctx context.Context, q storage.InboxQuery) ([]*types.InboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buckets := [][]byte{bucketPending, bucketDelivered, bucketDead}
	if q.Status != nil {
		buckets = [][]byte{statusBucket(*q.Status)}
	}
	var out []*types.InboxMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			c := tx.Bucket(name).Cursor()
			var k, v []byte
			if q.Shard != nil {
				prefix := shardPrefix(*q.Shard)
				for k, v = c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
					if err := collect(&out, v, q); err != nil {
						return err
					}
				}
				continue
			}
			for k, v = c.First(); k != nil; k, v = c.Next() {
				if err := collect(&out, v, q); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: query: %w", err)
	}
	slices.SortFunc(out, func(a, b *types.InboxMessage) int {
		if a.Shard.Index != b.Shard.Index {
			return a.Shard.Index - b.Shard.Index
		}
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func collect(out *[]*types.InboxMessage, v []byte, q storage.InboxQuery) error {
	m, err := decodeInbox(v)
	if err != nil {
		return err
	}
	if q.Matches(m) {
		*out = append(*out, m)
	}
	return nil
}

// Purge deletes delivered records older than before. The delivered bucket is
// keyed by DeliveredAt within each shard, so only the key is inspected.
func (s *Storage) Purge(ctx context.Context, before int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDelivered)
		ids := tx.Bucket(bucketIDs)
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if keyTime(k) < before {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			if err := ids.Delete(k[12:]); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("local storage: purge: %w", err)
	}
	return n, nil
}
