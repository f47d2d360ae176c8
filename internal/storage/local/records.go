package local

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochcqrs/internal/storage"
)

// Records returns the entity side of s.
func (s *Storage) Records() storage.RecordStorage { return (*records)(s) }

type records Storage

// entityKey is tenant 0x00 type_url 0x00 id. The tenant comes first so every
// key of one tenant shares a prefix no other tenant can produce.
func entityKey(tenant, typeURL, id string) []byte {
	k := make([]byte, 0, len(tenant)+len(typeURL)+len(id)+2)
	k = append(k, tenant...)
	k = append(k, 0)
	k = append(k, typeURL...)
	k = append(k, 0)
	return append(k, id...)
}

func (r *records) Write(ctx context.Context, rec *storage.EntityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("local storage: encode entity %s: %w", rec.ID, err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).Put(entityKey(rec.Tenant, rec.TypeURL, rec.ID), val)
	})
	if err != nil {
		return fmt.Errorf("local storage: write entity %s: %w", rec.ID, err)
	}
	return nil
}

func (r *records) Read(ctx context.Context, tenant, typeURL, id string) (*storage.EntityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec storage.EntityRecord
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntities).Get(entityKey(tenant, typeURL, id))
		if v == nil {
			return storage.ErrNotFound
		}
		return sonic.Unmarshal(bytes.Clone(v), &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: read entity %s/%s: %w", typeURL, id, err)
	}
	return &rec, nil
}

func (r *records) ReadAll(ctx context.Context, q storage.RecordQuery) ([]*storage.EntityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*storage.EntityRecord
	prefix := entityKey(q.Tenant, q.TypeURL, "")
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntities).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec storage.EntityRecord
			if err := sonic.Unmarshal(bytes.Clone(v), &rec); err != nil {
				return err
			}
			if !q.Matches(&rec) {
				continue
			}
			out = append(out, &rec)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: read all %s: %w", q.TypeURL, err)
	}
	return out, nil
}

func (r *records) Delete(ctx context.Context, tenant, typeURL, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).Delete(entityKey(tenant, typeURL, id))
	})
	if err != nil {
		return fmt.Errorf("local storage: delete entity %s/%s: %w", typeURL, id, err)
	}
	return nil
}

func (r *records) Close() error { return (*Storage)(r).Close() }

// ─── Tenants ─────────────────────────────────────────────────────────────────

func (s *Storage) PutTenant(ctx context.Context, rec storage.TenantRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	added := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(rec.ID)) != nil {
			return nil
		}
		val, err := sonic.Marshal(&rec)
		if err != nil {
			return err
		}
		added = true
		return b.Put([]byte(rec.ID), val)
	})
	if err != nil {
		return false, fmt.Errorf("local storage: put tenant %s: %w", rec.ID, err)
	}
	return added, nil
}

func (s *Storage) ListTenants(ctx context.Context) ([]storage.TenantRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []storage.TenantRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(_, v []byte) error {
			var rec storage.TenantRecord
			if err := sonic.Unmarshal(bytes.Clone(v), &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: list tenants: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteTenant(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTenants).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("local storage: delete tenant %s: %w", id, err)
	}
	return nil
}
