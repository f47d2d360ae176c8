// Package local is the durable single-node storage backend. Inbox records,
// entity records and the tenant list share one bbolt file.
package local

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochcqrs/internal/storage"
)

const dbFileName = "epochcqrs.db"

// ─── Local Storage Config ────────────────────────────────────────────────────

// FsyncPolicy controls when writes are flushed to physical disk.
// Values mirror Config.Storage.Fsync so the CLI can pass them straight through.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync on every bbolt commit (safest, slowest)
	FsyncInterval FsyncPolicy = "interval" // fsync every FsyncIntervalMs milliseconds
	FsyncNever    FsyncPolicy = "never"    // never fsync (fastest, risks data loss)
)

// Config holds options that tune local.Storage behaviour.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	Fsync           FsyncPolicy
	FsyncIntervalMs int // used when Fsync == FsyncInterval
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Fsync:           FsyncAlways,
		FsyncIntervalMs: 200,
	}
}

// ─── Storage ─────────────────────────────────────────────────────────────────

// Storage is the single-node, disk-backed implementation of
// storage.InboxStorage and storage.TenantStorage. Records exposes the entity
// side as a storage.RecordStorage. Everything lives in one bbolt file:
//
//	pending/    shard(4) | when_received(8) | id  → InboxMessage
//	delivered/  shard(4) | delivered_at(8)  | id  → InboxMessage
//	dead/       shard(4) | when_received(8) | id  → InboxMessage
//	ids/        id → status(1) | key in the status bucket
//	entities/   tenant 0x00 type_url 0x00 id     → EntityRecord
//	tenants/    id → TenantRecord
//
// bbolt is ACID, so moving a record between status buckets is one commit and
// the file is consistent after a crash. All methods are safe for concurrent use.
type Storage struct {
	db  *bbolt.DB
	dir string
	cfg Config

	// fsync background goroutine lifecycle.
	fsyncTicker *time.Ticker
	fsyncDone   chan struct{}
	fsyncWG     sync.WaitGroup
	fsyncOnce   sync.Once

	closeOnce sync.Once
}

var (
	_ storage.InboxStorage  = (*Storage)(nil)
	_ storage.TenantStorage = (*Storage)(nil)
	_ storage.RecordStorage = (*records)(nil)
)

// ─── Open ─────────────────────────────────────────────────────────────────────

// Open creates (or reopens) a Storage backed by a bbolt file in dir.
// An optional Config can be supplied; defaults are used for any zero-field.
func Open(dir string, cfgs ...Config) (*Storage, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncIntervalMs > 0 {
			cfg.FsyncIntervalMs = c.FsyncIntervalMs
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, dbFileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  cfg.Fsync != FsyncAlways,
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local storage: init buckets: %w", err)
	}

	s := &Storage{db: db, dir: dir, cfg: cfg}
	s.startFsync()
	return s, nil
}

// Dir returns the directory holding the database file.
func (s *Storage) Dir() string { return s.dir }

// ─── Background fsync ─────────────────────────────────────────────────────────

// startFsync launches the periodic fsync goroutine when the policy requires it.
func (s *Storage) startFsync() {
	if s.cfg.Fsync != FsyncInterval {
		return
	}
	interval := time.Duration(s.cfg.FsyncIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	s.fsyncTicker = time.NewTicker(interval)
	s.fsyncDone = make(chan struct{})
	s.fsyncWG.Add(1)
	go func() {
		defer s.fsyncWG.Done()
		for {
			select {
			case <-s.fsyncDone:
				return
			case <-s.fsyncTicker.C:
				_ = s.db.Sync()
			}
		}
	}()
}

// stopFsync shuts down the periodic fsync goroutine.
// Safe to call multiple times.
func (s *Storage) stopFsync() {
	if s.fsyncTicker == nil {
		return
	}
	s.fsyncOnce.Do(func() {
		s.fsyncTicker.Stop()
		close(s.fsyncDone)
	})
	s.fsyncWG.Wait()
}

// Close flushes and closes the database. Safe to call multiple times; only
// the first call performs the actual close.
func (s *Storage) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.stopFsync()
		if s.cfg.Fsync != FsyncAlways {
			_ = s.db.Sync()
		}
		if err := s.db.Close(); err != nil {
			closeErr = fmt.Errorf("local storage: close: %w", err)
		}
	})
	return closeErr
}
