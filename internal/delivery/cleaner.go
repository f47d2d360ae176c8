package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/epochcqrs/internal/inbox"
	"github.com/snehjoshi/epochcqrs/internal/metrics"
	"github.com/snehjoshi/epochcqrs/internal/storage"
)

// Cleaner removes delivered inbox records once they are older than the dedup
// window.
//
// Delivered records are only kept so a redelivered envelope can be
// recognised. Past the window they are dead weight and without cleaning the
// delivered set grows with every message ever handled.
type Cleaner struct {
	store    storage.InboxStorage
	window   time.Duration
	interval time.Duration
	clock    *inbox.Clock
	logger   *slog.Logger
	metrics  *metrics.Registry

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCleaner returns a Cleaner that will run RunOnce every interval.
func NewCleaner(store storage.InboxStorage, window, interval time.Duration, clock *inbox.Clock, logger *slog.Logger, m *metrics.Registry) *Cleaner {
	if clock == nil {
		clock = inbox.DefaultClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:    store,
		window:   window,
		interval: interval,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Start launches the background goroutine. It returns immediately.
func (c *Cleaner) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
				if _, err := c.RunOnce(ctx); err != nil {
					c.logger.Warn("delivery: cleaner tick failed", "err", err)
				}
				cancel()
			}
		}
	}()
}

// Stop signals the goroutine to exit and waits for it. Safe to call twice.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RunOnce purges delivered records older than the window and returns how
// many were removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.clock.Now() - c.window.Nanoseconds()
	n, err := c.store.Purge(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("delivery: purge: %w", err)
	}
	c.metrics.Purged(n)
	if n > 0 {
		c.logger.Info("delivered inbox records purged", "count", n, "window", c.window)
	}
	return n, nil
}

// Purge runs one cleaning cycle with the delivery's dedup window.
func (d *Delivery) Purge(ctx context.Context) (int, error) {
	if d.opts.Storage == nil {
		return 0, nil
	}
	return d.newCleaner(time.Hour).RunOnce(ctx)
}

// StartCleaner purges delivered records every interval until Stop.
func (d *Delivery) StartCleaner(interval time.Duration) {
	if d.opts.Storage == nil || interval <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleaner != nil {
		return
	}
	d.cleaner = d.newCleaner(interval)
	d.cleaner.Start()
}

func (d *Delivery) newCleaner(interval time.Duration) *Cleaner {
	return NewCleaner(d.opts.Storage, d.opts.DedupWindow, interval, d.opts.Clock, d.opts.Logger, d.opts.Metrics)
}
