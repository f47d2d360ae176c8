package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// ReadyFunc receives an entry whose due time has come. It runs on the
// scheduler goroutine and must not block for long.
type ReadyFunc func(id, key string)

// Scheduler fires ReadyFunc for each entry at or after its due time.
//
//	s := scheduler.New(nil)
//	s.Start(ctx, func(id, key string) { bus.release(id) })
//	defer s.Stop()
//	s.Schedule(env.ID(), env.Type(), env.DeliverAt())
//
// All methods are safe for concurrent use.
type Scheduler struct {
	now func() time.Time

	mu   sync.Mutex
	h    entryHeap
	byID map[string]*entry

	// wake has capacity 1; Schedule signals it so the goroutine recomputes
	// its sleep.
	wake chan struct{}

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New returns a stopped scheduler. now defaults to time.Now.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	h := make(entryHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		now:  now,
		h:    h,
		byID: make(map[string]*entry),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Schedule adds id under key, due at at. A past due time fires on the next
// turn of the goroutine. Scheduling an id again replaces the earlier entry.
func (s *Scheduler) Schedule(id, key string, at time.Time) {
	s.mu.Lock()
	if prev, ok := s.byID[id]; ok {
		prev.cancelled = true
		s.h.remove(prev.idx)
		delete(s.byID, id)
	}
	e := &entry{id: id, key: key, due: at.UnixNano()}
	heap.Push(&s.h, e)
	s.byID[id] = e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel drops id. It reports whether id was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	e.cancelled = true
	s.h.remove(e.idx)
	delete(s.byID, id)
	return true
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CountByKey returns the number of pending entries under key.
func (s *Scheduler) CountByKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.byID {
		if e.key == key {
			n++
		}
	}
	return n
}

// Start launches the goroutine. Call it once.
func (s *Scheduler) Start(ctx context.Context, ready ReadyFunc) {
	s.wg.Add(1)
	go s.run(ctx, ready)
}

// Stop ends the goroutine and waits for it. Pending entries are abandoned.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ─── Goroutine ───────────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, ready ReadyFunc) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peek()
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.wake:
			}
			continue
		}

		delay := time.Duration(next.due - s.now().UnixNano())
		if delay <= 0 {
			s.fire(ready)
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fire(ready)
		}
	}
}

func (s *Scheduler) fire(ready ReadyFunc) {
	s.mu.Lock()
	e := s.pop()
	s.mu.Unlock()
	if e != nil {
		ready(e.id, e.key)
	}
}

// peek returns the root, dropping cancelled entries. s.mu must be held.
func (s *Scheduler) peek() *entry {
	for s.h.Len() > 0 {
		root := s.h[0]
		if !root.cancelled {
			return root
		}
		heap.Pop(&s.h)
	}
	return nil
}

// pop removes and returns the root. s.mu must be held.
func (s *Scheduler) pop() *entry {
	for s.h.Len() > 0 {
		e := heap.Pop(&s.h).(*entry)
		if e.cancelled {
			continue
		}
		delete(s.byID, e.id)
		return e
	}
	return nil
}
