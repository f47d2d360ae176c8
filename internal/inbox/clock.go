package inbox

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing unix-nano timestamps. All inboxes of a
// process share one clock so records of different entity types landing in
// the same shard keep their send order.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// DefaultClock is the process-wide clock.
var DefaultClock = NewClock(time.Now)

// NewClock returns a clock reading time from now.
func NewClock(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Next returns a timestamp greater than every previous one.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UnixNano()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return n
}

// Now returns the current wall time in unix nanos without advancing.
func (c *Clock) Now() int64 { return c.now().UnixNano() }
