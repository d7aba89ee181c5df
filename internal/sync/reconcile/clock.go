package reconcile

import (
	"sync"
	"time"
)

// Clock issues server timestamps in epoch milliseconds.
//
// Write stamps are strictly greater than every timestamp handed out before
// them, and pull timestamps are never smaller than a write stamp already
// issued. A client that stores a pull timestamp T therefore sees every
// later write with last_modified_at > T.
type Clock struct {
	mu   sync.Mutex
	wall func() time.Time
	last int64
}

// NewClock returns a Clock reading wall time from now, or time.Now if nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{wall: now}
}

// Wall returns the current wall time in milliseconds, for bookkeeping
// fields that need no ordering guarantee.
func (c *Clock) Wall() int64 {
	return c.wall().UnixMilli()
}

// Now returns a pull timestamp: max(wall, last issued stamp).
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.wall().UnixMilli()
	if n < c.last {
		n = c.last
	}
	c.last = n
	return n
}

// Observe raises the last issued stamp to ts. Stamps already persisted are
// observed at startup so a wall clock that moved backwards across a restart
// cannot hand out values below them.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.last {
		c.last = ts
	}
}

// Next returns a write stamp for a record whose current stamp is existing
// (0 for a new record): max(wall, last+1, existing+1).
func (c *Clock) Next(existing int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.wall().UnixMilli()
	if n <= c.last {
		n = c.last + 1
	}
	if n <= existing {
		n = existing + 1
	}
	c.last = n
	return n
}
