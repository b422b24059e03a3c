package capture

import (
	"sync/atomic"
	"time"
)

// Clock returns freshness ticks. Ticks must be strictly increasing across
// calls from any goroutine so a write stamped after an acquire always
// compares newer.
type Clock interface {
	Now() int64
}

type monotonicClock struct {
	start time.Time
	last  atomic.Int64
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Now() int64 {
	now := int64(time.Since(c.start))
	for {
		prev := c.last.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}
