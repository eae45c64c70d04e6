// Package clock abstracts the current time so that rate windows, cache
// TTLs and room ages can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the wall clock. time.Now carries a monotonic reading,
// so elapsed-time comparisons are immune to wall clock jumps.
func Real() Clock { return realClock{} }

// FakeClock stands still until Advance is called.
type FakeClock struct {
	mx      sync.Mutex
	current time.Time
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.current
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mx.Lock()
	c.current = c.current.Add(d)
	c.mx.Unlock()
}
