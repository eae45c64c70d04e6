// Package ratelimit provides fixed window counters, both for a single
// connection and keyed by source address.
package ratelimit

import (
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
)

// staleFactor is how many windows a source bucket may sit idle
// before it is garbage-collected.
const staleFactor = 10

// gcThreshold is the bucket count above which Allow collects stale
// buckets inline instead of waiting for a periodic Collect.
const gcThreshold = 1024

// Window is a fixed window counter. The zero ceiling disables limiting.
type Window struct {
	clock  clock.Clock
	mx     sync.Mutex
	window time.Duration
	max    int
	start  time.Time
	count  int
}

func NewWindow(clk clock.Clock, window time.Duration, maxCount int) *Window {
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{
		clock:  clk,
		window: window,
		max:    maxCount,
	}
}

// Allow counts one event and reports whether it is within the ceiling.
func (w *Window) Allow() bool {
	if w.max <= 0 {
		return true
	}
	now := w.clock.Now()
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.start.IsZero() || now.Sub(w.start) >= w.window {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= w.max
}

type bucket struct {
	count       int
	windowStart time.Time
}

// SourceLimiter keeps one fixed window per source address.
type SourceLimiter struct {
	clock   clock.Clock
	mx      sync.Mutex
	window  time.Duration
	max     int
	buckets map[string]*bucket
}

func NewSourceLimiter(clk clock.Clock, window time.Duration, maxCount int) *SourceLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &SourceLimiter{
		clock:   clk,
		window:  window,
		max:     maxCount,
		buckets: make(map[string]*bucket),
	}
}

// Allow counts one event for addr and reports whether it is within the ceiling.
func (l *SourceLimiter) Allow(addr string) bool {
	if l.max <= 0 {
		return true
	}
	now := l.clock.Now()
	l.mx.Lock()
	defer l.mx.Unlock()

	b, ok := l.buckets[addr]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[addr] = &bucket{count: 1, windowStart: now}
		if len(l.buckets) > gcThreshold {
			l.collectLocked(now)
		}
		return true
	}
	b.count++
	return b.count <= l.max
}

// Collect drops buckets idle for far longer than the window.
// It returns the number of dropped buckets.
func (l *SourceLimiter) Collect() int {
	now := l.clock.Now()
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.collectLocked(now)
}

func (l *SourceLimiter) Len() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.buckets)
}

func (l *SourceLimiter) collectLocked(now time.Time) int {
	var n int
	for addr, b := range l.buckets {
		if now.Sub(b.windowStart) >= staleFactor*l.window {
			delete(l.buckets, addr)
			n++
		}
	}
	return n
}
