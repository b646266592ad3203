// Package ratelimit admits or rejects requests per identity.
//
// The limiter is a fixed 60-second window counter, reset on the first request
// after the window expires. Bursts straddling a window boundary can briefly
// exceed the nominal rate; that approximation is part of the contract, not a
// bug to fix here.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	window    = 60 * time.Second
	staleIdle = 3600 * time.Second
)

type counter struct {
	count       int
	windowStart time.Time
}

type Limiter struct {
	limit atomic.Int64

	mu       sync.Mutex
	counters map[string]*counter

	// now is swappable for tests.
	now func() time.Time
}

func New(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	l := &Limiter{
		counters: map[string]*counter{},
		now:      time.Now,
	}
	l.limit.Store(int64(perMinute))
	return l
}

// SetLimit swaps the per-minute limit at runtime. Takes effect on the next Allow.
func (l *Limiter) SetLimit(perMinute int) {
	if perMinute > 0 {
		l.limit.Store(int64(perMinute))
	}
}

// Allow reports whether identity may make another request right now.
// The request that pushes the count over the limit is itself rejected,
// but still counted.
func (l *Limiter) Allow(identity string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[identity]
	if !ok {
		c = &counter{windowStart: now}
		l.counters[identity] = c
	}

	if now.Sub(c.windowStart) > window {
		c.count = 1
		c.windowStart = now
		return true
	}

	c.count++
	return int64(c.count) <= l.limit.Load()
}

// Sweep drops counters that have not seen a window reset in over an hour,
// bounding memory growth from one-shot identities.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for identity, c := range l.counters {
		if now.Sub(c.windowStart) > staleIdle {
			delete(l.counters, identity)
			removed++
		}
	}
	return removed
}

// Size reports the number of tracked identities. Diagnostic only.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
