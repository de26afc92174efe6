// Package ratelimit caps how many requests a single caller may submit
// per window. It sits in front of the decision endpoints; the engine
// itself never throttles.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one Allow call. Count includes the
// request being decided, so a denied request still advances the counter.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// MemoryLimiter is a fixed-window counter held in process memory. It is
// the default when no Redis address is configured and the fallback when
// Redis is unreachable.
type MemoryLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	counters map[string]*windowCounter
	sweepAt  time.Time
}

type windowCounter struct {
	started time.Time
	count   int
}

func NewInMemory(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		window:   window,
		counters: make(map[string]*windowCounter),
		sweepAt:  time.Now().UTC().Add(window),
	}
}

func (l *MemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(l.window)
	}

	c := l.counters[key]
	if c == nil || now.Sub(c.started) >= l.window {
		c = &windowCounter{started: now}
		l.counters[key] = c
	}
	c.count++

	return clamp(Decision{
		Allowed: c.count <= limit,
		Count:   c.count,
		Limit:   limit,
		ResetAt: c.started.Add(l.window),
	})
}

// sweep drops counters whose window has already closed so idle callers
// do not pile up entries between restarts.
func (l *MemoryLimiter) sweep(now time.Time) {
	for key, c := range l.counters {
		if now.Sub(c.started) >= l.window {
			delete(l.counters, key)
		}
	}
}

func clamp(d Decision) Decision {
	d.Remaining = d.Limit - d.Count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}
