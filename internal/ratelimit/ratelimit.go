// Package ratelimit implements a sliding-window limiter keyed by an opaque
// string (socket id or client IP). Two instances with different parameters
// cover the two traffic shapes: coarse connection admission and fine
// per-socket job submission.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most max events per key inside a trailing window.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	events  map[string][]time.Time
}

func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		events: make(map[string][]time.Time),
	}
}

// Check records an event for key and reports whether it was admitted. The
// call is denied when the key already has max events inside the window;
// denied calls are not recorded, so a client hammering the limit doesn't
// push its own window forward.
func (l *Limiter) Check(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	kept := trim(l.events[key], now.Add(-l.window))

	if len(kept) >= l.max {
		l.events[key] = kept
		return false
	}

	l.events[key] = append(kept, now)
	return true
}

// Remove forgets a key entirely. Called on disconnect.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.events, key)
}

// Compact drops every key whose events have all expired. Runs from a
// periodic sweep so long-gone clients don't pin map entries.
func (l *Limiter) Compact() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)

	removed := 0
	for key, ts := range l.events {
		kept := trim(ts, cutoff)
		if len(kept) == 0 {
			delete(l.events, key)
			removed++
			continue
		}
		l.events[key] = kept
	}

	return removed
}

func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.events)
}

// trim drops timestamps at or before the cutoff. Timestamps are appended in
// order, so the first in-window index splits the slice.
func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}

	return ts[i:]
}
