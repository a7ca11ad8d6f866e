// Package ratetracker counts positive detections inside a sliding time window.
package ratetracker

import (
	"sync"
	"time"
)

// Tracker holds the timestamps of recent events. Timestamps are private; the
// only views are [Tracker.Record] and [Tracker.Count], both of which prune
// before answering so a stale event is never counted.
//
// Tracker is safe for concurrent use. The pipeline mutates it from a single
// goroutine, but health and metrics readers may call Count concurrently.
type Tracker struct {
	window time.Duration

	mu     sync.Mutex
	events []time.Time // ascending
}

// New returns a Tracker with the given window width.
func New(window time.Duration) *Tracker {
	return &Tracker{window: window}
}

// Window returns the configured window width.
func (t *Tracker) Window() time.Duration { return t.window }

// Record appends now and prunes every event with now - ts >= window. It
// returns the count after pruning.
func (t *Tracker) Record(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Keep the slice sorted even if the clock steps backwards.
	i := len(t.events)
	for i > 0 && t.events[i-1].After(now) {
		i--
	}
	t.events = append(t.events, time.Time{})
	copy(t.events[i+1:], t.events[i:])
	t.events[i] = now
	t.prune(now)
	return len(t.events)
}

// Count prunes events outside the window ending at now and returns how many
// remain.
func (t *Tracker) Count(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	return len(t.events)
}

// prune drops the expired prefix. Must be called with t.mu held.
func (t *Tracker) prune(now time.Time) {
	cut := 0
	for cut < len(t.events) && now.Sub(t.events[cut]) >= t.window {
		cut++
	}
	if cut == 0 {
		return
	}
	n := copy(t.events, t.events[cut:])
	clear(t.events[n:])
	t.events = t.events[:n]
}
