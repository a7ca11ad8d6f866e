package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Heartbeat tracks the last time a loop made progress. The zero value has
// never beaten.
type Heartbeat struct {
	last atomic.Int64 // unix nanoseconds
	now  func() time.Time
}

// Beat records progress at the current time.
func (h *Heartbeat) Beat() {
	h.last.Store(h.clock().UnixNano())
}

// Last returns the time of the most recent beat, or the zero time.
func (h *Heartbeat) Last() time.Time {
	n := h.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (h *Heartbeat) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// Checker returns a [Checker] that fails when the heartbeat is older than
// maxAge or has never beaten.
func (h *Heartbeat) Checker(name string, maxAge time.Duration) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			last := h.Last()
			if last.IsZero() {
				return fmt.Errorf("no progress yet")
			}
			if age := h.clock().Sub(last); age > maxAge {
				return fmt.Errorf("last progress %v ago", age.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// Func adapts a context-free check to a [Checker].
func Func(name string, check func() error) Checker {
	return Checker{
		Name:  name,
		Check: func(context.Context) error { return check() },
	}
}
