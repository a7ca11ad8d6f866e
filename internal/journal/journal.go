// Package journal keeps an append-only log of classification outcomes.
//
// Each classified segment produces one [Entry]. Entries are handed to a
// [Writer], which inserts them into a [Store] from a background worker so
// the capture loop never waits on the database. A full queue drops the
// entry; insert failures are logged and counted.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/neigh/internal/observe"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

var (
	// ErrQueueFull is returned by [Writer.Submit] when the entry was dropped.
	ErrQueueFull = errors.New("journal: queue full")

	// ErrClosed is returned by [Writer.Submit] once the worker has stopped.
	ErrClosed = errors.New("journal: writer closed")
)

// insertTimeout bounds a single insert.
const insertTimeout = 5 * time.Second

// Entry is one classification outcome.
type Entry struct {
	// At is when the segment was classified.
	At time.Time

	// Label is the classifier's verdict.
	Label classifier.Label

	// RawDuration is the segment length before normalisation.
	RawDuration time.Duration

	// Forced is true when the segment hit the hard length cap.
	Forced bool

	// Volume is the RMS of the normalised segment.
	Volume float64

	// Intensity is the commanded strength, zero for segments that did not
	// trigger actuation.
	Intensity float64

	// RecentCount is the number of detections in the rate window, zero for
	// segments that did not trigger actuation.
	RecentCount int
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	// Insert appends e.
	Insert(ctx context.Context, e Entry) error

	// Since returns the entries with the given label classified at or after
	// t, oldest first. An empty label matches every entry.
	Since(ctx context.Context, label classifier.Label, t time.Time) ([]Entry, error)

	// Close releases the store's resources.
	Close()
}

// Option is a functional option for [NewWriter].
type Option func(*Writer)

// WithMetrics counts insert outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// Writer inserts entries asynchronously. Submit is safe for concurrent use;
// Run must be called exactly once.
type Writer struct {
	store   Store
	queue   chan Entry
	metrics *observe.Metrics

	mu     sync.RWMutex
	closed bool
}

// NewWriter returns a Writer for store with room for queueSize pending
// entries.
func NewWriter(store Store, queueSize int, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, errors.New("journal: store is nil")
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("journal: queue size must be positive, got %d", queueSize)
	}
	w := &Writer{store: store, queue: make(chan Entry, queueSize)}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Submit queues e without blocking.
func (w *Writer) Submit(e Entry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- e:
		return nil
	default:
		w.record(observe.StatusDropped)
		slog.Warn("journal: queue full, dropping entry", "label", e.Label)
		return ErrQueueFull
	}
}

// Run inserts queued entries until ctx is cancelled, then flushes what is
// still queued and returns nil.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case e := <-w.queue:
			w.insert(ctx, e)
		case <-ctx.Done():
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-w.queue:
					w.insert(flushCtx, e)
				default:
					return nil
				}
			}
		}
	}
}

func (w *Writer) insert(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()
	if err := w.store.Insert(ctx, e); err != nil {
		w.record(observe.StatusFailed)
		slog.Warn("journal: insert failed", "label", e.Label, "err", err)
		return
	}
	w.record(observe.StatusWritten)
}

func (w *Writer) record(status string) {
	if w.metrics != nil {
		w.metrics.RecordJournalWrite(context.Background(), status)
	}
}

// Timestamps returns the classification times of entries with label within
// window before now, oldest first. It is used to seed the rate tracker after
// a restart.
func Timestamps(ctx context.Context, s Store, label classifier.Label, now time.Time, window time.Duration) ([]time.Time, error) {
	entries, err := s.Since(ctx, label, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("journal: load recent: %w", err)
	}
	out := make([]time.Time, len(entries))
	for i, e := range entries {
		out[i] = e.At
	}
	return out, nil
}
