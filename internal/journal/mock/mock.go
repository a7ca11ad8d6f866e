// Package mock provides an in-memory [journal.Store] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/neigh/internal/journal"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

// Store is a mock implementation of journal.Store. Entries are kept in
// insertion order.
type Store struct {
	mu sync.Mutex

	// InsertErr, if non-nil, is returned by every Insert call and the entry
	// is not kept.
	InsertErr error

	// SinceErr, if non-nil, is returned by Since.
	SinceErr error

	// InsertDelay blocks each Insert for the given duration or until ctx is
	// done.
	InsertDelay time.Duration

	entries     []journal.Entry
	insertCalls int
	closed      bool
}

// Seed appends entries as if they had been inserted.
func (s *Store) Seed(entries ...journal.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
}

// Insert implements journal.Store.
func (s *Store) Insert(ctx context.Context, e journal.Entry) error {
	if s.InsertDelay > 0 {
		t := time.NewTimer(s.InsertDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.entries = append(s.entries, e)
	return nil
}

// Since implements journal.Store.
func (s *Store) Since(_ context.Context, label classifier.Label, t time.Time) ([]journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SinceErr != nil {
		return nil, s.SinceErr
	}
	var out []journal.Entry
	for _, e := range s.entries {
		if e.At.Before(t) || (label != "" && e.Label != label) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close implements journal.Store.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Entries returns a copy of the stored entries.
func (s *Store) Entries() []journal.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]journal.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// InsertCalls returns how many times Insert was called.
func (s *Store) InsertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertCalls
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reset clears all entries and counters. Error fields are left unchanged.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.insertCalls = 0
	s.closed = false
}

var _ journal.Store = (*Store)(nil)
