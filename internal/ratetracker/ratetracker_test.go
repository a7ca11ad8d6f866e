package ratetracker_test

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/neigh/internal/ratetracker"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestRecord_CountsWithinWindow(t *testing.T) {
	t.Parallel()

	tr := ratetracker.New(60 * time.Second)
	if got := tr.Record(epoch); got != 1 {
		t.Fatalf("Record = %d, want 1", got)
	}
	tr.Record(epoch.Add(10 * time.Second))
	tr.Record(epoch.Add(30 * time.Second))

	if got := tr.Count(epoch.Add(59 * time.Second)); got != 3 {
		t.Errorf("Count at +59s = %d, want 3", got)
	}
	// Exactly one window after the first event: it must be pruned.
	if got := tr.Count(epoch.Add(60 * time.Second)); got != 2 {
		t.Errorf("Count at +60s = %d, want 2", got)
	}
	if got := tr.Count(epoch.Add(91 * time.Second)); got != 0 {
		t.Errorf("Count at +91s = %d, want 0", got)
	}
}

func TestRecord_PrunesBeforeReturning(t *testing.T) {
	t.Parallel()

	tr := ratetracker.New(time.Minute)
	tr.Record(epoch)
	tr.Record(epoch.Add(time.Second))
	if got := tr.Record(epoch.Add(2 * time.Minute)); got != 1 {
		t.Errorf("Record after long gap = %d, want 1", got)
	}
}

func TestRecord_StaleTimestampContributesNothing(t *testing.T) {
	t.Parallel()

	tr := ratetracker.New(time.Minute)
	tr.Record(epoch)
	stale := epoch.Add(-2 * time.Minute)
	tr.Record(stale)
	if got := tr.Count(epoch); got != 1 {
		t.Errorf("Count = %d, want 1 (stale event must not count)", got)
	}
}

func TestCount_MatchesDefinition(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	const window = 60 * time.Second

	for trial := range 50 {
		tr := ratetracker.New(window)
		var all []time.Time
		ts := epoch
		for range rng.IntN(40) + 1 {
			ts = ts.Add(time.Duration(rng.IntN(20_000)) * time.Millisecond)
			all = append(all, ts)
			tr.Record(ts)
		}
		now := ts.Add(time.Duration(rng.IntN(90_000)) * time.Millisecond)

		want := 0
		for _, e := range all {
			if now.Sub(e) < window {
				want++
			}
		}
		if got := tr.Count(now); got != want {
			t.Fatalf("trial %d: Count = %d, want %d", trial, got, want)
		}
	}
}

func TestTracker_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	tr := ratetracker.New(time.Minute)
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for i := range 200 {
				tr.Count(epoch.Add(time.Duration(i) * time.Millisecond))
			}
		})
	}
	for i := range 200 {
		tr.Record(epoch.Add(time.Duration(i) * time.Millisecond))
	}
	wg.Wait()
	if got := tr.Count(epoch.Add(time.Second)); got != 200 {
		t.Errorf("Count = %d, want 200", got)
	}
}
