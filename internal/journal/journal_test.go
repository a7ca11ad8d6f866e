package journal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/neigh/internal/journal"
	"github.com/MrWong99/neigh/internal/journal/mock"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

func entry(at time.Time, label classifier.Label) journal.Entry {
	return journal.Entry{At: at, Label: label, RawDuration: 700 * time.Millisecond, Volume: 420}
}

func TestNewWriter_Validation(t *testing.T) {
	t.Parallel()

	if _, err := journal.NewWriter(nil, 1); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := journal.NewWriter(&mock.Store{}, 0); err == nil {
		t.Error("expected error for zero queue size")
	}
}

func TestWriter_InsertsInOrder(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	w, err := journal.NewWriter(store, 8)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	base := time.Unix(1000, 0)
	for i := range 3 {
		if err := w.Submit(entry(base.Add(time.Duration(i)*time.Second), classifier.LabelAnimal)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(store.Entries()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d entries inserted", len(store.Entries()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := store.Entries()
	for i, e := range got {
		if want := base.Add(time.Duration(i) * time.Second); !e.At.Equal(want) {
			t.Errorf("entry %d at %v, want %v", i, e.At, want)
		}
	}
}

func TestWriter_FlushesOnShutdown(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	w, _ := journal.NewWriter(store, 8)
	for range 5 {
		_ = w.Submit(entry(time.Now(), classifier.LabelOther))
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(store.Entries()); n != 5 {
		t.Errorf("flushed %d entries, want 5", n)
	}
	if err := w.Submit(entry(time.Now(), classifier.LabelOther)); !errors.Is(err, journal.ErrClosed) {
		t.Errorf("Submit after Run = %v, want ErrClosed", err)
	}
}

func TestWriter_FullQueueDrops(t *testing.T) {
	t.Parallel()

	w, _ := journal.NewWriter(&mock.Store{}, 2)
	for i := range 2 {
		if err := w.Submit(entry(time.Now(), classifier.LabelAnimal)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := w.Submit(entry(time.Now(), classifier.LabelAnimal)); !errors.Is(err, journal.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestWriter_InsertErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	store := &mock.Store{InsertErr: errors.New("db down")}
	w, _ := journal.NewWriter(store, 4)
	_ = w.Submit(entry(time.Now(), classifier.LabelAnimal))
	_ = w.Submit(entry(time.Now(), classifier.LabelAnimal))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if n := store.InsertCalls(); n != 2 {
		t.Errorf("InsertCalls = %d, want 2", n)
	}
}

func TestTimestamps_FiltersWindowAndLabel(t *testing.T) {
	t.Parallel()

	now := time.Unix(10_000, 0)
	store := &mock.Store{}
	store.Seed(
		entry(now.Add(-90*time.Second), classifier.LabelAnimal),
		entry(now.Add(-50*time.Second), classifier.LabelAnimal),
		entry(now.Add(-40*time.Second), classifier.LabelOther),
		entry(now.Add(-10*time.Second), classifier.LabelAnimal),
	)

	got, err := journal.Timestamps(t.Context(), store, classifier.LabelAnimal, now, time.Minute)
	if err != nil {
		t.Fatalf("Timestamps: %v", err)
	}
	want := []time.Time{now.Add(-50 * time.Second), now.Add(-10 * time.Second)}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("ts %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTimestamps_StoreError(t *testing.T) {
	t.Parallel()

	store := &mock.Store{SinceErr: errors.New("boom")}
	if _, err := journal.Timestamps(t.Context(), store, classifier.LabelAnimal, time.Now(), time.Minute); err == nil {
		t.Fatal("expected error")
	}
}
