package recording_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/MrWong99/neigh/internal/recording"
	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

func segment(n int) audio.Segment {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i%200 - 100)
	}
	return audio.Segment{Samples: s, SampleRate: 16000}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	if _, err := recording.New(nil, "rec", 1); err == nil {
		t.Error("expected error for nil fs")
	}
	if _, err := recording.New(fs, "", 1); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := recording.New(fs, "rec", 0); err == nil {
		t.Error("expected error for zero queue")
	}
}

func TestWrite_LayoutAndContent(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, err := recording.New(fs, "/rec", 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	at := time.Unix(1700000000, 0)
	seg := segment(16000)

	path, err := r.Write(seg, classifier.LabelAnimal, at)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if want := filepath.Join("/rec", "animal", "output_1700000000.wav"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("format = %d Hz / %d ch / %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != len(seg.Samples) {
		t.Fatalf("decoded %d samples, want %d", len(buf.Data), len(seg.Samples))
	}
	for i, v := range buf.Data {
		if int16(v) != seg.Samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, v, seg.Samples[i])
		}
	}
}

func TestWrite_SameSecondGetsSuffix(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := recording.New(fs, "/rec", 4)
	at := time.Unix(42, 0)

	first, err := r.Write(segment(10), classifier.LabelOther, at)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Write(segment(10), classifier.LabelOther, at)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("both writes went to %q", first)
	}
	if filepath.Base(second) != "output_42_1.wav" {
		t.Errorf("second path = %q", second)
	}
}

func TestWrite_Errors(t *testing.T) {
	t.Parallel()

	r, _ := recording.New(afero.NewMemMapFs(), "/rec", 1)
	if _, err := r.Write(segment(10), "", time.Now()); err == nil {
		t.Error("expected error for empty label")
	}
	if _, err := r.Write(audio.Segment{Samples: []int16{1}}, classifier.LabelAnimal, time.Now()); err == nil {
		t.Error("expected error for zero sample rate")
	}

	ro, _ := recording.New(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/rec", 1)
	if _, err := ro.Write(segment(10), classifier.LabelAnimal, time.Now()); err == nil {
		t.Error("expected error on read-only filesystem")
	}
}

func TestRun_WritesQueuedAndFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := recording.New(fs, "/rec", 8, recording.WithClock(fixedClock(time.Unix(100, 0))))

	for range 3 {
		if err := r.Submit(segment(100), classifier.LabelAnimal); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	files, err := afero.ReadDir(fs, "/rec/animal")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("wrote %d files, want 3", len(files))
	}
	if err := r.Submit(segment(100), classifier.LabelAnimal); !errors.Is(err, recording.ErrClosed) {
		t.Errorf("Submit after Run = %v, want ErrClosed", err)
	}
}

func TestSubmit_FullQueueDrops(t *testing.T) {
	t.Parallel()

	r, _ := recording.New(afero.NewMemMapFs(), "/rec", 1)
	if err := r.Submit(segment(10), classifier.LabelOther); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := r.Submit(segment(10), classifier.LabelOther); !errors.Is(err, recording.ErrQueueFull) {
		t.Errorf("second Submit = %v, want ErrQueueFull", err)
	}
}

func TestRun_ContinuesAfterWriteFailure(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := recording.New(fs, "/rec", 4, recording.WithClock(fixedClock(time.Unix(7, 0))))

	_ = r.Submit(audio.Segment{Samples: []int16{1}}, classifier.LabelOther) // invalid rate
	_ = r.Submit(segment(10), classifier.LabelOther)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_ = r.Run(ctx)

	if ok, _ := afero.Exists(fs, "/rec/other/output_7.wav"); !ok {
		t.Error("valid segment after a failed write was not persisted")
	}
}
