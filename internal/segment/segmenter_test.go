package segment_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/neigh/internal/segment"
	"github.com/MrWong99/neigh/pkg/audio"
)

const (
	testRate      = 16000
	testFrameSize = 1024
)

// ── helpers ──────────────────────────────────────────────────────────────────

func defaultConfig() segment.Config {
	return segment.Config{
		Threshold:        160,
		SampleRate:       testRate,
		FrameSize:        testFrameSize,
		PreRoll:          200 * time.Millisecond,
		MaxSilence:       100 * time.Millisecond,
		SegmentLength:    time.Second,
		MaxSegmentLength: 5 * time.Second,
	}
}

// frame returns a frame whose RMS equals amp exactly.
func frame(amp int16) audio.Frame {
	s := make([]int16, testFrameSize)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.Frame{Samples: s, SampleRate: testRate}
}

func newSegmenter(t *testing.T, cfg segment.Config) *segment.Segmenter {
	t.Helper()
	s, err := segment.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// feed pushes frames and collects every emitted segment.
func feed(s *segment.Segmenter, frames ...audio.Frame) []audio.Segment {
	var out []audio.Segment
	for _, f := range frames {
		if seg, ok := s.Push(f); ok {
			out = append(out, seg)
		}
	}
	return out
}

func repeat(f audio.Frame, n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = f
	}
	return out
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.SampleRate = 0
	cfg.SegmentLength = 0
	if _, err := segment.New(cfg); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestSegmenter_StartsIdle(t *testing.T) {
	t.Parallel()
	s := newSegmenter(t, defaultConfig())
	if s.State() != segment.StateIdle {
		t.Errorf("initial state = %v, want idle", s.State())
	}
	// ceil(0.2 × 16000 / 1024) = 4
	if s.PreRollCap() != 4 {
		t.Errorf("PreRollCap = %d, want 4", s.PreRollCap())
	}
}

func TestSegmenter_QuietStaysIdle(t *testing.T) {
	t.Parallel()
	s := newSegmenter(t, defaultConfig())
	if segs := feed(s, repeat(frame(159), 50)...); len(segs) != 0 {
		t.Fatalf("emitted %d segments for quiet input", len(segs))
	}
	if s.State() != segment.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestSegmenter_ThresholdIsInclusive(t *testing.T) {
	t.Parallel()
	s := newSegmenter(t, defaultConfig())
	s.Push(frame(160))
	if s.State() != segment.StateRecording {
		t.Errorf("state = %v, want recording at RMS == threshold", s.State())
	}
}

func TestSegmenter_EmitsExactlyOneNormalizedSegment(t *testing.T) {
	t.Parallel()

	for _, loudFrames := range []int{1, 3, 8, 20, 40} {
		s := newSegmenter(t, defaultConfig())

		var frames []audio.Frame
		frames = append(frames, repeat(frame(0), 10)...)
		frames = append(frames, repeat(frame(1000), loudFrames)...)
		frames = append(frames, repeat(frame(10), 10)...)

		segs := feed(s, frames...)
		if len(segs) != 1 {
			t.Fatalf("loud=%d: emitted %d segments, want 1", loudFrames, len(segs))
		}
		if got := len(segs[0].Samples); got != testRate {
			t.Errorf("loud=%d: segment has %d samples, want %d", loudFrames, got, testRate)
		}
		if segs[0].Forced {
			t.Errorf("loud=%d: segment unexpectedly forced", loudFrames)
		}
		if s.State() != segment.StateIdle {
			t.Errorf("loud=%d: state after emit = %v, want idle", loudFrames, s.State())
		}
	}
}

func TestSegmenter_SilenceRunMustBeConsecutive(t *testing.T) {
	t.Parallel()

	// max_silence 0.1s at 1024-sample frames = 2 quiet frames.
	s := newSegmenter(t, defaultConfig())
	loud, quiet := frame(1000), frame(0)

	if segs := feed(s, loud, quiet, loud, quiet, loud); len(segs) != 0 {
		t.Fatalf("single quiet frames ended the segment early")
	}
	segs := feed(s, quiet, quiet)
	if len(segs) != 1 {
		t.Fatalf("emitted %d segments after two quiet frames, want 1", len(segs))
	}
}

func TestSegmenter_SeedsWithPreRoll(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, defaultConfig())
	feed(s, repeat(frame(5), 10)...)
	if s.PreRollLen() != 4 {
		t.Fatalf("PreRollLen = %d, want 4", s.PreRollLen())
	}

	segs := feed(s, frame(1000), frame(0), frame(0))
	if len(segs) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(segs))
	}
	// 4 pre-roll + 1 onset + 2 quiet frames.
	if want := 7 * testFrameSize; segs[0].RawSamples != want {
		t.Errorf("RawSamples = %d, want %d", segs[0].RawSamples, want)
	}
	// The onset frame sits right after the four pre-roll frames.
	if got := segs[0].Samples[4*testFrameSize]; got != 1000 {
		t.Errorf("sample at onset = %d, want 1000", got)
	}
	if got := segs[0].Samples[0]; got != 5 {
		t.Errorf("first sample = %d, want pre-roll audio (5)", got)
	}
}

func TestSegmenter_LongSegmentTruncated(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, defaultConfig())
	segs := feed(s, append(repeat(frame(1000), 30), frame(0), frame(0))...)
	if len(segs) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(segs))
	}
	if len(segs[0].Samples) != testRate {
		t.Errorf("segment has %d samples, want %d", len(segs[0].Samples), testRate)
	}
	if segs[0].RawSamples != 32*testFrameSize {
		t.Errorf("RawSamples = %d, want %d", segs[0].RawSamples, 32*testFrameSize)
	}
}

func TestSegmenter_HardCapForceEmits(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxSegmentLength = time.Second
	s := newSegmenter(t, cfg)

	// 40 loud frames ≈ 2.56s of continuous noise.
	segs := feed(s, repeat(frame(1000), 40)...)
	if len(segs) != 2 {
		t.Fatalf("emitted %d segments, want 2", len(segs))
	}
	for i, seg := range segs {
		if !seg.Forced {
			t.Errorf("segment %d not marked forced", i)
		}
		if len(seg.Samples) != testRate {
			t.Errorf("segment %d has %d samples", i, len(seg.Samples))
		}
		if seg.RawSamples < testRate {
			t.Errorf("segment %d emitted before the cap: %d raw samples", i, seg.RawSamples)
		}
	}
}

func TestSegmenter_HardCapDisabled(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxSegmentLength = 0
	s := newSegmenter(t, cfg)
	if segs := feed(s, repeat(frame(1000), 500)...); len(segs) != 0 {
		t.Fatalf("emitted %d segments with the cap disabled", len(segs))
	}
	if s.State() != segment.StateRecording {
		t.Errorf("state = %v, want recording", s.State())
	}
}

func TestSegmenter_Reset(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, defaultConfig())
	feed(s, frame(0), frame(0), frame(1000), frame(1000))
	s.Reset()
	if s.State() != segment.StateIdle {
		t.Errorf("state after Reset = %v, want idle", s.State())
	}
	if s.PreRollLen() != 0 {
		t.Errorf("PreRollLen after Reset = %d, want 0", s.PreRollLen())
	}
	// The discarded partial segment must not leak into the next one.
	segs := feed(s, frame(1000), frame(0), frame(0))
	if len(segs) != 1 || segs[0].RawSamples != 3*testFrameSize {
		t.Fatalf("segment after Reset = %+v", segs)
	}
}

func TestSegmenter_EndToEndScenario(t *testing.T) {
	t.Parallel()

	// 0.5s loud followed by 0.3s silence at threshold 160, max_silence 0.1s.
	loud := make([]int16, testRate/2)
	for i := range loud {
		loud[i] = 500
	}
	samples := append(loud, make([]int16, testRate*3/10)...)

	s := newSegmenter(t, defaultConfig())
	segs := feed(s, audio.Split(samples, testFrameSize, testRate)...)
	if len(segs) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(segs))
	}
	if got := segs[0].Duration(); got != time.Second {
		t.Errorf("segment duration = %v, want 1s", got)
	}
}

func TestPreRoll_NeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for _, capacity := range []int{0, 1, 3, 4, 17} {
		p := segment.NewPreRoll(capacity)
		for i := range 500 {
			if rng.IntN(10) == 0 {
				p.Clear()
			}
			p.Push(audio.Frame{Timestamp: time.Duration(i)})
			if p.Len() > capacity {
				t.Fatalf("cap %d: Len = %d after %d pushes", capacity, p.Len(), i+1)
			}
		}
	}
}

func TestPreRoll_EvictsOldestFirst(t *testing.T) {
	t.Parallel()

	p := segment.NewPreRoll(3)
	for i := range 5 {
		p.Push(audio.Frame{Timestamp: time.Duration(i)})
	}
	got := p.Frames()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []time.Duration{2, 3, 4} {
		if got[i].Timestamp != want {
			t.Errorf("frame %d timestamp = %d, want %d", i, got[i].Timestamp, want)
		}
	}
}
