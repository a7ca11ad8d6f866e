// Package segment cuts a continuous frame stream into utterance segments.
//
// The [Segmenter] is a two-state machine. In [StateIdle] frames feed a
// bounded [PreRoll]; a frame whose RMS reaches the threshold starts a
// recording seeded with the pre-roll so the onset is never clipped. In
// [StateRecording] every frame is kept until a run of quiet frames covering
// the configured silence timeout ends the segment, or the hard length cap is
// reached. Emitted segments are normalised to a fixed length.
//
// A Segmenter is not safe for concurrent use; it is owned by the capture
// goroutine.
package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/neigh/pkg/audio"
)

// State is the segmenter's current mode.
type State int

const (
	// StateIdle waits for an onset while filling the pre-roll.
	StateIdle State = iota

	// StateRecording accumulates frames until silence returns.
	StateRecording
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Config holds the segmentation parameters.
type Config struct {
	// Threshold is the RMS level (PCM sample units) at or above which a frame
	// counts as loud.
	Threshold float64

	// SampleRate is the frame sample rate in Hz.
	SampleRate int

	// FrameSize is the number of samples per frame.
	FrameSize int

	// PreRoll is how much audio before the onset is kept.
	PreRoll time.Duration

	// MaxSilence is how long the signal must stay below Threshold to end a
	// segment.
	MaxSilence time.Duration

	// SegmentLength is the fixed length every emitted segment is padded or
	// truncated to.
	SegmentLength time.Duration

	// MaxSegmentLength force-emits a segment that never regains silence once
	// its raw length reaches this value. Zero disables the cap.
	MaxSegmentLength time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %d", c.FrameSize))
	}
	if c.Threshold < 0 {
		errs = append(errs, fmt.Errorf("threshold must not be negative, got %v", c.Threshold))
	}
	if c.PreRoll < 0 {
		errs = append(errs, fmt.Errorf("pre-roll must not be negative, got %v", c.PreRoll))
	}
	if c.MaxSilence < 0 {
		errs = append(errs, fmt.Errorf("max silence must not be negative, got %v", c.MaxSilence))
	}
	if c.SegmentLength <= 0 {
		errs = append(errs, fmt.Errorf("segment length must be positive, got %v", c.SegmentLength))
	}
	if c.MaxSegmentLength < 0 {
		errs = append(errs, fmt.Errorf("max segment length must not be negative, got %v", c.MaxSegmentLength))
	}
	return errors.Join(errs...)
}

// Segmenter implements the onset/offset state machine.
type Segmenter struct {
	threshold     float64
	sampleRate    int
	silenceFrames int
	targetSamples int
	maxRawSamples int // 0 = unbounded

	state      State
	preRoll    *PreRoll
	frames     []audio.Frame
	rawSamples int
	quietRun   int
}

// New returns a Segmenter in [StateIdle].
func New(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	silence := audio.FramesFor(cfg.MaxSilence, cfg.SampleRate, cfg.FrameSize)
	if silence < 1 {
		silence = 1
	}
	s := &Segmenter{
		threshold:     cfg.Threshold,
		sampleRate:    cfg.SampleRate,
		silenceFrames: silence,
		targetSamples: audio.SamplesFor(cfg.SegmentLength, cfg.SampleRate),
		preRoll:       NewPreRoll(audio.FramesFor(cfg.PreRoll, cfg.SampleRate, cfg.FrameSize)),
	}
	if cfg.MaxSegmentLength > 0 {
		s.maxRawSamples = audio.SamplesFor(cfg.MaxSegmentLength, cfg.SampleRate)
	}
	return s, nil
}

// Push feeds one frame. When the frame completes a segment, the normalised
// segment is returned with ok set to true.
func (s *Segmenter) Push(f audio.Frame) (seg audio.Segment, ok bool) {
	loud := f.RMS() >= s.threshold

	switch s.state {
	case StateIdle:
		if !loud {
			s.preRoll.Push(f)
			return audio.Segment{}, false
		}
		s.frames = append(s.preRoll.Frames(), f)
		s.rawSamples = 0
		for _, fr := range s.frames {
			s.rawSamples += len(fr.Samples)
		}
		s.quietRun = 0
		s.state = StateRecording
		s.preRoll.Clear()
		slog.Debug("segment onset", "at", f.Timestamp, "rms", f.RMS())

	case StateRecording:
		s.frames = append(s.frames, f)
		s.rawSamples += len(f.Samples)
		if loud {
			s.quietRun = 0
		} else {
			s.quietRun++
		}
		if s.quietRun >= s.silenceFrames {
			return s.emit(false), true
		}
	}

	if s.maxRawSamples > 0 && s.rawSamples >= s.maxRawSamples {
		return s.emit(true), true
	}
	return audio.Segment{}, false
}

// emit finalises the current recording and returns to idle.
func (s *Segmenter) emit(forced bool) audio.Segment {
	seg := audio.NewSegment(s.frames, s.sampleRate).Normalize(s.targetSamples)
	seg.Forced = forced
	slog.Debug("segment offset",
		"raw_duration", seg.RawDuration(),
		"forced", forced,
	)
	s.frames = nil
	s.rawSamples = 0
	s.quietRun = 0
	s.state = StateIdle
	return seg
}

// Reset discards any partial segment and the pre-roll and returns to
// [StateIdle]. Used after capture errors, where the audio timeline has a gap.
func (s *Segmenter) Reset() {
	s.frames = nil
	s.rawSamples = 0
	s.quietRun = 0
	s.state = StateIdle
	s.preRoll.Clear()
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// PreRollLen returns the number of frames currently held in the pre-roll.
func (s *Segmenter) PreRollLen() int { return s.preRoll.Len() }

// PreRollCap returns the pre-roll capacity in frames.
func (s *Segmenter) PreRollCap() int { return s.preRoll.Cap() }

// TargetSamples returns the fixed length of emitted segments in samples.
func (s *Segmenter) TargetSamples() int { return s.targetSamples }
