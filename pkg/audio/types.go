package audio

import (
	"math"
	"time"
)

// Frame is a fixed-size block of mono signed 16-bit samples as delivered by a
// [Source]. Frames are immutable once produced; consumers must copy Samples
// before modifying them.
type Frame struct {
	// Samples holds exactly frame_size mono PCM samples.
	Samples []int16

	// SampleRate in Hz (16000 for the default pipeline).
	SampleRate int

	// Timestamp is the offset of the first sample relative to capture start.
	Timestamp time.Duration
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// RMS returns the root-mean-square amplitude of the frame. See [RMS].
func (f Frame) RMS() float64 {
	return RMS(f.Samples)
}

// Segment is the audio collected between an onset and an offset. After
// [Segment.Normalize] it holds exactly the configured target number of
// samples and is ready for feature extraction.
type Segment struct {
	// Samples is the mono PCM payload.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// RawSamples is the number of samples captured before normalisation.
	RawSamples int

	// Start is the timestamp of the first frame in the segment.
	Start time.Duration

	// Forced is true when the segment was emitted because it hit the hard
	// length cap rather than because silence returned.
	Forced bool
}

// NewSegment concatenates frames into a single segment. The frames are copied.
func NewSegment(frames []Frame, sampleRate int) Segment {
	n := 0
	for _, f := range frames {
		n += len(f.Samples)
	}
	samples := make([]int16, 0, n)
	for _, f := range frames {
		samples = append(samples, f.Samples...)
	}
	seg := Segment{
		Samples:    samples,
		SampleRate: sampleRate,
		RawSamples: n,
	}
	if len(frames) > 0 {
		seg.Start = frames[0].Timestamp
	}
	return seg
}

// Normalize returns a copy of s padded with trailing silence or truncated so
// that it holds exactly n samples. RawSamples is preserved.
func (s Segment) Normalize(n int) Segment {
	if n < 0 {
		n = 0
	}
	out := make([]int16, n)
	copy(out, s.Samples)
	s.Samples = out
	return s
}

// Duration returns the wall-clock length of the segment's current payload.
func (s Segment) Duration() time.Duration {
	return SamplesDuration(len(s.Samples), s.SampleRate)
}

// RawDuration returns the length of the audio captured before normalisation.
func (s Segment) RawDuration() time.Duration {
	return SamplesDuration(s.RawSamples, s.SampleRate)
}

// RMS returns the root-mean-square amplitude of the whole segment.
func (s Segment) RMS() float64 {
	return RMS(s.Samples)
}

// RMS returns sqrt(mean(s²)) over samples, accumulated in float64. It returns
// 0 for an empty slice. The result is in PCM sample units (0–32768).
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SamplesDuration converts a sample count at rate Hz to a duration. Returns 0
// for a non-positive rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// SamplesFor returns the number of samples covering d at rate Hz, rounded to
// the nearest sample.
func SamplesFor(d time.Duration, rate int) int {
	return int(math.Round(d.Seconds() * float64(rate)))
}

// FramesFor returns ceil(d × rate / frameSize): the number of whole frames
// needed to cover d. Returns 0 when d or frameSize is not positive.
func FramesFor(d time.Duration, rate, frameSize int) int {
	if d <= 0 || frameSize <= 0 || rate <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds() * float64(rate) / float64(frameSize)))
}

// Split cuts samples into consecutive frames of frameSize samples, assigning
// timestamps from the sample offset. A trailing partial frame is zero-padded.
func Split(samples []int16, frameSize, sampleRate int) []Frame {
	if frameSize <= 0 {
		return nil
	}
	frames := make([]Frame, 0, (len(samples)+frameSize-1)/frameSize)
	for off := 0; off < len(samples); off += frameSize {
		buf := make([]int16, frameSize)
		copy(buf, samples[off:])
		frames = append(frames, Frame{
			Samples:    buf,
			SampleRate: sampleRate,
			Timestamp:  SamplesDuration(off, sampleRate),
		})
	}
	return frames
}
