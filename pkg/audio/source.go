// Package audio defines the capture-side types of the neigh pipeline.
//
// The central abstraction is [Source]: a blocking reader of fixed-size mono
// [Frame] values. Live backends (malgo, pulse, portaudio) receive
// variable-sized driver callbacks and use a [Framer] to re-chunk them into
// exact frame sizes; the wavfile backend replays a recording for tests and
// offline runs.
//
// [Segment] is the unit handed from the segmenter to the classifier.
package audio

import (
	"context"
	"errors"
)

// ErrOverrun is returned by [Source.Read] when the capture buffer filled up
// and frames were dropped since the previous read. It is a recoverable
// condition: the next Read continues with fresh audio.
var ErrOverrun = errors.New("audio: capture buffer overrun")

// ErrClosed is returned by [Source.Read] after [Source.Close] has been called.
var ErrClosed = errors.New("audio: source closed")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Source yields fixed-size mono frames in capture order.
//
// Read blocks until the next frame is available, ctx is cancelled, or the
// source fails. A finite source (e.g. a file) returns [io.EOF] once drained.
// Any other error is a capture error; the caller may keep reading after it.
//
// Close releases the underlying device. Implementations must allow Close to
// be called concurrently with a blocked Read.
type Source interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// CaptureConfig is the common configuration for live capture backends.
type CaptureConfig struct {
	// Device selects the input device by name. Empty selects the system default.
	Device string

	// SampleRate is the pipeline sample rate in Hz. Frames are always
	// delivered at this rate.
	SampleRate int

	// Channels is the number of channels requested from the device. Frames
	// are always downmixed to mono.
	Channels int

	// FrameSize is the number of mono samples per frame.
	FrameSize int

	// BufferFrames bounds how many completed frames may wait for the reader
	// before an overrun is reported.
	BufferFrames int
}

// Format returns the device-side format described by c.
func (c CaptureConfig) Format() Format {
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	return Format{SampleRate: c.SampleRate, Channels: ch}
}
