package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// Framer turns a stream of arbitrarily sized PCM chunks, as delivered by
// driver callbacks, into fixed-size mono [Frame] values.
//
// Write and WriteSamples are called from the driver's callback goroutine and
// never block: when the frame buffer is full the frame is dropped and the
// next [Framer.Read] reports [ErrOverrun]. Read is called by the consumer.
type Framer struct {
	frameSize  int
	sampleRate int

	mu       sync.Mutex
	conv     FormatConverter
	pending  []int16
	produced int64 // samples emitted so far, for timestamps

	frames   chan Frame
	overrun  atomic.Bool
	dropped  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
}

// NewFramer returns a Framer that converts audio arriving in device format
// src to mono frames of frameSize samples at sampleRate. bufferFrames bounds
// the number of completed frames held for the reader (minimum 1).
func NewFramer(src Format, sampleRate, frameSize, bufferFrames int) *Framer {
	if bufferFrames < 1 {
		bufferFrames = 1
	}
	return &Framer{
		frameSize:  frameSize,
		sampleRate: sampleRate,
		conv:       FormatConverter{Source: src, TargetRate: sampleRate},
		frames:     make(chan Frame, bufferFrames),
		done:       make(chan struct{}),
	}
}

// Write accepts little-endian 16-bit interleaved PCM bytes in the source format.
func (f *Framer) Write(pcm []byte) {
	f.WriteSamples(DecodePCM16(pcm))
}

// WriteSamples accepts interleaved samples in the source format.
func (f *Framer) WriteSamples(samples []int16) {
	select {
	case <-f.done:
		return
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, f.conv.Convert(samples)...)
	for len(f.pending) >= f.frameSize {
		buf := make([]int16, f.frameSize)
		copy(buf, f.pending[:f.frameSize])
		f.pending = f.pending[f.frameSize:]

		frame := Frame{
			Samples:    buf,
			SampleRate: f.sampleRate,
			Timestamp:  SamplesDuration(int(f.produced), f.sampleRate),
		}
		f.produced += int64(f.frameSize)

		select {
		case f.frames <- frame:
		default:
			f.overrun.Store(true)
			f.dropped.Add(1)
		}
	}
	// Compact so the backing array does not grow without bound.
	if cap(f.pending) > 4*f.frameSize && len(f.pending) < f.frameSize {
		f.pending = append(make([]int16, 0, f.frameSize), f.pending...)
	}
}

// Read implements the blocking half of [Source]. It reports [ErrOverrun] once
// per overrun episode before resuming delivery.
func (f *Framer) Read(ctx context.Context) (Frame, error) {
	if f.overrun.CompareAndSwap(true, false) {
		return Frame{}, ErrOverrun
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-f.done:
		return Frame{}, ErrClosed
	case fr := <-f.frames:
		return fr, nil
	}
}

// Dropped returns the total number of frames discarded due to overruns.
func (f *Framer) Dropped() int64 {
	return f.dropped.Load()
}

// Close unblocks pending reads; subsequent writes are ignored. Safe to call
// more than once.
func (f *Framer) Close() {
	f.stopOnce.Do(func() { close(f.done) })
}
