// Package wavfile implements [audio.Source] by replaying a PCM WAV file. It
// is used for offline runs against recorded material and for end-to-end
// tests. Files are read through an [afero.Fs] so tests can use an in-memory
// filesystem.
package wavfile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/MrWong99/neigh/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Option is a functional option for [New].
type Option func(*Source)

// WithRealtime paces Read so that frames are delivered at the rate they would
// arrive from a live device. The default is to deliver as fast as possible.
func WithRealtime(realtime bool) Option {
	return func(s *Source) { s.realtime = realtime }
}

// WithLoop restarts playback from the beginning once the file is drained
// instead of returning io.EOF.
func WithLoop(loop bool) Option {
	return func(s *Source) { s.loop = loop }
}

// Source replays the decoded file as fixed-size mono frames.
type Source struct {
	frames   []audio.Frame
	realtime bool
	loop     bool

	mu     sync.Mutex
	next   int
	start  time.Time
	played time.Duration
	closed bool
}

// New decodes the WAV file at path and splits it into frames of frameSize
// samples at sampleRate. Multi-channel files are downmixed and other sample
// rates are resampled.
func New(fs afero.Fs, path string, sampleRate, frameSize int, opts ...Option) (*Source, error) {
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("wavfile: sample rate and frame size must be positive")
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavfile: %q is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %q: %w", path, err)
	}

	samples := make([]int16, len(buf.Data))
	shift := int(dec.BitDepth) - 16
	for i, v := range buf.Data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		samples[i] = int16(v)
	}

	conv := audio.FormatConverter{
		Source:     audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)},
		TargetRate: sampleRate,
	}
	s := &Source{
		frames: audio.Split(conv.Convert(samples), frameSize, sampleRate),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Len returns the number of frames in the file.
func (s *Source) Len() int {
	return len(s.frames)
}

// Read implements [audio.Source]. It returns io.EOF once all frames have been
// delivered, unless looping is enabled.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.Frame{}, audio.ErrClosed
	}
	if s.next >= len(s.frames) {
		if !s.loop || len(s.frames) == 0 {
			s.mu.Unlock()
			return audio.Frame{}, io.EOF
		}
		s.next = 0
	}
	fr := s.frames[s.next]
	s.next++

	var wait time.Duration
	if s.realtime {
		if s.start.IsZero() {
			s.start = time.Now()
		}
		// The frame becomes "available" once its last sample has been captured.
		s.played += fr.Duration()
		wait = time.Until(s.start.Add(s.played))
	}
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		case <-t.C:
		}
	}
	return fr, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
