// Package portaudio implements [audio.Source] with blocking PortAudio stream
// reads via github.com/gordonklaus/portaudio. Requires cgo and libportaudio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/neigh/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source reads exactly one frame per PortAudio buffer. Because the stream is
// opened with FramesPerBuffer equal to the frame size no re-chunking is needed.
type Source struct {
	stream    *portaudio.Stream
	in        []int16
	conv      audio.FormatConverter
	frameSize int
	rate      int
	produced  int

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// New initialises PortAudio and opens an input stream on the device named
// cfg.Device (or the default input device when empty).
func New(cfg audio.CaptureConfig) (*Source, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("portaudio: sample rate and frame size must be positive")
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	format := cfg.Format()
	s := &Source{
		in:        make([]int16, cfg.FrameSize*format.Channels),
		conv:      audio.FormatConverter{Source: format, TargetRate: cfg.SampleRate},
		frameSize: cfg.FrameSize,
		rate:      cfg.SampleRate,
	}

	var (
		stream *portaudio.Stream
		err    error
	)
	if cfg.Device == "" {
		stream, err = portaudio.OpenDefaultStream(format.Channels, 0, float64(cfg.SampleRate), cfg.FrameSize, s.in)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = findDevice(cfg.Device)
		if err == nil {
			p := portaudio.LowLatencyParameters(dev, nil)
			p.Input.Channels = format.Channels
			p.SampleRate = float64(cfg.SampleRate)
			p.FramesPerBuffer = cfg.FrameSize
			stream, err = portaudio.OpenStream(p, s.in)
		}
	}
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.stream = stream

	slog.Info("portaudio capture started",
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"channels", format.Channels,
		"frame_size", cfg.FrameSize,
	)
	return s, nil
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

// Read implements [audio.Source]. PortAudio reads cannot be interrupted, so
// ctx is only checked before blocking. An input overflow maps to
// [audio.ErrOverrun].
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.Frame{}, audio.ErrClosed
	}

	if err := s.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			return audio.Frame{}, audio.ErrOverrun
		}
		return audio.Frame{}, fmt.Errorf("portaudio: read: %w", err)
	}

	samples := s.conv.Convert(s.in)
	buf := make([]int16, s.frameSize)
	copy(buf, samples)
	fr := audio.Frame{
		Samples:    buf,
		SampleRate: s.rate,
		Timestamp:  audio.SamplesDuration(s.produced, s.rate),
	}
	s.produced += s.frameSize
	return fr, nil
}

// Close stops the stream and terminates PortAudio. It waits for an in-flight
// Read to finish its current buffer.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		err = errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
	})
	return err
}
