// Package pulse implements [audio.Source] as a PulseAudio record stream using
// the pure-Go client github.com/jfreymuth/pulse. No cgo is required, which
// makes it the preferred live backend on Linux.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jfreymuth/pulse"

	"github.com/MrWong99/neigh/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// recordLatency is the buffering latency requested from the server, in seconds.
const recordLatency = 0.05

// Source captures mono 16-bit PCM from a PulseAudio source.
type Source struct {
	client *pulse.Client
	stream *pulse.RecordStream
	framer *audio.Framer

	closeOnce sync.Once
}

// New connects to the PulseAudio server and starts recording from the source
// named cfg.Device (or the default source when empty). The server performs
// the channel and rate conversion, so frames always arrive as mono.
func New(cfg audio.CaptureConfig) (*Source, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("pulse: sample rate and frame size must be positive")
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName("neigh"))
	if err != nil {
		return nil, fmt.Errorf("pulse: connect: %w", err)
	}

	s := &Source{
		client: client,
		framer: audio.NewFramer(audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
			cfg.SampleRate, cfg.FrameSize, cfg.BufferFrames),
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		s.framer.WriteSamples(buf)
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordLatency(recordLatency),
	}
	if cfg.Device != "" {
		src, err := client.SourceByID(cfg.Device)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pulse: source %q: %w", cfg.Device, err)
		}
		opts = append(opts, pulse.RecordSource(src))
	}

	stream, err := client.NewRecord(writer, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pulse: create record stream: %w", err)
	}
	s.stream = stream
	stream.Start()

	slog.Info("pulse capture started",
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"frame_size", cfg.FrameSize,
	)
	return s, nil
}

// Read implements [audio.Source]. A stream error reported by the server is
// surfaced as a capture error.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	if err := s.stream.Error(); err != nil {
		return audio.Frame{}, fmt.Errorf("pulse: record stream: %w", err)
	}
	return s.framer.Read(ctx)
}

// Close stops the record stream and disconnects from the server.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.framer.Close()
		s.stream.Stop()
		s.stream.Close()
		s.client.Close()
		if n := s.framer.Dropped(); n > 0 {
			slog.Warn("pulse capture dropped frames", "count", n)
		}
	})
	return nil
}
