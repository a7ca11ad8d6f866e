// Package malgo implements [audio.Source] on top of miniaudio via
// github.com/gen2brain/malgo. It works on every platform miniaudio supports
// and requires cgo.
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/neigh/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source captures 16-bit PCM from a miniaudio capture device.
type Source struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	framer *audio.Framer

	closeOnce sync.Once
}

// New opens the capture device named cfg.Device (or the default device when
// empty) and starts streaming into an internal frame buffer.
func New(cfg audio.CaptureConfig) (*Source, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("malgo: sample rate and frame size must be positive")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	format := cfg.Format()
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)

	if cfg.Device != "" {
		devices, err := mctx.Devices(malgo.Capture)
		if err != nil {
			freeContext(mctx)
			return nil, fmt.Errorf("malgo: list devices: %w", err)
		}
		found := false
		for _, d := range devices {
			if d.Name() == cfg.Device {
				deviceConfig.Capture.DeviceID = d.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			freeContext(mctx)
			return nil, fmt.Errorf("malgo: capture device %q not found", cfg.Device)
		}
	}

	s := &Source{
		mctx:   mctx,
		framer: audio.NewFramer(format, cfg.SampleRate, cfg.FrameSize, cfg.BufferFrames),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.framer.Write(input)
		},
	}
	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		freeContext(mctx)
		return nil, fmt.Errorf("malgo: init device: %w", err)
	}
	s.device = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return nil, fmt.Errorf("malgo: start device: %w", err)
	}

	slog.Info("malgo capture started",
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"channels", format.Channels,
		"frame_size", cfg.FrameSize,
	)
	return s, nil
}

// Read implements [audio.Source].
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	return s.framer.Read(ctx)
}

// Close stops the device and releases the miniaudio context.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.framer.Close()
		_ = s.device.Stop()
		s.device.Uninit()
		freeContext(s.mctx)
		if n := s.framer.Dropped(); n > 0 {
			slog.Warn("malgo capture dropped frames", "count", n)
		}
	})
	return nil
}

func freeContext(c *malgo.AllocatedContext) {
	_ = c.Uninit()
	c.Free()
}
