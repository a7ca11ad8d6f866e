package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = map[string][]string{
	"audio":      {"malgo", "pulse", "portaudio", "wav", "mock"},
	"classifier": {"tfserving", "mock"},
	"actuation":  {"buttplug", "mock"},
}

// defaultHeader is written above the generated default configuration.
const defaultHeader = "# neigh configuration. Generated with default values; edit and restart.\n"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadOrCreate loads the configuration at path. When the file does not exist
// it is created with the [Default] values, which are then returned with
// created set to true.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	_, err = os.Stat(path)
	switch {
	case err == nil:
		cfg, err = Load(path)
		return cfg, false, err
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("config: stat %q: %w", path, err)
	}

	cfg = Default()
	if err := Write(path, cfg); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Write serialises cfg as YAML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		fail("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	// Audio
	a := cfg.Audio
	if a.Source == "" {
		fail("audio.source is required")
	}
	validateBackendName("audio", a.Source)
	if a.SampleRate <= 0 {
		fail("audio.sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.Channels < 1 || a.Channels > 2 {
		fail("audio.channels %d is out of range [1, 2]", a.Channels)
	}
	if a.FrameSize <= 0 {
		fail("audio.frame_size must be positive, got %d", a.FrameSize)
	}
	if a.BufferFrames <= 0 {
		fail("audio.buffer_frames must be positive, got %d", a.BufferFrames)
	}
	if a.Source == "wav" && a.WAVPath == "" {
		fail("audio.wav_path is required when audio.source is wav")
	}

	// Segment
	s := cfg.Segment
	if s.RecordVol < 0 {
		fail("segment.record_vol must not be negative, got %v", s.RecordVol)
	}
	if s.PreRollS < 0 {
		fail("segment.pre_roll_s must not be negative, got %v", s.PreRollS)
	}
	if s.MaxSilenceS < 0 {
		fail("segment.max_silence_s must not be negative, got %v", s.MaxSilenceS)
	}
	if s.SegmentS <= 0 {
		fail("segment.segment_s must be positive, got %v", s.SegmentS)
	}
	if s.MaxSegmentS < 0 {
		fail("segment.max_segment_s must not be negative, got %v", s.MaxSegmentS)
	}

	// Classifier
	c := cfg.Classifier
	if c.Name == "" {
		fail("classifier.name is required")
	}
	validateBackendName("classifier", c.Name)
	if c.Name == "tfserving" {
		if c.BaseURL == "" {
			fail("classifier.base_url is required for tfserving")
		}
		if c.Model == "" {
			fail("classifier.model is required for tfserving")
		}
		for i, u := range c.StandbyURLs {
			if u == "" || u == c.BaseURL {
				fail("classifier.standby_urls[%d] must be set and differ from base_url", i)
			}
		}
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		fail("classifier.threshold %v is out of range [0, 1]", c.Threshold)
	}
	if c.PositiveLabel != "animal" && c.PositiveLabel != "other" {
		fail("classifier.positive_label %q is invalid; valid values: animal, other", c.PositiveLabel)
	}
	if c.Timeout < 0 {
		fail("classifier.timeout must not be negative, got %v", c.Timeout)
	}
	if len(c.InputShape) == 0 {
		fail("classifier.input_shape is required")
	}
	for i, d := range c.InputShape {
		if d <= 0 {
			fail("classifier.input_shape[%d] must be positive, got %d", i, d)
		}
	}

	// Features
	f := cfg.Features
	if f.NMFCC <= 0 || f.NFFT <= 0 || f.HopLength <= 0 || f.NMels <= 0 {
		fail("features: n_mfcc, n_fft, hop_length and n_mels must be positive")
	} else if f.NMFCC > f.NMels {
		fail("features.n_mfcc %d exceeds features.n_mels %d", f.NMFCC, f.NMels)
	}
	if f.PadMode != "reflect" && f.PadMode != "constant" {
		fail("features.pad_mode %q is invalid; valid values: reflect, constant", f.PadMode)
	}

	// Intensity
	in := cfg.Intensity
	if !in.Curve.IsValid() {
		fail("intensity.curve %q is invalid; valid values: linear, evil", in.Curve)
	}
	if in.MaxExpectedVol <= 0 {
		fail("intensity.max_expected_vol must be positive, got %v", in.MaxExpectedVol)
	}
	if in.BuildupCount <= 0 {
		fail("intensity.buildup_count must be positive, got %d", in.BuildupCount)
	}
	if in.WindowS <= 0 {
		fail("intensity.window_s must be positive, got %v", in.WindowS)
	}

	// Actuation
	ac := cfg.Actuation
	if ac.Name == "" {
		fail("actuation.name is required")
	}
	validateBackendName("actuation", ac.Name)
	if ac.Name == "buttplug" && ac.URL == "" {
		fail("actuation.url is required for buttplug")
	}
	if ac.Floor <= 0 || ac.Floor > 1 {
		fail("actuation.floor %v is out of range (0, 1]", ac.Floor)
	}
	if ac.Scale <= 0 {
		fail("actuation.scale must be positive, got %v", ac.Scale)
	}
	if ac.Hold <= 0 {
		fail("actuation.hold must be positive, got %v", ac.Hold)
	}
	if ac.QueueSize <= 0 {
		fail("actuation.queue_size must be positive, got %d", ac.QueueSize)
	}
	if ac.ReconnectRetries < 0 {
		fail("actuation.reconnect_retries must not be negative, got %d", ac.ReconnectRetries)
	}
	if ac.ReconnectBackoff < 0 || ac.ReconnectMaxBackoff < ac.ReconnectBackoff {
		fail("actuation: reconnect_backoff %v and reconnect_max_backoff %v must satisfy 0 <= backoff <= max",
			ac.ReconnectBackoff, ac.ReconnectMaxBackoff)
	}
	if ac.BreakerFailures <= 0 {
		fail("actuation.breaker_failures must be positive, got %d", ac.BreakerFailures)
	}
	if ac.BreakerReset <= 0 {
		fail("actuation.breaker_reset must be positive, got %v", ac.BreakerReset)
	}

	// Capture
	if cfg.Capture.MaxFailures <= 0 {
		fail("capture.max_failures must be positive, got %d", cfg.Capture.MaxFailures)
	}
	if cfg.Capture.RetryBackoff < 0 || cfg.Capture.RetryMaxBackoff < cfg.Capture.RetryBackoff {
		fail("capture: retry_backoff %v and retry_max_backoff %v must satisfy 0 <= backoff <= max",
			cfg.Capture.RetryBackoff, cfg.Capture.RetryMaxBackoff)
	}

	// Recording
	if cfg.Recording.Enabled && cfg.Recording.Path == "" {
		fail("recording.path is required when recording is enabled")
	}
	if cfg.Recording.QueueSize <= 0 {
		fail("recording.queue_size must be positive, got %d", cfg.Recording.QueueSize)
	}

	// Journal
	if cfg.Journal.QueueSize <= 0 {
		fail("journal.queue_size must be positive, got %d", cfg.Journal.QueueSize)
	}
	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; classifications will not be journaled")
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
