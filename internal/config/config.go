// Package config provides the configuration schema, loader, and backend
// registry for the neigh pipeline.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Curve selects the intensity curve.
type Curve string

const (
	CurveLinear Curve = "linear"
	CurveEvil   Curve = "evil"
)

// IsValid reports whether c is a recognised curve.
func (c Curve) IsValid() bool {
	return c == CurveLinear || c == CurveEvil
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [LoadOrCreate], [Load] or [LoadFromReader]; values not
// present in the file keep their [Default].
//
// A Config is treated as immutable once loaded.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Segment    SegmentConfig    `yaml:"segment"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Features   FeaturesConfig   `yaml:"features"`
	Intensity  IntensityConfig  `yaml:"intensity"`
	Actuation  ActuationConfig  `yaml:"actuation"`
	Capture    CaptureConfig    `yaml:"capture"`
	Recording  RecordingConfig  `yaml:"recording"`
	Journal    JournalConfig    `yaml:"journal"`
}

// ServerConfig holds the observability HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz (e.g., ":9090").
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects and parameterises the capture backend.
type AudioConfig struct {
	// Source is the registered backend name: "malgo", "pulse", "portaudio",
	// "wav" or "mock".
	Source string `yaml:"source"`

	// Device is a backend-specific device name or ID. Empty selects the
	// system default.
	Device string `yaml:"device"`

	// SampleRate is the pipeline sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the channel count requested from the device. Captured audio
	// is always downmixed to mono.
	Channels int `yaml:"channels"`

	// FrameSize is the number of samples per frame.
	FrameSize int `yaml:"frame_size"`

	// BufferFrames is how many frames the capture backend may queue before
	// reporting an overrun.
	BufferFrames int `yaml:"buffer_frames"`

	// WAVPath is the file replayed by the "wav" source.
	WAVPath string `yaml:"wav_path"`

	// WAVRealtime paces WAV replay at the capture rate.
	WAVRealtime bool `yaml:"wav_realtime"`
}

// SegmentConfig holds the segmentation thresholds. Durations are in seconds.
type SegmentConfig struct {
	// RecordVol is the RMS level that starts a segment.
	RecordVol float64 `yaml:"record_vol"`

	PreRollS    float64 `yaml:"pre_roll_s"`
	MaxSilenceS float64 `yaml:"max_silence_s"`
	SegmentS    float64 `yaml:"segment_s"`
	MaxSegmentS float64 `yaml:"max_segment_s"`
}

// ClassifierConfig selects the classifier backend.
type ClassifierConfig struct {
	// Name is the registered backend name: "tfserving" or "mock".
	Name string `yaml:"name"`

	// BaseURL is the model server root (e.g., "http://localhost:8501").
	BaseURL string `yaml:"base_url"`

	// StandbyURLs are model servers with the same model, tried in order
	// when BaseURL fails or its circuit breaker is open.
	StandbyURLs []string `yaml:"standby_urls"`

	// Model is the served model name.
	Model string `yaml:"model"`

	// Threshold splits the sigmoid output between the two labels.
	Threshold float64 `yaml:"threshold"`

	// PositiveLabel is the label that triggers actuation.
	PositiveLabel string `yaml:"positive_label"`

	// Timeout bounds a single prediction request.
	Timeout time.Duration `yaml:"timeout"`

	// InputShape is the tensor shape the model accepts, excluding the batch
	// dimension.
	InputShape []int `yaml:"input_shape"`
}

// FeaturesConfig parameterises MFCC extraction.
type FeaturesConfig struct {
	NMFCC     int `yaml:"n_mfcc"`
	NFFT      int `yaml:"n_fft"`
	HopLength int `yaml:"hop_length"`
	NMels     int `yaml:"n_mels"`

	// PadMode is the centre padding used when framing: "reflect" (the
	// default, as the bundled model was trained) or "constant".
	PadMode string `yaml:"pad_mode"`
}

// IntensityConfig selects the intensity curve and its parameters.
type IntensityConfig struct {
	Curve          Curve   `yaml:"curve"`
	MaxExpectedVol float64 `yaml:"max_expected_vol"`
	BuildupCount   int     `yaml:"buildup_count"`
	WindowS        float64 `yaml:"window_s"`
}

// ActuationConfig configures the device transport and the dispatcher.
type ActuationConfig struct {
	// Name is the registered transport name: "buttplug" or "mock".
	Name string `yaml:"name"`

	// URL is the device server WebSocket endpoint.
	URL string `yaml:"url"`

	// ClientName is announced to the server during the handshake.
	ClientName string `yaml:"client_name"`

	// ServerCommand, when set, is started as a child process before
	// connecting (e.g., ["intiface-cli", "--wsinsecureport", "12345"]).
	ServerCommand []string `yaml:"server_command"`

	// ServerStartupDelay is waited after starting ServerCommand.
	ServerStartupDelay time.Duration `yaml:"server_startup_delay"`

	// ScanTimeout bounds device discovery. Zero scans until the context ends.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// Floor is the minimum strength of any command.
	Floor float64 `yaml:"floor"`

	// Scale multiplies every intensity before clamping.
	Scale float64 `yaml:"scale"`

	// Hold is how long each command vibrates before the stop.
	Hold time.Duration `yaml:"hold"`

	// QueueSize bounds the pending command queue.
	QueueSize int `yaml:"queue_size"`

	ReconnectRetries    int           `yaml:"reconnect_retries"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`

	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// CaptureConfig controls recovery from capture errors.
type CaptureConfig struct {
	// MaxFailures is the number of consecutive capture errors tolerated
	// before the pipeline stops.
	MaxFailures int `yaml:"max_failures"`

	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

// RecordingConfig controls persistence of classified segments.
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// JournalConfig controls the classification journal.
type JournalConfig struct {
	// PostgresDSN is the connection string. Empty disables the journal.
	PostgresDSN string `yaml:"postgres_dsn"`

	QueueSize int `yaml:"queue_size"`
}

// Default returns the configuration used when no file exists and the base
// onto which loaded files are decoded.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			Source:       "malgo",
			SampleRate:   16000,
			Channels:     1,
			FrameSize:    1024,
			BufferFrames: 64,
		},
		Segment: SegmentConfig{
			RecordVol:   160,
			PreRollS:    0.2,
			MaxSilenceS: 0.1,
			SegmentS:    1.0,
			MaxSegmentS: 5.0,
		},
		Classifier: ClassifierConfig{
			Name:          "tfserving",
			BaseURL:       "http://127.0.0.1:8501",
			Model:         "neigh",
			Threshold:     0.5,
			PositiveLabel: "animal",
			Timeout:       2 * time.Second,
			InputShape:    []int{40, 32, 1},
		},
		Features: FeaturesConfig{
			NMFCC:     40,
			NFFT:      2048,
			HopLength: 512,
			NMels:     128,
			PadMode:   "reflect",
		},
		Intensity: IntensityConfig{
			Curve:          CurveEvil,
			MaxExpectedVol: 1600,
			BuildupCount:   20,
			WindowS:        60,
		},
		Actuation: ActuationConfig{
			Name:                "buttplug",
			URL:                 "ws://127.0.0.1:12345",
			ClientName:          "Neigh",
			ServerStartupDelay:  time.Second,
			ScanTimeout:         30 * time.Second,
			Floor:               0.1,
			Scale:               1.0,
			Hold:                time.Second,
			QueueSize:           16,
			ReconnectRetries:    10,
			ReconnectBackoff:    time.Second,
			ReconnectMaxBackoff: 30 * time.Second,
			BreakerFailures:     5,
			BreakerReset:        30 * time.Second,
		},
		Capture: CaptureConfig{
			MaxFailures:     10,
			RetryBackoff:    100 * time.Millisecond,
			RetryMaxBackoff: 5 * time.Second,
		},
		Recording: RecordingConfig{
			Enabled:   true,
			Path:      "recordings",
			QueueSize: 32,
		},
		Journal: JournalConfig{
			QueueSize: 64,
		},
	}
}

// Seconds converts a float seconds value to a [time.Duration].
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
