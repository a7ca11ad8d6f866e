// Command neigh listens to a microphone, classifies every utterance and drives
// a vibrating device when the configured sound is detected.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/MrWong99/neigh/internal/app"
	"github.com/MrWong99/neigh/internal/config"
	"github.com/MrWong99/neigh/internal/health"
	"github.com/MrWong99/neigh/internal/observe"
	"github.com/MrWong99/neigh/internal/resilience"
	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/audio/malgo"
	audiomock "github.com/MrWong99/neigh/pkg/audio/mock"
	"github.com/MrWong99/neigh/pkg/audio/portaudio"
	"github.com/MrWong99/neigh/pkg/audio/pulse"
	"github.com/MrWong99/neigh/pkg/audio/wavfile"
	"github.com/MrWong99/neigh/pkg/provider/actuator"
	"github.com/MrWong99/neigh/pkg/provider/actuator/buttplug"
	actuatormock "github.com/MrWong99/neigh/pkg/provider/actuator/mock"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
	classifiermock "github.com/MrWong99/neigh/pkg/provider/classifier/mock"
	"github.com/MrWong99/neigh/pkg/provider/classifier/tfserving"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

// livenessMaxAge is how long the capture loop may go without a frame before
// /healthz reports failure.
const livenessMaxAge = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neigh: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if created {
		slog.Info("no config found, wrote defaults", "config", *configPath)
	}
	slog.Info("neigh starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "neigh",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Observability listener (optional) ─────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		srv = newServer(cfg.Server.ListenAddr, application)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability server error", "err", err)
			}
		}()
		slog.Info("observability server listening", "addr", cfg.Server.ListenAddr)
	}

	slog.Info("listening, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("observability server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// newServer builds the /metrics, /healthz and /readyz listener.
func newServer(addr string, a *app.App) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(a.ReadinessChecks()...).
		WithLiveness(a.Heartbeat().Checker("capture", livenessMaxAge)).
		Register(mux)

	routes := []string{"/metrics", "/healthz", "/readyz"}
	mw := observe.Middleware(observe.DefaultMetrics(),
		observe.WithRoutes(routes...),
		observe.WithQuietPaths(routes...),
	)
	return &http.Server{
		Addr:              addr,
		Handler:           mw(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider categories to the implementations that ship
// with neigh. Used for startup logging.
var builtinProviders = map[string][]string{
	"audio":      {"malgo", "pulse", "portaudio", "wav", "mock"},
	"classifier": {"tfserving", "mock"},
	"actuation":  {"buttplug", "mock"},
}

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Audio ─────────────────────────────────────────────────────────────────

	capture := func(ac config.AudioConfig) audio.CaptureConfig {
		return audio.CaptureConfig{
			Device:       ac.Device,
			SampleRate:   ac.SampleRate,
			Channels:     ac.Channels,
			FrameSize:    ac.FrameSize,
			BufferFrames: ac.BufferFrames,
		}
	}
	reg.RegisterAudio("malgo", func(ac config.AudioConfig) (audio.Source, error) {
		return malgo.New(capture(ac))
	})
	reg.RegisterAudio("pulse", func(ac config.AudioConfig) (audio.Source, error) {
		return pulse.New(capture(ac))
	})
	reg.RegisterAudio("portaudio", func(ac config.AudioConfig) (audio.Source, error) {
		return portaudio.New(capture(ac))
	})
	reg.RegisterAudio("wav", func(ac config.AudioConfig) (audio.Source, error) {
		return wavfile.New(afero.NewOsFs(), ac.WAVPath, ac.SampleRate, ac.FrameSize,
			wavfile.WithRealtime(ac.WAVRealtime),
		)
	})
	reg.RegisterAudio("mock", func(config.AudioConfig) (audio.Source, error) {
		return &audiomock.Source{}, nil
	})

	// ── Classifier ────────────────────────────────────────────────────────────

	reg.RegisterClassifier("tfserving", func(cc config.ClassifierConfig) (classifier.Provider, error) {
		opts := []tfserving.Option{
			tfserving.WithThreshold(cc.Threshold),
			tfserving.WithInputShape(classifier.Shape(cc.InputShape)),
		}
		if cc.Timeout > 0 {
			opts = append(opts, tfserving.WithTimeout(cc.Timeout))
		}
		primary, err := tfserving.New(cc.BaseURL, cc.Model, opts...)
		if err != nil {
			return nil, err
		}
		if len(cc.StandbyURLs) == 0 {
			return primary, nil
		}
		fo := resilience.NewClassifierFailover(cc.BaseURL, primary, resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		})
		for _, u := range cc.StandbyURLs {
			standby, err := tfserving.New(u, cc.Model, opts...)
			if err != nil {
				return nil, fmt.Errorf("standby %s: %w", u, err)
			}
			if err := fo.Add(u, standby); err != nil {
				return nil, err
			}
		}
		slog.Debug("classifier failover", "backends", fo.Backends())
		return fo, nil
	})
	reg.RegisterClassifier("mock", func(cc config.ClassifierConfig) (classifier.Provider, error) {
		return &classifiermock.Provider{Shape: classifier.Shape(cc.InputShape)}, nil
	})

	// ── Actuation ─────────────────────────────────────────────────────────────

	reg.RegisterActuator("buttplug", func(ac config.ActuationConfig) (actuator.Transport, error) {
		var opts []buttplug.Option
		if ac.ClientName != "" {
			opts = append(opts, buttplug.WithClientName(ac.ClientName))
		}
		if ac.ScanTimeout > 0 {
			opts = append(opts, buttplug.WithScanTimeout(ac.ScanTimeout))
		}
		if len(ac.ServerCommand) > 0 {
			opts = append(opts, buttplug.WithServerCommand(ac.ServerCommand, ac.ServerStartupDelay))
		}
		return buttplug.New(ac.URL, opts...), nil
	})
	reg.RegisterActuator("mock", func(config.ActuationConfig) (actuator.Transport, error) {
		return &actuatormock.Transport{
			DeviceList: []actuator.Device{{Index: 0, Name: "Mock Vibrator", Motors: 1}},
		}, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the three providers named in cfg using the
// registry. All three are required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	src, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Source)

	cls, err := reg.CreateClassifier(cfg.Classifier)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create classifier %q: %w", cfg.Classifier.Name, err)
	}
	slog.Info("provider created", "kind", "classifier", "name", cfg.Classifier.Name)

	act, err := reg.CreateActuator(cfg.Actuation)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create actuator %q: %w", cfg.Actuation.Name, err)
	}
	slog.Info("provider created", "kind", "actuation", "name", cfg.Actuation.Name)

	return &app.Providers{Audio: src, Classifier: cls, Actuator: act}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          neigh · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Audio", cfg.Audio.Source, cfg.Audio.Device)
	printProvider("Classifier", cfg.Classifier.Name, cfg.Classifier.Model)
	printProvider("Actuation", cfg.Actuation.Name, "")
	fmt.Printf("║  Threshold       : %-19.0f ║\n", cfg.Segment.RecordVol)
	fmt.Printf("║  Curve           : %-19s ║\n", cfg.Intensity.Curve)
	if cfg.Recording.Enabled {
		printLine("Recordings", cfg.Recording.Path)
	} else {
		printLine("Recordings", "(disabled)")
	}
	if cfg.Journal.PostgresDSN != "" {
		printLine("Journal", "postgres")
	} else {
		printLine("Journal", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printLine("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	printLine(kind, value)
}

func printLine(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
