// Package app wires all neigh subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture loop together with the actuation,
// recording and journal workers, and Shutdown tears everything down in
// order.
//
// For testing, inject mock implementations via [Providers] and the
// functional options (WithExtractor, WithJournalStore, WithFs, etc.). When an
// option is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/neigh/internal/config"
	"github.com/MrWong99/neigh/internal/dispatch"
	"github.com/MrWong99/neigh/internal/health"
	"github.com/MrWong99/neigh/internal/intensity"
	"github.com/MrWong99/neigh/internal/journal"
	"github.com/MrWong99/neigh/internal/journal/postgres"
	"github.com/MrWong99/neigh/internal/observe"
	"github.com/MrWong99/neigh/internal/ratetracker"
	"github.com/MrWong99/neigh/internal/recording"
	"github.com/MrWong99/neigh/internal/resilience"
	"github.com/MrWong99/neigh/internal/segment"
	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/features"
	"github.com/MrWong99/neigh/pkg/provider/actuator"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. All three are required.
type Providers struct {
	Audio      audio.Source
	Classifier classifier.Provider
	Actuator   actuator.Transport
}

// App owns all subsystem lifetimes and orchestrates the detection pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New.
	extractor    classifier.Extractor
	segmenter    *segment.Segmenter
	tracker      *ratetracker.Tracker
	curve        intensity.Curve
	dispatcher   *dispatch.Dispatcher
	recorder     *recording.Recorder
	journalStore journal.Store
	journal      *journal.Writer
	heartbeat    *health.Heartbeat
	metrics      *observe.Metrics
	fs           afero.Fs
	now          func() time.Time
	positive     classifier.Label

	// closers are called in order during Shutdown.
	closers []func() error

	// started is set once Run has handed the transport to the dispatcher.
	started atomic.Bool

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithExtractor injects a feature extractor instead of the MFCC extractor.
func WithExtractor(e classifier.Extractor) Option {
	return func(a *App) { a.extractor = e }
}

// WithJournalStore injects a journal store instead of connecting to
// PostgreSQL. The journal is enabled even when no DSN is configured.
func WithJournalStore(s journal.Store) Option {
	return func(a *App) { a.journalStore = s }
}

// WithFs sets the filesystem recordings are written to. Defaults to the OS
// filesystem.
func WithFs(fs afero.Fs) Option {
	return func(a *App) { a.fs = fs }
}

// WithMetrics records pipeline metrics on m instead of the default instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces time.Now for detection timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: feature extractor and
// shape check, segmenter, intensity curve, journal, recorder, and finally
// the device connection. A shape mismatch between extractor and classifier
// or a missing device is fatal.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Audio == nil || providers.Classifier == nil || providers.Actuator == nil {
		return nil, errors.New("app: audio, classifier and actuator providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		heartbeat: &health.Heartbeat{},
		now:       time.Now,
		positive:  classifier.Label(cfg.Classifier.PositiveLabel),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	a.closers = append(a.closers, providers.Audio.Close)

	// ── 1. Features ──────────────────────────────────────────────────────
	if err := a.initFeatures(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init features: %w", err))
	}

	// ── 2. Segmenter + intensity ─────────────────────────────────────────
	if err := a.initDetection(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init detection: %w", err))
	}

	// ── 3. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init journal: %w", err))
	}

	// ── 4. Recorder ──────────────────────────────────────────────────────
	if err := a.initRecorder(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init recorder: %w", err))
	}

	// ── 5. Actuator ──────────────────────────────────────────────────────
	if err := a.initDispatcher(ctx); err != nil {
		_ = providers.Actuator.Close()
		return nil, a.abort(fmt.Errorf("app: init actuator: %w", err))
	}

	return a, nil
}

// abort runs the closers registered so far and returns err.
func (a *App) abort(err error) error {
	for _, closer := range a.closers {
		if cerr := closer(); cerr != nil {
			slog.Warn("closer error during abort", "err", cerr)
		}
	}
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initFeatures builds the MFCC extractor unless one was injected and checks
// it against the classifier's input shape.
func (a *App) initFeatures() error {
	if a.extractor == nil {
		fc := a.cfg.Features
		m, err := features.New(features.Config{
			SampleRate: a.cfg.Audio.SampleRate,
			Samples:    audio.SamplesFor(config.Seconds(a.cfg.Segment.SegmentS), a.cfg.Audio.SampleRate),
			NMFCC:      fc.NMFCC,
			NFFT:       fc.NFFT,
			HopLength:  fc.HopLength,
			NMels:      fc.NMels,
			PadMode:    features.PadMode(fc.PadMode),
		})
		if err != nil {
			return err
		}
		a.extractor = m
	}
	if err := classifier.CheckShape(a.extractor, a.providers.Classifier); err != nil {
		return err
	}
	slog.Info("feature shape verified", "shape", a.extractor.Shape().String())
	return nil
}

// initDetection builds the segmenter, the rate tracker and the intensity
// curve.
func (a *App) initDetection() error {
	sc := a.cfg.Segment
	seg, err := segment.New(segment.Config{
		Threshold:        sc.RecordVol,
		SampleRate:       a.cfg.Audio.SampleRate,
		FrameSize:        a.cfg.Audio.FrameSize,
		PreRoll:          config.Seconds(sc.PreRollS),
		MaxSilence:       config.Seconds(sc.MaxSilenceS),
		SegmentLength:    config.Seconds(sc.SegmentS),
		MaxSegmentLength: config.Seconds(sc.MaxSegmentS),
	})
	if err != nil {
		return err
	}
	a.segmenter = seg

	ic := a.cfg.Intensity
	window := config.Seconds(ic.WindowS)
	curve, err := intensity.New(intensity.Kind(ic.Curve), intensity.Params{
		MaxExpectedVolume: ic.MaxExpectedVol,
		BuildupCount:      ic.BuildupCount,
		Window:            window,
	})
	if err != nil {
		return err
	}
	a.curve = curve
	a.tracker = ratetracker.New(window)
	return nil
}

// initJournal connects the classification journal when configured and seeds
// the rate tracker with detections from before a restart.
func (a *App) initJournal(ctx context.Context) error {
	if a.journalStore == nil {
		dsn := a.cfg.Journal.PostgresDSN
		if dsn == "" {
			return nil
		}
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.journalStore = store
	}
	a.closers = append(a.closers, func() error {
		a.journalStore.Close()
		return nil
	})

	w, err := journal.NewWriter(a.journalStore, a.cfg.Journal.QueueSize, journal.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.journal = w

	seed, err := journal.Timestamps(ctx, a.journalStore, a.positive, a.now(), a.tracker.Window())
	if err != nil {
		slog.Warn("could not seed rate tracker from journal", "err", err)
		return nil
	}
	for _, ts := range seed {
		a.tracker.Record(ts)
	}
	if len(seed) > 0 {
		slog.Info("rate tracker seeded from journal", "events", len(seed))
	}
	return nil
}

// initRecorder sets up segment persistence when enabled.
func (a *App) initRecorder() error {
	rc := a.cfg.Recording
	if !rc.Enabled {
		return nil
	}
	r, err := recording.New(a.fs, rc.Path, rc.QueueSize, recording.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.recorder = r
	return nil
}

// initDispatcher connects to the actuator and selects the first device.
func (a *App) initDispatcher(ctx context.Context) error {
	ac := a.cfg.Actuation
	d, err := dispatch.New(a.providers.Actuator, dispatch.Config{
		Floor:     ac.Floor,
		Scale:     ac.Scale,
		Hold:      ac.Hold,
		QueueSize: ac.QueueSize,
		Reconnect: resilience.Backoff{
			Initial: ac.ReconnectBackoff,
			Max:     ac.ReconnectMaxBackoff,
			Retries: ac.ReconnectRetries,
		},
		BreakerFailures: ac.BreakerFailures,
		BreakerReset:    ac.BreakerReset,
	}, dispatch.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	if err := d.Connect(ctx); err != nil {
		return err
	}
	a.dispatcher = d
	a.closers = append(a.closers, func() error {
		if a.started.Load() {
			return nil
		}
		return a.providers.Actuator.Close()
	})
	dev := d.Device()
	slog.Info("actuator ready", "device", dev.Name, "index", dev.Index, "motors", dev.Motors)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Heartbeat returns the capture loop heartbeat for liveness checks.
func (a *App) Heartbeat() *health.Heartbeat { return a.heartbeat }

// Dispatcher returns the actuation dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Tracker returns the detection rate tracker.
func (a *App) Tracker() *ratetracker.Tracker { return a.tracker }

// ReadinessChecks returns the checkers that gate /readyz: the actuator must
// not be degraded and, when the journal store can be pinged, the store must
// answer.
func (a *App) ReadinessChecks() []health.Checker {
	checks := []health.Checker{
		health.Func("actuator", func() error {
			if a.dispatcher.Degraded() {
				return fmt.Errorf("actuator degraded (breaker %s)", a.dispatcher.BreakerState())
			}
			return nil
		}),
	}
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := a.journalStore.(pinger); ok {
		checks = append(checks, health.Checker{Name: "journal", Check: p.Ping})
	}
	return checks
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the capture loop and the background workers and blocks until
// ctx is cancelled, the audio source is drained, or a fatal error occurs.
// On return every worker has stopped: pending actuation commands have been
// discarded, the device has been stopped, and queued recordings and journal
// entries have been flushed.
func (a *App) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("app: Run called twice")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	if a.recorder != nil {
		g.Go(func() error { return a.recorder.Run(gctx) })
	}
	if a.journal != nil {
		g.Go(func() error { return a.journal.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return a.capture(gctx)
	})

	slog.Info("pipeline running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// capture reads frames, feeds the segmenter and handles every completed
// segment. Capture errors reset the segmenter and back off; too many in a
// row are fatal.
func (a *App) capture(ctx context.Context) error {
	cc := a.cfg.Capture
	backoff := resilience.Backoff{Initial: cc.RetryBackoff, Max: cc.RetryMaxBackoff}
	failures := 0

	for {
		frame, err := a.providers.Audio.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, audio.ErrClosed):
				return nil
			case errors.Is(err, io.EOF):
				slog.Info("audio source drained")
				return nil
			}

			failures++
			kind := "device"
			if errors.Is(err, audio.ErrOverrun) {
				kind = "overrun"
			}
			a.metrics.RecordCaptureError(ctx, kind)
			a.segmenter.Reset()
			if failures >= cc.MaxFailures {
				return fmt.Errorf("app: capture failed %d times in a row: %w", failures, err)
			}
			delay := backoff.Delay(failures)
			slog.Warn("capture error", "kind", kind, "failures", failures, "retry_in", delay, "err", err)
			if err := resilience.Sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		failures = 0
		a.heartbeat.Beat()
		a.metrics.FramesCaptured.Add(ctx, 1)

		seg, ok := a.segmenter.Push(frame)
		if !ok {
			continue
		}
		if err := a.handleSegment(ctx, seg); err != nil {
			return err
		}
	}
}

// handleSegment classifies one segment and, on a positive detection,
// enqueues an actuation command. Every classified segment is handed to the
// recorder and the journal. Only shape mismatches are returned as errors.
func (a *App) handleSegment(ctx context.Context, seg audio.Segment) error {
	now := a.now()
	a.metrics.RecordSegment(ctx, seg.RawDuration().Seconds(), seg.Forced)

	label, err := a.classify(ctx, seg)
	if err != nil {
		if errors.Is(err, classifier.ErrShapeMismatch) {
			return fmt.Errorf("app: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		a.metrics.ClassifierErrors.Add(ctx, 1)
		return nil
	}

	volume := seg.RMS()
	entry := journal.Entry{
		At:          now,
		Label:       label,
		RawDuration: seg.RawDuration(),
		Forced:      seg.Forced,
		Volume:      volume,
	}

	if label == a.positive {
		count := a.tracker.Record(now)
		level := a.curve.Intensity(volume, count)
		a.metrics.RecentEvents.Record(ctx, int64(count))
		entry.Intensity = level
		entry.RecentCount = count

		slog.Info("detection",
			"label", label,
			"volume", volume,
			"recent", count,
			"intensity", level,
		)
		err := a.dispatcher.Enqueue(dispatch.Command{
			Intensity:   level,
			Volume:      volume,
			RecentCount: count,
			At:          now,
		})
		if err != nil {
			slog.Warn("actuation command dropped", "err", err)
		}
	} else {
		slog.Debug("segment ignored", "label", label, "volume", volume)
	}

	if a.recorder != nil {
		_ = a.recorder.Submit(seg, label)
	}
	if a.journal != nil {
		_ = a.journal.Submit(entry)
	}
	return nil
}

// classify extracts features and runs the classifier inside a span. Failures
// are logged with the span's trace ID.
func (a *App) classify(ctx context.Context, seg audio.Segment) (classifier.Label, error) {
	ctx, span := observe.StartSpan(ctx, "classify",
		trace.WithAttributes(
			attribute.Float64("segment.raw_seconds", seg.RawDuration().Seconds()),
			attribute.Bool("segment.forced", seg.Forced),
		),
	)
	defer span.End()

	start := time.Now()
	f, err := a.extractor.Extract(seg)
	if err != nil {
		observe.SpanError(span, err)
		if !errors.Is(err, classifier.ErrShapeMismatch) {
			observe.Logger(ctx).Warn("feature extraction failed, skipping segment", "err", err)
		}
		return "", fmt.Errorf("extract features: %w", err)
	}
	if a.cfg.Classifier.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Classifier.Timeout)
		defer cancel()
	}
	label, err := a.providers.Classifier.Predict(ctx, f)
	if err != nil {
		observe.SpanError(span, err)
		if !errors.Is(err, classifier.ErrShapeMismatch) && ctx.Err() == nil {
			observe.Logger(ctx).Warn("classification failed, skipping segment", "err", err)
		}
		return "", err
	}
	span.SetAttributes(attribute.String("label", string(label)))
	a.metrics.RecordClassification(ctx, string(label), time.Since(start).Seconds())
	return label, nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the subsystems New opened: the audio source first, then
// the journal store. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned. Once Run has started, the actuator transport is closed by the
// dispatcher instead.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
