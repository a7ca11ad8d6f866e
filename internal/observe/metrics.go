// Package observe provides application-wide observability primitives for
// neigh: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all neigh metrics.
const meterName = "github.com/MrWong99/neigh"

// Actuation command outcomes used as the "status" attribute.
const (
	StatusSent            = "sent"
	StatusFailed          = "failed"
	StatusDroppedFull     = "dropped_full"
	StatusDroppedDegraded = "dropped_degraded"
	StatusDiscarded       = "discarded"
)

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ClassifyDuration tracks feature extraction plus model inference.
	ClassifyDuration metric.Float64Histogram

	// ActuationDuration tracks the time to deliver a vibrate command.
	ActuationDuration metric.Float64Histogram

	// SegmentDuration tracks the raw (pre-normalisation) length of emitted
	// segments.
	SegmentDuration metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts frames read from the capture source.
	FramesCaptured metric.Int64Counter

	// CaptureErrors counts capture read failures. Use with attribute:
	//   attribute.String("kind", "overrun"|"device")
	CaptureErrors metric.Int64Counter

	// SegmentsEmitted counts segments. Use with attribute:
	//   attribute.Bool("forced", ...)
	SegmentsEmitted metric.Int64Counter

	// Classifications counts classifier outcomes. Use with attribute:
	//   attribute.String("label", ...)
	Classifications metric.Int64Counter

	// ClassifierErrors counts failed predictions.
	ClassifierErrors metric.Int64Counter

	// ActuationCommands counts commands by outcome. Use with attribute:
	//   attribute.String("status", ...) (see the Status* constants)
	ActuationCommands metric.Int64Counter

	// DeviceErrors counts transport failures. Use with attribute:
	//   attribute.String("op", "connect"|"vibrate"|"stop")
	DeviceErrors metric.Int64Counter

	// Recordings counts persisted segments. Use with attribute:
	//   attribute.String("status", "written"|"failed"|"dropped")
	Recordings metric.Int64Counter

	// JournalWrites counts journal inserts. Use with attribute:
	//   attribute.String("status", "written"|"failed"|"dropped")
	JournalWrites metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of pending actuation commands.
	QueueDepth metric.Int64UpDownCounter

	// Degraded is 1 while the actuator circuit breaker is open, 0 otherwise.
	Degraded metric.Int64Gauge

	// Intensity is the most recent commanded intensity.
	Intensity metric.Float64Gauge

	// RecentEvents is the number of positive classifications in the rate
	// window at the last detection.
	RecentEvents metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// inference and device round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// segmentBuckets covers raw segment lengths from a single frame up to the
// hard cap.
var segmentBuckets = []float64{
	0.064, 0.128, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ClassifyDuration, err = m.Float64Histogram("neigh.classify.duration",
		metric.WithDescription("Latency of feature extraction and classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActuationDuration, err = m.Float64Histogram("neigh.actuation.duration",
		metric.WithDescription("Latency of delivering a vibrate command to the device."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("neigh.segment.duration",
		metric.WithDescription("Raw length of emitted segments before normalisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("neigh.capture.frames",
		metric.WithDescription("Total frames read from the capture source."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("neigh.capture.errors",
		metric.WithDescription("Total capture errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("neigh.segments",
		metric.WithDescription("Total segments emitted by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.Classifications, err = m.Int64Counter("neigh.classifications",
		metric.WithDescription("Total classifications by label."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierErrors, err = m.Int64Counter("neigh.classifier.errors",
		metric.WithDescription("Total failed classifications."),
	); err != nil {
		return nil, err
	}
	if met.ActuationCommands, err = m.Int64Counter("neigh.actuation.commands",
		metric.WithDescription("Total actuation commands by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("neigh.device.errors",
		metric.WithDescription("Total device transport errors by operation."),
	); err != nil {
		return nil, err
	}
	if met.Recordings, err = m.Int64Counter("neigh.recordings",
		metric.WithDescription("Total persisted segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.JournalWrites, err = m.Int64Counter("neigh.journal.writes",
		metric.WithDescription("Total journal inserts by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QueueDepth, err = m.Int64UpDownCounter("neigh.actuation.queue_depth",
		metric.WithDescription("Number of pending actuation commands."),
	); err != nil {
		return nil, err
	}
	if met.Degraded, err = m.Int64Gauge("neigh.actuation.degraded",
		metric.WithDescription("1 while the device circuit breaker is open."),
	); err != nil {
		return nil, err
	}
	if met.Intensity, err = m.Float64Gauge("neigh.intensity",
		metric.WithDescription("Most recently commanded intensity."),
	); err != nil {
		return nil, err
	}
	if met.RecentEvents, err = m.Int64Gauge("neigh.recent_events",
		metric.WithDescription("Positive classifications within the rate window."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("neigh.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSegment records an emitted segment and its raw length in seconds.
func (m *Metrics) RecordSegment(ctx context.Context, rawSeconds float64, forced bool) {
	m.SegmentsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
	m.SegmentDuration.Record(ctx, rawSeconds)
}

// RecordClassification records a successful classification.
func (m *Metrics) RecordClassification(ctx context.Context, label string, seconds float64) {
	m.Classifications.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
	m.ClassifyDuration.Record(ctx, seconds)
}

// RecordActuation records the outcome of one actuation command.
func (m *Metrics) RecordActuation(ctx context.Context, status string) {
	m.RecordActuations(ctx, status, 1)
}

// RecordActuations records n commands with the same outcome.
func (m *Metrics) RecordActuations(ctx context.Context, status string, n int64) {
	m.ActuationCommands.Add(ctx, n, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDeviceError records a transport failure for op.
func (m *Metrics) RecordDeviceError(ctx context.Context, op string) {
	m.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordCaptureError records a capture failure of the given kind.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDegraded sets the degraded gauge.
func (m *Metrics) RecordDegraded(ctx context.Context, degraded bool) {
	var v int64
	if degraded {
		v = 1
	}
	m.Degraded.Record(ctx, v)
}

// Persistence outcomes used as the "status" attribute of Recordings and
// JournalWrites. Failures reuse [StatusFailed].
const (
	StatusWritten = "written"
	StatusDropped = "dropped"
)

// RecordRecording records the outcome of persisting one segment to disk.
func (m *Metrics) RecordRecording(ctx context.Context, status string) {
	m.Recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordJournalWrite records the outcome of one journal insert.
func (m *Metrics) RecordJournalWrite(ctx context.Context, status string) {
	m.JournalWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
