// Package recording persists classified segments as WAV files for later
// retraining.
//
// Every segment is written to <root>/<label>/output_<unix seconds>.wav as
// 16-bit mono PCM. Writes happen on a background worker fed by a bounded
// queue so the capture loop never waits on disk I/O; a full queue drops the
// segment. Write failures are logged and counted, never propagated.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/MrWong99/neigh/internal/observe"
	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

// ErrQueueFull is returned by [Recorder.Submit] when the segment was dropped.
var ErrQueueFull = errors.New("recording: queue full")

// ErrClosed is returned by [Recorder.Submit] once the worker has stopped.
var ErrClosed = errors.New("recording: recorder closed")

const bitDepth = 16

type job struct {
	seg   audio.Segment
	label classifier.Label
	at    time.Time
}

// Option is a functional option for [New].
type Option func(*Recorder)

// WithMetrics counts write outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder writes segments asynchronously. Submit is safe for concurrent use;
// Run must be called exactly once.
type Recorder struct {
	fs      afero.Fs
	root    string
	queue   chan job
	now     func() time.Time
	metrics *observe.Metrics

	mu     sync.RWMutex
	closed bool

	// nameMu serialises name selection so two segments within the same
	// second never share a file.
	nameMu sync.Mutex
}

// New returns a Recorder rooted at root on fs with room for queueSize
// pending segments.
func New(fs afero.Fs, root string, queueSize int, opts ...Option) (*Recorder, error) {
	if fs == nil {
		return nil, errors.New("recording: filesystem is nil")
	}
	if root == "" {
		return nil, errors.New("recording: root path is empty")
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("recording: queue size must be positive, got %d", queueSize)
	}
	r := &Recorder{
		fs:    fs,
		root:  root,
		queue: make(chan job, queueSize),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Submit queues seg for writing under label without blocking.
func (r *Recorder) Submit(seg audio.Segment, label classifier.Label) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- job{seg: seg, label: label, at: r.now()}:
		return nil
	default:
		r.record(observe.StatusDropped)
		slog.Warn("recording: queue full, dropping segment", "label", label)
		return ErrQueueFull
	}
}

// Run writes queued segments until ctx is cancelled, then flushes whatever
// is still queued and returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case j := <-r.queue:
			r.write(j)
		case <-ctx.Done():
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
			for {
				select {
				case j := <-r.queue:
					r.write(j)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(j job) {
	path, err := r.Write(j.seg, j.label, j.at)
	if err != nil {
		r.record(observe.StatusFailed)
		slog.Warn("recording: write failed", "label", j.label, "err", err)
		return
	}
	r.record(observe.StatusWritten)
	slog.Debug("recording: segment written", "path", path, "label", j.label)
}

// Write stores seg synchronously and returns the path it was written to.
func (r *Recorder) Write(seg audio.Segment, label classifier.Label, at time.Time) (string, error) {
	if label == "" {
		return "", errors.New("recording: empty label")
	}
	dir := filepath.Join(r.root, string(label))
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("recording: create %q: %w", dir, err)
	}

	r.nameMu.Lock()
	defer r.nameMu.Unlock()

	path, err := r.freeName(dir, at)
	if err != nil {
		return "", err
	}
	f, err := r.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("recording: create %q: %w", path, err)
	}
	if err := encode(f, seg); err != nil {
		f.Close()
		_ = r.fs.Remove(path)
		return "", fmt.Errorf("recording: encode %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("recording: close %q: %w", path, err)
	}
	return path, nil
}

// freeName returns output_<unix>.wav, adding a numeric suffix when a file
// for the same second already exists.
func (r *Recorder) freeName(dir string, at time.Time) (string, error) {
	base := "output_" + strconv.FormatInt(at.Unix(), 10)
	for i := 0; ; i++ {
		name := base + ".wav"
		if i > 0 {
			name = base + "_" + strconv.Itoa(i) + ".wav"
		}
		path := filepath.Join(dir, name)
		exists, err := afero.Exists(r.fs, path)
		if err != nil {
			return "", fmt.Errorf("recording: stat %q: %w", path, err)
		}
		if !exists {
			return path, nil
		}
	}
}

func encode(f afero.File, seg audio.Segment) error {
	rate := seg.SampleRate
	if rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", rate)
	}
	data := make([]int, len(seg.Samples))
	for i, s := range seg.Samples {
		data[i] = int(s)
	}
	enc := wav.NewEncoder(f, rate, bitDepth, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func (r *Recorder) record(status string) {
	if r.metrics != nil {
		r.metrics.RecordRecording(context.Background(), status)
	}
}
