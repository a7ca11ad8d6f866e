// Package dispatch drives the haptic device from a bounded command queue.
//
// A [Dispatcher] owns exactly one worker goroutine ([Dispatcher.Run]) that
// takes commands in FIFO order and, for each one, sets the device strength,
// holds it, then stops the device. At most one command is in flight at any
// time, so device activations never overlap. [Dispatcher.Enqueue] never
// blocks the producer: a full queue drops the incoming command.
//
// Device failures are isolated from the producer. A failed command marks the
// device unreachable and the next command reconnects with exponential
// backoff first. Repeated failures trip a circuit breaker; while it is open
// the dispatcher is degraded and commands are dropped without touching the
// device until the breaker lets a probe through.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/neigh/internal/observe"
	"github.com/MrWong99/neigh/internal/resilience"
	"github.com/MrWong99/neigh/pkg/provider/actuator"
)

var (
	// ErrQueueFull is returned by [Dispatcher.Enqueue] when the queue has no
	// free slot. The command is dropped.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrClosed is returned by [Dispatcher.Enqueue] after the worker stopped.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)

// finalStopTimeout bounds the stop command sent during shutdown.
const finalStopTimeout = 2 * time.Second

// Command is one actuation request.
type Command struct {
	// Intensity is the requested strength in [0, 1] before scaling and
	// clamping.
	Intensity float64

	// Volume and RecentCount are the inputs the intensity was computed from.
	// They are carried for logging only.
	Volume      float64
	RecentCount int

	// At is when the triggering segment was classified.
	At time.Time
}

// Config holds the dispatcher settings.
type Config struct {
	// Floor is the minimum strength sent to the device. It must be above
	// zero so that a command never reads as a stop.
	Floor float64

	// Scale multiplies every intensity before clamping. Zero means 1.
	Scale float64

	// Hold is how long the device vibrates per command.
	Hold time.Duration

	// QueueSize bounds the number of pending commands.
	QueueSize int

	// Reconnect is the backoff policy used when the device is unreachable.
	Reconnect resilience.Backoff

	// BreakerFailures consecutive failed commands put the dispatcher in
	// degraded mode for BreakerReset.
	BreakerFailures int
	BreakerReset    time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Floor <= 0 || c.Floor > 1 {
		errs = append(errs, fmt.Errorf("floor %v is out of range (0, 1]", c.Floor))
	}
	if c.Scale < 0 {
		errs = append(errs, fmt.Errorf("scale must not be negative, got %v", c.Scale))
	}
	if c.Hold <= 0 {
		errs = append(errs, fmt.Errorf("hold must be positive, got %v", c.Hold))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	return errors.Join(errs...)
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Sent            uint64
	Failed          uint64
	DroppedFull     uint64
	DroppedDegraded uint64
	Discarded       uint64
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithMetrics records command outcomes and device errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher serialises actuation commands onto a single device.
type Dispatcher struct {
	transport actuator.Transport
	cfg       Config
	queue     chan Command
	breaker   *resilience.CircuitBreaker
	metrics   *observe.Metrics

	// mu guards device and connected.
	mu        sync.Mutex
	device    actuator.Device
	connected bool

	closed  atomic.Bool
	runOnce sync.Once

	sent, failed, droppedFull, droppedDegraded, discarded atomic.Uint64
}

// New creates a [Dispatcher] for t. The transport is not contacted until
// [Dispatcher.Connect].
func New(t actuator.Transport, cfg Config, opts ...Option) (*Dispatcher, error) {
	if t == nil {
		return nil, errors.New("dispatch: transport is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	d := &Dispatcher{
		transport: t,
		cfg:       cfg,
		queue:     make(chan Command, cfg.QueueSize),
	}
	for _, o := range opts {
		o(d)
	}
	d.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "actuator",
		MaxFailures:   cfg.BreakerFailures,
		ResetTimeout:  cfg.BreakerReset,
		HalfOpenMax:   1,
		OnStateChange: func(_, to resilience.State) {
			if d.metrics != nil {
				d.metrics.RecordDegraded(context.Background(), to == resilience.StateOpen)
			}
		},
	})
	return d, nil
}

// Connect establishes the device connection and selects the first device,
// retrying with the reconnect backoff. It must succeed before [Dispatcher.Run]
// is started.
func (d *Dispatcher) Connect(ctx context.Context) error {
	if err := d.reconnect(ctx); err != nil {
		return fmt.Errorf("dispatch: connect: %w", err)
	}
	return nil
}

// Device returns the selected device.
func (d *Dispatcher) Device() actuator.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

// Enqueue submits cmd without blocking. It returns [ErrQueueFull] when the
// queue is full and [ErrClosed] once the worker has stopped; in both cases
// the command is dropped.
func (d *Dispatcher) Enqueue(cmd Command) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- cmd:
		if d.metrics != nil {
			d.metrics.QueueDepth.Add(context.Background(), 1)
		}
		return nil
	default:
		d.droppedFull.Add(1)
		d.record(context.Background(), observe.StatusDroppedFull)
		slog.Warn("actuation queue full, dropping command",
			"intensity", cmd.Intensity,
			"queue_size", cap(d.queue),
		)
		return ErrQueueFull
	}
}

// Run is the worker loop. It blocks until ctx is cancelled, then discards
// pending commands, sends a final stop to the device and closes the
// transport. Run returns nil on a clean shutdown; it may only be called
// once.
func (d *Dispatcher) Run(ctx context.Context) error {
	started := false
	d.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("dispatch: Run called twice")
	}
	defer d.shutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.queue:
			if d.metrics != nil {
				d.metrics.QueueDepth.Add(ctx, -1)
			}
			if ctx.Err() != nil {
				d.discard(1)
				return nil
			}
			d.handle(ctx, cmd)
		}
	}
}

// handle executes one command.
func (d *Dispatcher) handle(ctx context.Context, cmd Command) {
	level := Clamp(cmd.Intensity, d.cfg.Floor, d.cfg.Scale)
	err := d.breaker.Execute(func() error { return d.actuate(ctx, level) })
	switch {
	case err == nil:
		d.sent.Add(1)
		d.record(ctx, observe.StatusSent)
		slog.Debug("actuation command sent",
			"level", level,
			"volume", cmd.Volume,
			"recent_count", cmd.RecentCount,
			"latency", time.Since(cmd.At),
		)
	case errors.Is(err, resilience.ErrCircuitOpen):
		d.droppedDegraded.Add(1)
		d.record(ctx, observe.StatusDroppedDegraded)
		slog.Warn("actuator degraded, dropping command", "level", level)
	case ctx.Err() != nil:
		// Shutdown interrupted the command; the final stop follows.
	default:
		d.failed.Add(1)
		d.record(ctx, observe.StatusFailed)
		slog.Error("actuation command failed", "level", level, "err", err)
	}
}

// actuate performs vibrate, hold, stop. Any device error marks the device
// unreachable so the next command reconnects first.
func (d *Dispatcher) actuate(ctx context.Context, level float64) error {
	if !d.isConnected() {
		if err := d.reconnect(ctx); err != nil {
			return err
		}
	}
	dev := d.Device()

	start := time.Now()
	if err := d.transport.Vibrate(ctx, dev, level); err != nil {
		d.deviceError(ctx, "vibrate", err)
		return fmt.Errorf("vibrate %q: %w", dev.Name, err)
	}
	if d.metrics != nil {
		d.metrics.ActuationDuration.Record(ctx, time.Since(start).Seconds())
		d.metrics.Intensity.Record(ctx, level)
	}

	if err := resilience.Sleep(ctx, d.cfg.Hold); err != nil {
		return err
	}

	if err := d.transport.Stop(ctx, dev); err != nil {
		d.deviceError(ctx, "stop", err)
		return fmt.Errorf("stop %q: %w", dev.Name, err)
	}
	return nil
}

// reconnect (re)establishes the transport connection and selects the first
// device.
func (d *Dispatcher) reconnect(ctx context.Context) error {
	return d.cfg.Reconnect.Retry(ctx, "actuator", func(ctx context.Context) error {
		if err := d.transport.Connect(ctx); err != nil {
			d.deviceError(ctx, "connect", err)
			return err
		}
		devices, err := d.transport.Devices(ctx)
		if err != nil {
			d.deviceError(ctx, "devices", err)
			return err
		}
		if len(devices) == 0 {
			return actuator.ErrNoDevices
		}

		d.mu.Lock()
		d.device = devices[0]
		d.connected = true
		d.mu.Unlock()
		slog.Info("actuator connected",
			"device", devices[0].Name,
			"index", devices[0].Index,
			"available", len(devices),
		)
		return nil
	})
}

func (d *Dispatcher) isConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Dispatcher) deviceError(ctx context.Context, op string, err error) {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.RecordDeviceError(ctx, op)
	}
	slog.Warn("actuator device error, marking unreachable", "op", op, "err", err)
}

// shutdown discards pending commands, stops the device and closes the
// transport.
func (d *Dispatcher) shutdown(ctx context.Context) {
	d.closed.Store(true)

	var n int
drain:
	for {
		select {
		case <-d.queue:
			n++
		default:
			break drain
		}
	}
	if n > 0 && d.metrics != nil {
		d.metrics.QueueDepth.Add(context.Background(), -int64(n))
	}
	d.discard(n)

	if d.isConnected() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalStopTimeout)
		if err := d.transport.Stop(stopCtx, d.Device()); err != nil {
			slog.Warn("final stop failed", "err", err)
		}
		cancel()
	}
	if err := d.transport.Close(); err != nil {
		slog.Warn("closing actuator transport", "err", err)
	}
}

// discard counts n commands that were never executed.
func (d *Dispatcher) discard(n int) {
	if n <= 0 {
		return
	}
	d.discarded.Add(uint64(n))
	if d.metrics != nil {
		d.metrics.RecordActuations(context.Background(), observe.StatusDiscarded, int64(n))
	}
	slog.Info("discarded pending actuation commands", "count", n)
}

func (d *Dispatcher) record(ctx context.Context, status string) {
	if d.metrics != nil {
		d.metrics.RecordActuation(ctx, status)
	}
}

// Degraded reports whether the circuit breaker is open. Once the reset
// timeout has elapsed the dispatcher is no longer degraded, even before the
// next command probes the device.
func (d *Dispatcher) Degraded() bool {
	return d.breaker.State() == resilience.StateOpen
}

// BreakerState returns the circuit breaker state.
func (d *Dispatcher) BreakerState() resilience.State {
	return d.breaker.State()
}

// Pending returns the number of queued commands.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:            d.sent.Load(),
		Failed:          d.failed.Load(),
		DroppedFull:     d.droppedFull.Load(),
		DroppedDegraded: d.droppedDegraded.Load(),
		Discarded:       d.discarded.Load(),
	}
}

// Clamp applies scale to v and clamps the result to [floor, 1]. NaN maps to
// floor.
func Clamp(v, floor, scale float64) float64 {
	v *= scale
	if math.IsNaN(v) || v < floor {
		return floor
	}
	return min(v, 1)
}
