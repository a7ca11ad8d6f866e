// Package mock provides a test double for [actuator.Transport].
//
// Transport records every command with the time it was issued so tests can
// assert on ordering and on the gaps between vibrate and stop. Errors can be
// injected per operation, either permanently or for the next N calls.
//
// Example:
//
//	tr := &mock.Transport{
//	    DeviceList:       []actuator.Device{{Index: 0, Name: "Lush"}},
//	    VibrateErr:       errors.New("device gone"),
//	    VibrateErrCount: 2,
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/neigh/pkg/provider/actuator"
)

// Op names a recorded transport operation.
type Op string

const (
	OpConnect Op = "connect"
	OpDevices Op = "devices"
	OpVibrate Op = "vibrate"
	OpStop    Op = "stop"
	OpClose   Op = "close"
)

// Call records a single transport invocation.
type Call struct {
	Op       Op
	Device   actuator.Device
	Strength float64
	At       time.Time
}

// Transport is a mock implementation of actuator.Transport.
type Transport struct {
	mu sync.Mutex

	// DeviceList is returned by Devices. An empty list yields
	// actuator.ErrNoDevices.
	DeviceList []actuator.Device

	// ConnectErr, if non-nil, is returned by Connect. When ConnectErrCount
	// is positive only that many calls fail.
	ConnectErr      error
	ConnectErrCount int

	// VibrateErr, if non-nil, is returned by Vibrate. When VibrateErrCount
	// is positive only that many calls fail.
	VibrateErr      error
	VibrateErrCount int

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// VibrateDelay, if positive, makes Vibrate block for that long (or
	// until ctx is cancelled).
	VibrateDelay time.Duration

	// Calls records every invocation in order.
	Calls []Call

	active bool
}

func (t *Transport) record(op Op, d actuator.Device, strength float64) {
	t.Calls = append(t.Calls, Call{Op: op, Device: d, Strength: strength, At: time.Now()})
}

// failNext decrements *count when err applies and reports whether it does.
func failNext(err error, count *int) bool {
	if err == nil {
		return false
	}
	if *count == 0 {
		return true
	}
	if *count > 0 {
		*count--
		if *count == 0 {
			*count = -1
		}
		return true
	}
	return false
}

// Connect records the call.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(OpConnect, actuator.Device{}, 0)
	if failNext(t.ConnectErr, &t.ConnectErrCount) {
		return t.ConnectErr
	}
	return nil
}

// Devices records the call and returns DeviceList.
func (t *Transport) Devices(_ context.Context) ([]actuator.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(OpDevices, actuator.Device{}, 0)
	if len(t.DeviceList) == 0 {
		return nil, actuator.ErrNoDevices
	}
	out := make([]actuator.Device, len(t.DeviceList))
	copy(out, t.DeviceList)
	return out, nil
}

// Vibrate records the call.
func (t *Transport) Vibrate(ctx context.Context, d actuator.Device, strength float64) error {
	t.mu.Lock()
	t.record(OpVibrate, d, strength)
	if failNext(t.VibrateErr, &t.VibrateErrCount) {
		err := t.VibrateErr
		t.mu.Unlock()
		return err
	}
	t.active = true
	delay := t.VibrateDelay
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Stop records the call.
func (t *Transport) Stop(_ context.Context, d actuator.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(OpStop, d, 0)
	if t.StopErr != nil {
		return t.StopErr
	}
	t.active = false
	return nil
}

// Close records the call.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(OpClose, actuator.Device{}, 0)
	return nil
}

// Snapshot returns a copy of the recorded calls. Thread-safe.
func (t *Transport) Snapshot() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.Calls))
	copy(out, t.Calls)
	return out
}

// CallsOf returns the recorded calls of the given op. Thread-safe.
func (t *Transport) CallsOf(op Op) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Active reports whether the last successful command left the device
// vibrating.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
}

// Ensure Transport implements actuator.Transport at compile time.
var _ actuator.Transport = (*Transport)(nil)
