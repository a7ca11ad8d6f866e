// Package actuator defines the Transport interface for haptic devices.
//
// A Transport wraps a device server connection (e.g. an Intiface server
// speaking the Buttplug protocol) and exposes the handful of operations the
// actuation dispatcher needs: connect, enumerate, set a vibration strength,
// stop. The dispatcher is the only caller; implementations need not support
// concurrent commands but must allow Close to be called at any time.
package actuator

import (
	"context"
	"errors"
)

// ErrNoDevices is returned by [Transport.Devices] when no device appeared
// before the scan gave up.
var ErrNoDevices = errors.New("actuator: no devices found")

// ErrNotConnected is returned by device commands issued before
// [Transport.Connect] succeeded or after the connection dropped.
var ErrNotConnected = errors.New("actuator: not connected")

// Device identifies one controllable device on the server.
type Device struct {
	// Index is the server-assigned device index.
	Index int

	// Name is the human-readable device name.
	Name string

	// Motors is the number of vibration motors. Zero means unknown; a
	// vibrate command then addresses a single motor.
	Motors int
}

// Transport is the abstraction over a device server connection.
type Transport interface {
	// Connect establishes the server connection and performs any handshake.
	// Calling Connect on a connected transport reconnects.
	Connect(ctx context.Context) error

	// Devices returns the known devices, scanning until at least one is
	// available or the implementation's scan timeout expires ([ErrNoDevices]).
	Devices(ctx context.Context) ([]Device, error)

	// Vibrate sets every motor of d to strength in [0, 1].
	Vibrate(ctx context.Context, d Device, strength float64) error

	// Stop halts all activity on d.
	Stop(ctx context.Context, d Device) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}
