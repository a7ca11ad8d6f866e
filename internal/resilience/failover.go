package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Call] when every backend of a [Failover]
// failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all backends failed")

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover holds a primary backend and standbys of the same type. Each has
// its own [CircuitBreaker], so a backend that keeps failing is skipped until
// its reset timeout elapses. Backends must be added before the first call.
type Failover[T any] struct {
	breaker  CircuitBreakerConfig
	backends []backend[T]
}

// NewFailover creates a [Failover] with primary as its first backend. cfg is
// the template for every backend's breaker; its Name is replaced with the
// backend name.
func NewFailover[T any](name string, primary T, cfg CircuitBreakerConfig) *Failover[T] {
	f := &Failover[T]{breaker: cfg}
	f.Add(name, primary)
	return f
}

// Add appends a standby, tried after every backend added before it.
func (f *Failover[T]) Add(name string, standby T) {
	cfg := f.breaker
	cfg.Name = name
	f.backends = append(f.backends, backend[T]{
		name:    name,
		value:   standby,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Names returns the backend names in the order they are tried.
func (f *Failover[T]) Names() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// Call runs fn against each backend in order and returns the first success.
// It stops without trying further backends once ctx is done. When every
// backend fails the error wraps both [ErrAllFailed] and the last failure.
func Call[T, R any](ctx context.Context, f *Failover[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.backends {
		b := &f.backends[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := b.breaker.Execute(func() error {
			var err error
			out, err = fn(b.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", b.name)
			continue
		}
		if i < len(f.backends)-1 {
			slog.Warn("backend failed, trying next", "backend", b.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
