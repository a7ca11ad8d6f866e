package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetriesExhausted is returned by [Backoff.Retry] when every attempt failed.
var ErrRetriesExhausted = errors.New("resilience: retries exhausted")

// Default backoff parameters.
const (
	defaultRetries    = 10
	defaultInitial    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Backoff is an exponential backoff policy: the delay starts at Initial and
// doubles after every failed attempt, capped at Max.
type Backoff struct {
	// Initial is the delay after the first failure. Defaults to 1s if zero.
	Initial time.Duration

	// Max is the upper limit on the delay. Defaults to 30s if zero.
	Max time.Duration

	// Retries is the maximum number of attempts made by Retry. Defaults to
	// 10 if zero.
	Retries int
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = defaultInitial
	}
	if b.Max <= 0 {
		b.Max = defaultMaxBackoff
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Retries <= 0 {
		b.Retries = defaultRetries
	}
	return b
}

// Delay returns the wait after the given number of consecutive failures
// (1 = first failure).
func (b Backoff) Delay(failures int) time.Duration {
	b = b.withDefaults()
	if failures < 1 {
		return 0
	}
	d := b.Initial
	for range failures - 1 {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, ctx is done, or Retries attempts have
// failed. The error of the last attempt is wrapped together with
// [ErrRetriesExhausted]. name labels the log lines.
func (b Backoff) Retry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b = b.withDefaults()

	var err error
	for attempt := 1; attempt <= b.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "name", name, "attempt", attempt)
			}
			return nil
		}
		if attempt == b.Retries {
			break
		}

		delay := b.Delay(attempt)
		slog.Warn("attempt failed, backing off",
			"name", name,
			"attempt", attempt,
			"max_retries", b.Retries,
			"backoff", delay,
			"err", err,
		)
		if werr := Sleep(ctx, delay); werr != nil {
			return werr
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, name, b.Retries, err)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
