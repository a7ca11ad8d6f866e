// Package intensity maps a detected event's loudness and the recent event
// rate to an actuation strength in [0, 1].
//
// The set of curves is closed: a [Curve] is built from a [Kind] chosen at
// configuration time, and adding a curve means adding a Kind. Curves are pure
// and safe for concurrent use.
package intensity

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind selects a curve variant.
type Kind string

const (
	// Linear scales volume against the expected maximum.
	Linear Kind = "linear"

	// Evil applies a logistic curve to volume and boosts it with the recent
	// event rate, reaching full strength after BuildupCount events per window.
	Evil Kind = "evil"
)

// IsValid reports whether k is a recognised curve.
func (k Kind) IsValid() bool {
	return k == Linear || k == Evil
}

// Params are the tuning knobs shared by all curves.
type Params struct {
	// MaxExpectedVolume is the RMS level treated as full scale.
	MaxExpectedVolume float64

	// BuildupCount is the number of events within Window needed for the
	// maximum rate bonus (Evil only).
	BuildupCount int

	// Window is the rate sampling window (Evil only).
	Window time.Duration
}

// Curve computes intensities for one variant.
type Curve struct {
	kind Kind
	p    Params
}

// New returns the curve for kind.
func New(kind Kind, p Params) (Curve, error) {
	var errs []error
	if !kind.IsValid() {
		errs = append(errs, fmt.Errorf("unknown curve %q; valid values: linear, evil", kind))
	}
	if p.MaxExpectedVolume <= 0 {
		errs = append(errs, fmt.Errorf("max expected volume must be positive, got %v", p.MaxExpectedVolume))
	}
	if kind == Evil {
		if p.BuildupCount <= 0 {
			errs = append(errs, fmt.Errorf("buildup count must be positive, got %d", p.BuildupCount))
		}
		if p.Window <= 0 {
			errs = append(errs, fmt.Errorf("window must be positive, got %v", p.Window))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Curve{}, fmt.Errorf("intensity: %w", err)
	}
	return Curve{kind: kind, p: p}, nil
}

// Kind returns the curve variant.
func (c Curve) Kind() Kind { return c.kind }

// Intensity returns the actuation strength for an event of the given volume
// when recentCount events (including this one) fell inside the window.
// Negative inputs are treated as zero.
func (c Curve) Intensity(volume float64, recentCount int) float64 {
	volume = math.Max(0, volume)
	recentCount = max(0, recentCount)

	var v float64
	switch c.kind {
	case Evil:
		v = c.evil(volume, recentCount)
	default:
		v = c.linear(volume)
	}
	return clamp01(v)
}

func (c Curve) linear(volume float64) float64 {
	return math.Min(1, Round2(volume/c.p.MaxExpectedVolume))
}

func (c Curve) evil(volume float64, recentCount int) float64 {
	base := 1 / (1 + math.Exp(5-volume/(c.p.MaxExpectedVolume/10)))
	return Round2(base * (0.5 + 0.5*c.RateMultiplier(recentCount)))
}

// RateMultiplier returns min(1, frequency / (BuildupCount / Window)) where
// frequency is recentCount per window second. It never exceeds 1.
func (c Curve) RateMultiplier(recentCount int) float64 {
	if c.p.BuildupCount <= 0 || c.p.Window <= 0 {
		return 1
	}
	window := c.p.Window.Seconds()
	freq := float64(max(0, recentCount)) / window
	return math.Min(1, freq/(float64(c.p.BuildupCount)/window))
}

// Round2 rounds x to two decimal places. Exact halves go to the even
// neighbour, so 0.125 becomes 0.12 and 0.375 becomes 0.38.
func Round2(x float64) float64 {
	return math.RoundToEven(x*100) / 100
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
