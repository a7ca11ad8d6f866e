package intensity_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/neigh/internal/intensity"
)

func defaultParams() intensity.Params {
	return intensity.Params{
		MaxExpectedVolume: 1600,
		BuildupCount:      20,
		Window:            60 * time.Second,
	}
}

func mustCurve(t *testing.T, kind intensity.Kind) intensity.Curve {
	t.Helper()
	c, err := intensity.New(kind, defaultParams())
	if err != nil {
		t.Fatalf("New(%q): %v", kind, err)
	}
	return c
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	t.Parallel()
	if _, err := intensity.New("cruel", defaultParams()); err == nil {
		t.Fatal("expected error for unknown curve")
	}
}

func TestNew_RejectsBadParams(t *testing.T) {
	t.Parallel()
	if _, err := intensity.New(intensity.Linear, intensity.Params{}); err == nil {
		t.Error("expected error for zero max expected volume")
	}
	p := defaultParams()
	p.BuildupCount = 0
	if _, err := intensity.New(intensity.Evil, p); err == nil {
		t.Error("expected error for zero buildup count on evil curve")
	}
	// Linear ignores buildup parameters.
	if _, err := intensity.New(intensity.Linear, p); err != nil {
		t.Errorf("linear with zero buildup: %v", err)
	}
}

func TestLinear_KnownValues(t *testing.T) {
	t.Parallel()
	c := mustCurve(t, intensity.Linear)

	tests := []struct {
		volume float64
		want   float64
	}{
		{0, 0},
		{200, 0.12}, // 0.125
		{500, 0.31}, // 0.3125
		{1000, 0.62}, // 0.625
		{800, 0.5},
		{1600, 1},
		{5000, 1},
		{-20, 0},
	}
	for _, tc := range tests {
		if got := c.Intensity(tc.volume, 1); got != tc.want {
			t.Errorf("Intensity(%v) = %v, want %v", tc.volume, got, tc.want)
		}
	}
}

func TestLinear_BoundedAndMonotone(t *testing.T) {
	t.Parallel()
	c := mustCurve(t, intensity.Linear)

	prev := 0.0
	for v := 0.0; v <= 10000; v += 7.3 {
		got := c.Intensity(v, 0)
		if got < 0 || got > 1 {
			t.Fatalf("Intensity(%v) = %v out of [0,1]", v, got)
		}
		if got < prev {
			t.Fatalf("Intensity decreased at %v: %v < %v", v, got, prev)
		}
		prev = got
	}
}

func TestEvil_KnownValue(t *testing.T) {
	t.Parallel()
	c := mustCurve(t, intensity.Evil)

	// base = 1/(1+e^(5-500/160)) ≈ 0.13297, multiplier = 1/20, factor 0.525.
	if got := c.Intensity(500, 1); got != 0.07 {
		t.Errorf("Intensity(500, 1) = %v, want 0.07", got)
	}
	// Same inputs are reproducible bit for bit.
	if a, b := c.Intensity(500, 1), c.Intensity(500, 1); math.Float64bits(a) != math.Float64bits(b) {
		t.Error("evil curve is not deterministic")
	}
}

func TestEvil_BoundedAndMonotone(t *testing.T) {
	t.Parallel()
	c := mustCurve(t, intensity.Evil)

	for _, n := range []int{0, 1, 5, 19, 20, 21, 1000} {
		prev := 0.0
		for v := 0.0; v <= 10000; v += 11.1 {
			got := c.Intensity(v, n)
			if got < 0 || got > 1 {
				t.Fatalf("Intensity(%v, %d) = %v out of [0,1]", v, n, got)
			}
			if got < prev {
				t.Fatalf("Intensity not monotone in volume at (%v, %d)", v, n)
			}
			prev = got
		}
	}

	for _, v := range []float64{0, 200, 800, 1600, 4000} {
		prev := 0.0
		for n := range 200 {
			got := c.Intensity(v, n)
			if got < prev {
				t.Fatalf("Intensity not monotone in count at (%v, %d)", v, n)
			}
			prev = got
		}
	}
}

func TestEvil_RateMultiplierCapped(t *testing.T) {
	t.Parallel()
	c := mustCurve(t, intensity.Evil)

	for _, n := range []int{0, 10, 20, 21, 1 << 20} {
		if m := c.RateMultiplier(n); m > 1 {
			t.Errorf("RateMultiplier(%d) = %v, want <= 1", n, m)
		}
	}
	if m := c.RateMultiplier(10); m != 0.5 {
		t.Errorf("RateMultiplier(10) = %v, want 0.5", m)
	}
	if a, b := c.Intensity(1600, 20), c.Intensity(1600, 5000); a != b {
		t.Errorf("bonus keeps growing past buildup: %v vs %v", a, b)
	}
}

func TestRound2_HalfToEven(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want float64 }{
		{0.125, 0.12},
		{0.375, 0.38},
		{0.625, 0.62},
		{0.3125, 0.31},
		{0.994, 0.99},
		{0.996, 1},
		{-0.125, -0.12},
	}
	for _, tc := range tests {
		if got := intensity.Round2(tc.in); got != tc.want {
			t.Errorf("Round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
