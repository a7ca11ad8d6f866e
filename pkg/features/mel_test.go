package features

import (
	"math"
	"testing"
)

func TestHzToMel_SlaneyScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hz, mel float64
	}{
		{0, 0},
		{500, 7.5},
		{1000, 15},
		{6400, 42},
	}
	for _, tt := range tests {
		if got := hzToMel(tt.hz); math.Abs(got-tt.mel) > 1e-9 {
			t.Errorf("hzToMel(%v) = %v, want %v", tt.hz, got, tt.mel)
		}
		if got := melToHz(tt.mel); math.Abs(got-tt.hz) > 1e-6 {
			t.Errorf("melToHz(%v) = %v, want %v", tt.mel, got, tt.hz)
		}
	}
}

func TestMelFilterbank_Triangles(t *testing.T) {
	t.Parallel()

	fb := melFilterbank(16000, 2048, 128)
	if len(fb) != 128 || len(fb[0]) != 1025 {
		t.Fatalf("filterbank shape = %dx%d, want 128x1025", len(fb), len(fb[0]))
	}

	prevPeak := -1
	for i, row := range fb {
		peak, nonzero := 0, 0
		for k, w := range row {
			if w < 0 {
				t.Fatalf("filter %d bin %d negative: %v", i, k, w)
			}
			if w > 0 {
				nonzero++
			}
			if w > row[peak] {
				peak = k
			}
		}
		if nonzero == 0 && i > 8 {
			t.Errorf("filter %d is empty", i)
		}
		if nonzero > 0 && peak < prevPeak {
			t.Errorf("filter %d peaks at bin %d before filter %d (bin %d)", i, peak, i-1, prevPeak)
		}
		if nonzero > 0 {
			prevPeak = peak
		}
	}
}

func TestDCTBasis_Orthonormal(t *testing.T) {
	t.Parallel()

	const size = 16
	b := dctBasis(size, size)
	for i := range size {
		for j := range size {
			var dot float64
			for n := range size {
				dot += b[i][n] * b[j][n]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > 1e-9 {
				t.Errorf("row %d · row %d = %v, want %v", i, j, dot, want)
			}
		}
	}
}

func TestPeriodicHann(t *testing.T) {
	t.Parallel()

	w := periodicHann(8)
	if len(w) != 8 {
		t.Fatalf("len = %d, want 8", len(w))
	}
	if w[0] != 0 {
		t.Errorf("w[0] = %v, want 0", w[0])
	}
	if math.Abs(w[4]-1) > 1e-12 {
		t.Errorf("w[4] = %v, want 1 at the centre of a periodic window", w[4])
	}
	if math.Abs(w[1]-w[7]) > 1e-12 {
		t.Errorf("window not symmetric around n/2: w[1]=%v w[7]=%v", w[1], w[7])
	}
}

func TestPadSignal(t *testing.T) {
	t.Parallel()

	in := []int16{1, 2, 3, 4, 5}
	tests := []struct {
		mode PadMode
		want []int16
	}{
		{PadReflect, []int16{3, 2, 1, 2, 3, 4, 5, 4, 3}},
		{PadConstant, []int16{0, 0, 1, 2, 3, 4, 5, 0, 0}},
	}
	for _, tt := range tests {
		got := padSignal(in, 2, tt.mode)
		if len(got) != len(tt.want) {
			t.Fatalf("%s: len = %d, want %d", tt.mode, len(got), len(tt.want))
		}
		for i, w := range tt.want {
			if got[i] != float64(w)*int16Scale {
				t.Errorf("%s: padded[%d] = %v, want %v", tt.mode, i, got[i]/int16Scale, w)
			}
		}
	}
}
