package features

import "math"

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSp       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSp
)

var melLogStep = math.Log(6.4) / 27

// hzToMel converts a frequency to the Slaney mel scale.
func hzToMel(f float64) float64 {
	if f < melMinLogHz {
		return f / melFSp
	}
	return melMinLogMel + math.Log(f/melMinLogHz)/melLogStep
}

// melToHz is the inverse of hzToMel.
func melToHz(m float64) float64 {
	if m < melMinLogMel {
		return m * melFSp
	}
	return melMinLogHz * math.Exp(melLogStep*(m-melMinLogMel))
}

// melFilterbank builds nMels triangular filters spanning 0 Hz to Nyquist over
// the nfft/2+1 FFT bins, each scaled to unit area (Slaney normalisation).
func melFilterbank(sampleRate, nfft, nMels int) [][]float64 {
	bins := nfft/2 + 1
	nyquist := float64(sampleRate) / 2

	fftFreqs := make([]float64, bins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * nyquist / float64(bins-1)
	}

	// nMels+2 band edges evenly spaced in mel.
	edges := make([]float64, nMels+2)
	lo, hi := hzToMel(0), hzToMel(nyquist)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nMels+1))
	}

	fb := make([][]float64, nMels)
	for i := range fb {
		left, centre, right := edges[i], edges[i+1], edges[i+2]
		enorm := 2 / (right - left)
		row := make([]float64, bins)
		for k, f := range fftFreqs {
			lower := (f - left) / (centre - left)
			upper := (right - f) / (right - centre)
			row[k] = max(0, min(lower, upper)) * enorm
		}
		fb[i] = row
	}
	return fb
}
