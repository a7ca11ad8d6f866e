// Package features computes the MFCC tensors the classifier consumes.
//
// The pipeline matches the usual librosa defaults: samples are scaled to
// [-1, 1), framed with centre padding (reflect or zeros), windowed with a periodic Hann
// window, turned into a power spectrum, projected onto a Slaney-normalised
// mel filterbank, converted to decibels with an 80 dB dynamic-range floor,
// and finally decorrelated with an orthonormal DCT-II. For a one-second
// segment at 16 kHz with the defaults the result has shape [40 32 1].
package features

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

var _ classifier.Extractor = (*MFCC)(nil)

const (
	// amin is the power floor before taking the logarithm.
	amin = 1e-10

	// topDB is the dynamic range kept below the loudest bin.
	topDB = 80.0

	// int16Scale converts PCM samples to floats in [-1, 1).
	int16Scale = 1.0 / 32768.0
)

// PadMode selects how a segment is extended by NFFT/2 samples on each side
// before framing.
type PadMode string

const (
	// PadReflect mirrors the signal around its first and last samples
	// without repeating them. Models trained with librosa before 0.10 expect
	// this.
	PadReflect PadMode = "reflect"

	// PadConstant pads with zeros, the librosa 0.10 default.
	PadConstant PadMode = "constant"
)

// Config parameterises the extractor.
type Config struct {
	// SampleRate of the segments in Hz.
	SampleRate int

	// Samples is the fixed segment length in samples.
	Samples int

	// NMFCC is the number of coefficients kept per frame.
	NMFCC int

	// NFFT is the FFT and window length.
	NFFT int

	// HopLength is the distance between frame starts.
	HopLength int

	// NMels is the number of mel bands.
	NMels int

	// PadMode is the centre padding. Empty means PadReflect.
	PadMode PadMode
}

// DefaultConfig returns the parameters for one-second segments at 16 kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		Samples:    16000,
		NMFCC:      40,
		NFFT:       2048,
		HopLength:  512,
		NMels:      128,
		PadMode:    PadReflect,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Samples <= 0 {
		errs = append(errs, fmt.Errorf("samples must be positive, got %d", c.Samples))
	}
	if c.NFFT <= 0 {
		errs = append(errs, fmt.Errorf("n_fft must be positive, got %d", c.NFFT))
	}
	if c.HopLength <= 0 {
		errs = append(errs, fmt.Errorf("hop length must be positive, got %d", c.HopLength))
	}
	if c.NMels <= 0 {
		errs = append(errs, fmt.Errorf("n_mels must be positive, got %d", c.NMels))
	}
	if c.NMFCC <= 0 || c.NMFCC > c.NMels {
		errs = append(errs, fmt.Errorf("n_mfcc must be in [1, n_mels], got %d", c.NMFCC))
	}
	switch c.padMode() {
	case PadConstant:
	case PadReflect:
		if c.NFFT > 0 && c.Samples <= c.NFFT/2 {
			errs = append(errs, fmt.Errorf("reflect padding needs more than %d samples, got %d", c.NFFT/2, c.Samples))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown pad mode %q; valid values: reflect, constant", c.PadMode))
	}
	return errors.Join(errs...)
}

func (c Config) padMode() PadMode {
	if c.PadMode == "" {
		return PadReflect
	}
	return c.PadMode
}

// Frames returns the number of analysis frames for a segment.
func (c Config) Frames() int {
	return 1 + c.Samples/c.HopLength
}

// MFCC is a deterministic MFCC extractor. It holds only precomputed
// read-only tables and is safe for concurrent use.
type MFCC struct {
	cfg    Config
	frames int
	window []float64
	melFB  [][]float64 // [NMels][NFFT/2+1]
	dct    [][]float64 // [NMFCC][NMels]
}

// New precomputes the window, filterbank and DCT basis for cfg.
func New(cfg Config) (*MFCC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	return &MFCC{
		cfg:    cfg,
		frames: cfg.Frames(),
		window: periodicHann(cfg.NFFT),
		melFB:  melFilterbank(cfg.SampleRate, cfg.NFFT, cfg.NMels),
		dct:    dctBasis(cfg.NMFCC, cfg.NMels),
	}, nil
}

// Shape implements classifier.Extractor.
func (m *MFCC) Shape() classifier.Shape {
	return classifier.Shape{m.cfg.NMFCC, m.frames, 1}
}

// Extract implements classifier.Extractor. The segment must already be
// normalised to the configured length.
func (m *MFCC) Extract(seg audio.Segment) (classifier.Features, error) {
	if len(seg.Samples) != m.cfg.Samples {
		return classifier.Features{}, fmt.Errorf("features: %w: segment has %d samples, want %d",
			classifier.ErrShapeMismatch, len(seg.Samples), m.cfg.Samples)
	}
	if seg.SampleRate != 0 && seg.SampleRate != m.cfg.SampleRate {
		return classifier.Features{}, fmt.Errorf("features: segment sample rate %d, want %d",
			seg.SampleRate, m.cfg.SampleRate)
	}

	mel := m.melSpectrogram(seg.Samples)
	powerToDB(mel)

	// Row-major [NMFCC][frames]; the trailing channel dimension is 1.
	data := make([]float32, m.cfg.NMFCC*m.frames)
	for k, basis := range m.dct {
		for t := range m.frames {
			var sum float64
			for b, w := range basis {
				sum += w * mel[b][t]
			}
			data[k*m.frames+t] = float32(sum)
		}
	}
	return classifier.Features{Shape: m.Shape(), Data: data}, nil
}

// melSpectrogram returns the mel power spectrogram as [NMels][frames].
func (m *MFCC) melSpectrogram(samples []int16) [][]float64 {
	nfft := m.cfg.NFFT
	padded := padSignal(samples, nfft/2, m.cfg.padMode())

	bins := nfft/2 + 1
	mel := make([][]float64, m.cfg.NMels)
	for i := range mel {
		mel[i] = make([]float64, m.frames)
	}

	buf := make([]float64, nfft)
	power := make([]float64, bins)
	for t := range m.frames {
		start := t * m.cfg.HopLength
		for i := range buf {
			buf[i] = padded[start+i] * m.window[i]
		}
		spec := fft.FFTReal(buf)
		for k := range bins {
			a := cmplx.Abs(spec[k])
			power[k] = a * a
		}
		for b, filt := range m.melFB {
			var sum float64
			for k, w := range filt {
				if w != 0 {
					sum += w * power[k]
				}
			}
			mel[b][t] = sum
		}
	}
	return mel
}

// padSignal scales samples to floats and extends them by pad on each side.
// Reflect mode requires len(samples) > pad.
func padSignal(samples []int16, pad int, mode PadMode) []float64 {
	n := len(samples)
	out := make([]float64, n+2*pad)
	for i, s := range samples {
		out[pad+i] = float64(s) * int16Scale
	}
	if mode != PadReflect {
		return out
	}
	for j := 1; j <= pad; j++ {
		out[pad-j] = out[pad+j]
		out[pad+n-1+j] = out[pad+n-1-j]
	}
	return out
}

// powerToDB converts power to decibels relative to 1.0 in place and clips
// everything more than topDB below the maximum.
func powerToDB(s [][]float64) {
	peak := math.Inf(-1)
	for _, row := range s {
		for i, v := range row {
			db := 10 * math.Log10(max(v, amin))
			row[i] = db
			peak = max(peak, db)
		}
	}
	floor := peak - topDB
	for _, row := range s {
		for i, v := range row {
			row[i] = max(v, floor)
		}
	}
}

// periodicHann returns an n-point Hann window suitable for spectral analysis
// (the symmetric n+1 window without its last point).
func periodicHann(n int) []float64 {
	return window.Hann(n + 1)[:n]
}

// dctBasis returns the first n rows of the orthonormal DCT-II matrix of
// size size.
func dctBasis(n, size int) [][]float64 {
	out := make([][]float64, n)
	for k := range out {
		scale := math.Sqrt(2 / float64(size))
		if k == 0 {
			scale = math.Sqrt(1 / float64(size))
		}
		row := make([]float64, size)
		for i := range row {
			row[i] = scale * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(size)))
		}
		out[k] = row
	}
	return out
}
