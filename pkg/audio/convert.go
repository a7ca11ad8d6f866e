package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts interleaved PCM from a device format into mono
// samples at a target rate. It logs a warning on the first conversion so a
// misconfigured device shows up once in the logs instead of on every frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Source         Format
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert returns samples in the target format. If the source format is
// already mono at the target rate, samples is returned unchanged.
// Conversion order: downmix first, then resample.
func (c *FormatConverter) Convert(samples []int16) []int16 {
	channels := c.Source.Channels
	if channels <= 0 {
		channels = 1
	}
	if channels == 1 && c.Source.SampleRate == c.TargetRate {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(c.Source.SampleRate, channels),
			"to", formatString(c.TargetRate, 1),
		)
	})

	out := samples
	if channels == 2 {
		out = StereoToMono(out)
	} else if channels > 2 {
		out = Downmix(out, channels)
	}
	return ResampleMono(out, c.Source.SampleRate, c.TargetRate)
}

// DecodePCM16 converts little-endian 16-bit PCM bytes to samples. A trailing
// odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodePCM16 converts samples to little-endian 16-bit PCM bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// StereoToMono averages each interleaved L/R pair. Uses int32 arithmetic to
// prevent overflow. A trailing unpaired sample is dropped.
func StereoToMono(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = clamp16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return out
}

// Downmix averages every group of channels interleaved samples into one.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is invalid, the input is
// returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
