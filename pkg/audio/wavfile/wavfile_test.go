package wavfile_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/audio/wavfile"
)

// writeWAV encodes samples as a 16-bit PCM WAV file at path on fs.
func writeWAV(t *testing.T, fs afero.Fs, path string, samples []int, rate, channels int) {
	t.Helper()
	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}

func TestSource_ReplaysFramesThenEOF(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	samples := make([]int, 2500)
	for i := range samples {
		samples[i] = i % 100
	}
	writeWAV(t, fs, "/in.wav", samples, 16000, 1)

	src, err := wavfile.New(fs, "/in.wav", 16000, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if src.Len() != 3 {
		t.Fatalf("Len = %d, want 3", src.Len())
	}

	ctx := t.Context()
	for i := range 3 {
		fr, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if len(fr.Samples) != 1024 {
			t.Errorf("frame %d has %d samples", i, len(fr.Samples))
		}
		if want := int16((i * 1024) % 100); fr.Samples[0] != want {
			t.Errorf("frame %d first sample = %d, want %d", i, fr.Samples[0], want)
		}
	}
	if _, err := src.Read(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Read after drain: err = %v, want io.EOF", err)
	}
}

func TestSource_DownmixesStereo(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	// 4 stereo frames: L=100, R=300.
	writeWAV(t, fs, "/stereo.wav", []int{100, 300, 100, 300, 100, 300, 100, 300}, 16000, 2)

	src, err := wavfile.New(fs, "/stereo.wav", 16000, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fr, err := src.Read(t.Context())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, s := range fr.Samples {
		if s != 200 {
			t.Errorf("sample %d = %d, want 200", i, s)
		}
	}
}

func TestSource_Loop(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeWAV(t, fs, "/short.wav", []int{1, 2, 3, 4}, 16000, 1)

	src, err := wavfile.New(fs, "/short.wav", 16000, 4, wavfile.WithLoop(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := range 3 {
		if _, err := src.Read(t.Context()); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
	}
}

func TestSource_RealtimePacing(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	// 800 samples at 16 kHz = 50 ms.
	writeWAV(t, fs, "/paced.wav", make([]int, 800), 16000, 1)

	src, err := wavfile.New(fs, "/paced.wav", 16000, 400, wavfile.WithRealtime(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	for range 2 {
		if _, err := src.Read(t.Context()); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("two frames took %v, want at least ~50ms", elapsed)
	}
}

func TestSource_RealtimeHonoursContext(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeWAV(t, fs, "/long.wav", make([]int, 16000), 16000, 1)

	src, err := wavfile.New(fs, "/long.wav", 16000, 16000, wavfile.WithRealtime(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestNew_InvalidFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/bad.wav", []byte("not a wav file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wavfile.New(fs, "/bad.wav", 16000, 1024); err == nil {
		t.Error("expected error for invalid WAV")
	}
	if _, err := wavfile.New(fs, "/missing.wav", 16000, 1024); err == nil {
		t.Error("expected error for missing file")
	}
}

var _ audio.Source = (*wavfile.Source)(nil)
