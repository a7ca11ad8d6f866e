// Package mock provides an in-memory mock implementation of [audio.Source]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Frames:     audio.Split(samples, 1024, 16000),
//	    ReadErrors: map[int]error{3: audio.ErrOverrun},
//	    EOF:        true,
//	}
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/neigh/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source] that replays Frames in
// order. Set the exported fields before use; inspect the CallCount* fields
// after.
type Source struct {
	mu sync.Mutex

	// Frames are returned by successive Read calls.
	Frames []audio.Frame

	// ReadErrors maps a zero-based Read call index to an error returned
	// instead of consuming a frame.
	ReadErrors map[int]error

	// EOF makes Read return io.EOF once Frames is exhausted. When false, Read
	// blocks until ctx is cancelled or Close is called.
	EOF bool

	// CloseError is returned by Close.
	CloseError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	next   int
	done   chan struct{}
	closed bool
}

func (s *Source) doneCh() chan struct{} {
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// Read implements [audio.Source].
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	call := s.CallCountRead
	s.CallCountRead++
	if s.closed {
		s.mu.Unlock()
		return audio.Frame{}, audio.ErrClosed
	}
	if err, ok := s.ReadErrors[call]; ok {
		s.mu.Unlock()
		return audio.Frame{}, err
	}
	if s.next < len(s.Frames) {
		fr := s.Frames[s.next]
		s.next++
		s.mu.Unlock()
		return fr, nil
	}
	if s.EOF {
		s.mu.Unlock()
		return audio.Frame{}, io.EOF
	}
	done := s.doneCh()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case <-done:
		return audio.Frame{}, audio.ErrClosed
	}
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.doneCh())
	}
	return s.CloseError
}

// Remaining returns the number of frames not yet read.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames) - s.next
}
