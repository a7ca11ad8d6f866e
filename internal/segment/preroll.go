package segment

import "github.com/MrWong99/neigh/pkg/audio"

// PreRoll is a bounded FIFO of the most recent frames. Once full, pushing a
// frame evicts the oldest one, so Len never exceeds Cap.
type PreRoll struct {
	buf  []audio.Frame
	head int // index of the oldest frame
	size int
}

// NewPreRoll returns a PreRoll holding at most capacity frames. A capacity
// below zero is treated as zero (pre-roll disabled).
func NewPreRoll(capacity int) *PreRoll {
	if capacity < 0 {
		capacity = 0
	}
	return &PreRoll{buf: make([]audio.Frame, capacity)}
}

// Push appends f, evicting the oldest frame when full.
func (p *PreRoll) Push(f audio.Frame) {
	if len(p.buf) == 0 {
		return
	}
	if p.size < len(p.buf) {
		p.buf[(p.head+p.size)%len(p.buf)] = f
		p.size++
		return
	}
	p.buf[p.head] = f
	p.head = (p.head + 1) % len(p.buf)
}

// Frames returns the buffered frames, oldest first. The returned slice is a
// copy; the frames themselves are shared.
func (p *PreRoll) Frames() []audio.Frame {
	out := make([]audio.Frame, p.size)
	for i := range p.size {
		out[i] = p.buf[(p.head+i)%len(p.buf)]
	}
	return out
}

// Len returns the number of buffered frames.
func (p *PreRoll) Len() int { return p.size }

// Cap returns the maximum number of frames the buffer holds.
func (p *PreRoll) Cap() int { return len(p.buf) }

// Clear drops all buffered frames.
func (p *PreRoll) Clear() {
	clear(p.buf)
	p.head = 0
	p.size = 0
}
