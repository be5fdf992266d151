package realtime

import "github.com/shakedshoshan/SkillUp-sub001/internal/domain"

// frameRing is a fixed-size circular buffer of frames. When full, the oldest
// frame is overwritten. It is not safe for concurrent use; the owning
// channel's mutex guards it.
type frameRing struct {
	buf  []domain.Frame
	size int
	head int // write position
	tail int // read position
	full bool
}

func newFrameRing(size int) *frameRing {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &frameRing{
		buf:  make([]domain.Frame, size),
		size: size,
	}
}

func (r *frameRing) push(f domain.Frame) {
	if r.full {
		// Overwrite: advance tail to skip oldest frame
		r.tail = (r.tail + 1) % r.size
	}
	r.buf[r.head] = f
	r.head = (r.head + 1) % r.size
	if r.head == r.tail {
		r.full = true
	}
}

func (r *frameRing) len() int {
	switch {
	case r.full:
		return r.size
	case r.head >= r.tail:
		return r.head - r.tail
	default:
		return (r.size - r.tail) + r.head
	}
}

// frames returns the retained frames oldest first.
func (r *frameRing) frames() []domain.Frame {
	n := r.len()
	out := make([]domain.Frame, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(r.tail+i)%r.size])
	}
	return out
}

// after returns the retained frames with a sequence number above seq.
func (r *frameRing) after(seq int64) []domain.Frame {
	all := r.frames()
	for i, f := range all {
		if f.Seq > seq {
			return all[i:]
		}
	}
	return []domain.Frame{}
}
