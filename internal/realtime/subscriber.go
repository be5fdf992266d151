package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

// CloseReason says why a subscriber stopped receiving frames.
type CloseReason string

const (
	ReasonNone          CloseReason = ""
	ReasonChannelClosed CloseReason = "channel_closed"
	ReasonOverflow      CloseReason = "overflow"
	ReasonUnsubscribed  CloseReason = "unsubscribed"
)

// Subscriber receives frames fanned out by the hub.
type Subscriber interface {
	// Deliver hands a frame to the subscriber without blocking. Returning
	// false means the subscriber cannot keep up and must be removed.
	Deliver(frame domain.Frame) bool
	// Close tells the subscriber no further frames will arrive.
	Close(reason CloseReason)
}

// DefaultQueueSize is the per-subscriber send queue length.
const DefaultQueueSize = 64

// Queue is a Subscriber backed by a bounded channel. A transport drains
// Frames from its own goroutine so publishing never waits on network I/O.
type Queue struct {
	id     string
	frames chan domain.Frame

	mu     sync.Mutex
	closed bool
	reason CloseReason
}

// NewQueue creates a queue holding at most size undelivered frames.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		id:     uuid.NewString(),
		frames: make(chan domain.Frame, size),
	}
}

// ID identifies the queue in logs.
func (q *Queue) ID() string { return q.id }

// Deliver enqueues frame, failing when the queue is full or closed.
func (q *Queue) Deliver(frame domain.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.frames <- frame:
		return true
	default:
		return false
	}
}

// Close ends the frame stream. Frames already queued remain readable.
func (q *Queue) Close(reason CloseReason) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.reason = reason
	close(q.frames)
}

// Frames returns the stream of delivered frames. It is closed after Close.
func (q *Queue) Frames() <-chan domain.Frame { return q.frames }

// Reason returns why the queue was closed, or ReasonNone while open.
func (q *Queue) Reason() CloseReason {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason
}
