package domain

import "time"

// FrameType categorizes realtime frames.
type FrameType string

const (
	FrameLog         FrameType = "log"
	FrameProgress    FrameType = "progress"
	FrameSuccess     FrameType = "success"
	FrameError       FrameType = "error"
	FrameJobComplete FrameType = "job_complete"
)

// IsTerminal returns true if a frame of this type ends a channel's lifetime.
func (t FrameType) IsTerminal() bool {
	return t == FrameSuccess || t == FrameError || t == FrameJobComplete
}

// Frame is one realtime event delivered to channel subscribers.
// Seq is assigned by the channel on publish, starting at 1.
type Frame struct {
	Seq       int64          `json:"seq"`
	Type      FrameType      `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewFrame builds a frame stamped with the current time.
func NewFrame(t FrameType, message string, data map[string]any) Frame {
	return Frame{
		Type:      t,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// JobStatus is the lifecycle status of a generation job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IsTerminal returns true once the job can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}
