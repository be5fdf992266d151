package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

const (
	// DefaultKeepaliveInterval is the SSE ping period.
	DefaultKeepaliveInterval = 15 * time.Second
	sseRetryDelay            = 3 * time.Second
)

// SSETransport streams channel frames as server-sent events. The event id
// is the frame sequence number, so a reconnecting EventSource resumes from
// Last-Event-ID.
type SSETransport struct {
	hub       *Hub
	queueSize int
	keepalive time.Duration
	logger    *slog.Logger
}

// NewSSETransport creates an SSE transport.
func NewSSETransport(hub *Hub, queueSize int, keepalive time.Duration, logger *slog.Logger) *SSETransport {
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{hub: hub, queueSize: queueSize, keepalive: keepalive, logger: logger}
}

// Serve streams frames of channel key. An error is returned only when
// nothing has been written to w yet.
func (t *SSETransport) Serve(w http.ResponseWriter, r *http.Request, key string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return goerr.New("streaming not supported")
	}

	// Parse Last-Event-ID header or query param for replay
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	afterSeq, err := parseSeq(idHeader)
	if err != nil {
		return err
	}

	queue := NewQueue(t.queueSize)
	sub, err := t.hub.Subscribe(key, queue, afterSeq)
	if err != nil {
		return err
	}
	defer t.hub.Unsubscribe(key, queue)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryDelay.Milliseconds()); err != nil {
		t.logger.Warn("failed to write SSE retry header", "error", err, "channel", key)
		return nil
	}
	flusher.Flush()

	t.logger.Info("Generation stream connected",
		"transport", "sse",
		"channel", key,
		"subscriber", queue.ID(),
		"reconnect", afterSeq > 0,
	)

	for _, frame := range sub.Replay {
		if err := writeFrame(w, frame); err != nil {
			return nil
		}
	}
	flusher.Flush()
	if sub.Closed {
		return nil
	}

	keepalive := time.NewTicker(t.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			t.logger.Info("Generation stream disconnected", "transport", "sse", "channel", key)
			return nil
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				t.logger.Warn("failed to write SSE keepalive ping", "error", err, "channel", key)
				return nil
			}
			flusher.Flush()
		case frame, ok := <-queue.Frames():
			if !ok {
				if queue.Reason() == ReasonOverflow {
					t.logger.Warn("SSE subscriber fell behind", "channel", key)
				}
				return nil
			}
			if err := writeFrame(w, frame); err != nil {
				t.logger.Debug("SSE write failed", "error", err, "channel", key)
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w io.Writer, frame domain.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return goerr.Wrap(err, "failed to encode frame")
	}
	return writeSSEWithID(w, frame.Seq, string(frame.Type), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
