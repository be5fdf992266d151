package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketTransport streams channel frames as JSON text messages.
type WebSocketTransport struct {
	hub            *Hub
	queueSize      int
	originPatterns []string
	logger         *slog.Logger
}

// NewWebSocketTransport creates a WebSocket transport. originPatterns are
// passed to websocket.Accept; empty means same-origin only.
func NewWebSocketTransport(hub *Hub, queueSize int, originPatterns []string, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		hub:            hub,
		queueSize:      queueSize,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// Serve upgrades the request and streams frames of channel key until the
// channel closes, the subscriber falls behind or the client goes away. The
// optional "after" query parameter skips already-seen sequence numbers.
// An error is returned only when nothing has been written to w yet.
func (t *WebSocketTransport) Serve(w http.ResponseWriter, r *http.Request, key string) error {
	afterSeq, err := parseSeq(r.URL.Query().Get("after"))
	if err != nil {
		return err
	}

	queue := NewQueue(t.queueSize)
	sub, err := t.hub.Subscribe(key, queue, afterSeq)
	if err != nil {
		return err
	}
	defer t.hub.Unsubscribe(key, queue)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: t.originPatterns,
	})
	if err != nil {
		t.logger.Warn("Failed to accept WebSocket", "error", err, "channel", key)
		return nil
	}
	defer func() {
		_ = ws.CloseNow()
	}()

	t.logger.Info("Generation stream connected", "transport", "websocket", "channel", key, "subscriber", queue.ID())

	// Control frames are only processed while reading; client messages are ignored.
	ctx := ws.CloseRead(r.Context())

	for _, frame := range sub.Replay {
		if err := t.write(ctx, ws, frame); err != nil {
			t.logger.Debug("WebSocket replay write failed", "error", err, "channel", key)
			return nil
		}
	}
	if sub.Closed {
		_ = ws.Close(websocket.StatusNormalClosure, "job finished")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Generation stream disconnected", "transport", "websocket", "channel", key)
			return nil
		case frame, ok := <-queue.Frames():
			if !ok {
				if queue.Reason() == ReasonOverflow {
					_ = ws.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				} else {
					_ = ws.Close(websocket.StatusNormalClosure, "job finished")
				}
				return nil
			}
			if err := t.write(ctx, ws, frame); err != nil {
				t.logger.Debug("WebSocket write failed", "error", err, "channel", key)
				return nil
			}
		}
	}
}

func (t *WebSocketTransport) write(ctx context.Context, ws *websocket.Conn, frame domain.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return goerr.Wrap(err, "failed to encode frame")
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func parseSeq(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, goerr.Wrap(domain.ErrValidation, "invalid sequence number", goerr.V("value", raw))
	}
	return seq, nil
}
