// Package realtime delivers ordered generation-job frames to subscribed
// connections over WebSocket and SSE.
package realtime

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

const (
	// DefaultBufferSize is the number of frames retained per channel for replay.
	DefaultBufferSize = 256
	// DefaultGracePeriod is how long a closed channel keeps its buffer.
	DefaultGracePeriod = 5 * time.Minute
)

// ErrChannelClosed is returned when publishing to a channel that has ended.
var ErrChannelClosed = goerr.New("channel closed")

// HubConfig configures a Hub.
type HubConfig struct {
	BufferSize  int
	GracePeriod time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Hub is the single-process registry of realtime channels. Each channel has
// its own mutex; there is no lock spanning channels.
type Hub struct {
	channels    sync.Map // key -> *channel
	bufferSize  int
	gracePeriod time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type channel struct {
	mu       sync.Mutex
	key      string
	ring     *frameRing
	seq      int64
	subs     map[Subscriber]struct{}
	closed   bool
	openedAt time.Time
	closedAt time.Time
}

// Subscription is the result of Subscribe.
type Subscription struct {
	// Replay holds the retained frames the subscriber has not seen, oldest
	// first. The transport writes them before anything read from the
	// subscriber itself.
	Replay []domain.Frame
	// Closed is true when the channel had already ended; the subscriber was
	// not registered and Replay is all there is.
	Closed bool
}

// ChannelSnapshot is a point-in-time view of a channel.
type ChannelSnapshot struct {
	Key         string         `json:"key"`
	Closed      bool           `json:"closed"`
	LastSeq     int64          `json:"last_seq"`
	Subscribers int            `json:"subscribers"`
	Frames      []domain.Frame `json:"frames"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		bufferSize:  cfg.BufferSize,
		gracePeriod: cfg.GracePeriod,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// Open creates the channel for key. Opening an existing channel is a no-op.
func (h *Hub) Open(key string) error {
	if strings.TrimSpace(key) == "" {
		return goerr.Wrap(domain.ErrValidation, "channel key is required")
	}
	_, loaded := h.channels.LoadOrStore(key, &channel{
		key:      key,
		ring:     newFrameRing(h.bufferSize),
		subs:     make(map[Subscriber]struct{}),
		openedAt: h.now(),
	})
	if !loaded {
		h.logger.Debug("Realtime channel opened", "channel", key)
	}
	return nil
}

// Subscribe registers sub on the channel and returns the retained frames
// with a sequence number above afterSeq. Replay is taken under the same lock
// that registers sub, so no frame is missed or seen twice between the two.
func (h *Hub) Subscribe(key string, sub Subscriber, afterSeq int64) (Subscription, error) {
	ch, err := h.get(key)
	if err != nil {
		return Subscription{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	replay := ch.ring.after(afterSeq)
	if ch.closed {
		return Subscription{Replay: replay, Closed: true}, nil
	}
	ch.subs[sub] = struct{}{}
	h.logger.Debug("Realtime subscriber joined", "channel", key, "subscribers", len(ch.subs), "replay", len(replay))
	return Subscription{Replay: replay}, nil
}

// Unsubscribe removes sub from the channel. Unknown channels and
// subscribers are ignored.
func (h *Hub) Unsubscribe(key string, sub Subscriber) {
	ch, err := h.get(key)
	if err != nil {
		return
	}

	ch.mu.Lock()
	_, ok := ch.subs[sub]
	delete(ch.subs, sub)
	ch.mu.Unlock()

	if ok {
		sub.Close(ReasonUnsubscribed)
		h.logger.Debug("Realtime subscriber left", "channel", key)
	}
}

// Publish stamps frame with the channel's next sequence number, retains it
// and fans it out to every subscriber in publish order. A terminal frame
// closes the channel. Subscribers that cannot accept the frame are dropped.
func (h *Hub) Publish(key string, frame domain.Frame) (domain.Frame, error) {
	ch, err := h.get(key)
	if err != nil {
		return domain.Frame{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return domain.Frame{}, goerr.Wrap(ErrChannelClosed, "publish after close",
			goerr.V("channel", key), goerr.V("frame_type", frame.Type))
	}

	ch.seq++
	frame.Seq = ch.seq
	if frame.Timestamp.IsZero() {
		frame.Timestamp = h.now().UTC()
	}
	ch.ring.push(frame)

	for sub := range ch.subs {
		if !sub.Deliver(frame) {
			delete(ch.subs, sub)
			sub.Close(ReasonOverflow)
			h.logger.Warn("Realtime subscriber dropped", "channel", key, "seq", frame.Seq)
		}
	}

	if frame.Type.IsTerminal() {
		h.closeLocked(ch)
	}
	return frame, nil
}

// Close ends the channel explicitly. Closing twice is a no-op.
func (h *Hub) Close(key string) error {
	ch, err := h.get(key)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	h.closeLocked(ch)
	return nil
}

func (h *Hub) closeLocked(ch *channel) {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.closedAt = h.now()
	for sub := range ch.subs {
		sub.Close(ReasonChannelClosed)
	}
	ch.subs = map[Subscriber]struct{}{}
	h.logger.Debug("Realtime channel closed", "channel", ch.key, "last_seq", ch.seq)
}

// Snapshot returns a copy of the channel state.
func (h *Hub) Snapshot(key string) (ChannelSnapshot, error) {
	ch, err := h.get(key)
	if err != nil {
		return ChannelSnapshot{}, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	snap := ChannelSnapshot{
		Key:         ch.key,
		Closed:      ch.closed,
		LastSeq:     ch.seq,
		Subscribers: len(ch.subs),
		Frames:      ch.ring.frames(),
		OpenedAt:    ch.openedAt,
	}
	if ch.closed {
		closedAt := ch.closedAt
		snap.ClosedAt = &closedAt
	}
	return snap, nil
}

// Keys lists the registered channel keys in sorted order.
func (h *Hub) Keys() []string {
	var keys []string
	h.channels.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	return keys
}

// Prune discards closed channels whose grace period has elapsed.
func (h *Hub) Prune(now time.Time) int {
	pruned := 0
	h.channels.Range(func(k, v any) bool {
		ch := v.(*channel)
		ch.mu.Lock()
		expired := ch.closed && now.Sub(ch.closedAt) >= h.gracePeriod
		ch.mu.Unlock()
		if expired && h.channels.CompareAndDelete(k, ch) {
			pruned++
		}
		return true
	})
	if pruned > 0 {
		h.logger.Info("Closed realtime channels pruned", "count", pruned)
	}
	return pruned
}

// Name identifies the hub to the TTL worker.
func (h *Hub) Name() string { return "realtime_channels" }

// Sweep implements lifecycle.Sweeper.
func (h *Hub) Sweep(_ context.Context) (int, error) {
	return h.Prune(h.now()), nil
}

func (h *Hub) get(key string) (*channel, error) {
	v, ok := h.channels.Load(key)
	if !ok {
		return nil, goerr.Wrap(domain.ErrNotFound, "channel not found", goerr.V("channel", key))
	}
	return v.(*channel), nil
}
