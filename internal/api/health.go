package api

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shakedshoshan/SkillUp-sub001/internal/store"
)

// SessionCounter reports how many sessions are held in memory.
type SessionCounter interface {
	Len() int
}

// JobLister reports running generation jobs.
type JobLister interface {
	ListActive() []string
}

// ChannelLister reports registered realtime channels.
type ChannelLister interface {
	Keys() []string
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo     store.CourseRepository
	sessions SessionCounter
	jobs     JobLister
	channels ChannelLister
	timeout  time.Duration

	mu        sync.Mutex
	lastSweep map[string]int
	sweptAt   time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.CourseRepository, sessions SessionCounter, jobs JobLister, channels ChannelLister) *HealthHandler {
	return &HealthHandler{
		repo:      repo,
		sessions:  sessions,
		jobs:      jobs,
		channels:  channels,
		timeout:   5 * time.Second,
		lastSweep: map[string]int{},
	}
}

// RecordSweep stores the eviction count of one TTL sweeper run. It matches
// lifecycle.SweepCallback.
func (h *HealthHandler) RecordSweep(name string, evicted int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSweep[name] = evicted
	h.sweptAt = time.Now().UTC()
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status":      "healthy",
		"checks":      checks,
		"sessions":    h.sessions.Len(),
		"active_jobs": len(h.jobs.ListActive()),
		"channels":    len(h.channels.Keys()),
	}

	h.mu.Lock()
	if !h.sweptAt.IsZero() {
		status["last_sweep"] = map[string]any{"at": h.sweptAt, "evicted": maps.Clone(h.lastSweep)}
	}
	h.mu.Unlock()

	statusCode := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
