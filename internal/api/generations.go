package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shakedshoshan/SkillUp-sub001/internal/generation"
	"github.com/shakedshoshan/SkillUp-sub001/internal/identity"
	"github.com/shakedshoshan/SkillUp-sub001/internal/store"
)

// Streamer writes a channel's frames to one client.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, key string) error
}

// GenerationHandler exposes generation jobs, their progress streams and the
// courses they produce.
type GenerationHandler struct {
	coord *generation.Coordinator
	repo  store.CourseRepository
	sse   Streamer
	ws    Streamer
}

// NewGenerationHandler creates a generation handler.
func NewGenerationHandler(coord *generation.Coordinator, repo store.CourseRepository, sse, ws Streamer) *GenerationHandler {
	return &GenerationHandler{coord: coord, repo: repo, sse: sse, ws: ws}
}

// RegisterRoutes registers generation and course routes.
func (h *GenerationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/generations", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/", h.ListActive)
		r.Get("/{jobID}", h.Status)
		r.Get("/{jobID}/events", h.Events)
	})
	r.Get("/ws/generations/{jobID}", h.WebSocket)

	r.Get("/api/courses", h.ListCourses)
	r.Get("/api/courses/{courseID}", h.GetCourse)
}

// Start registers a generation job and returns its id without waiting for
// the job to finish.
func (h *GenerationHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req generation.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}

	jobID, err := h.coord.Start(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// ListActive lists running job ids.
func (h *GenerationHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"jobs": h.coord.ListActive()})
}

// Status returns a job's current state.
func (h *GenerationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.coord.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, status)
}

// Events streams a job's frames as server-sent events.
func (h *GenerationHandler) Events(w http.ResponseWriter, r *http.Request) {
	if err := h.sse.Serve(w, r, chi.URLParam(r, "jobID")); err != nil {
		writeError(w, r, err)
	}
}

// WebSocket streams a job's frames over a WebSocket.
func (h *GenerationHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.Serve(w, r, chi.URLParam(r, "jobID")); err != nil {
		writeError(w, r, err)
	}
}

// ListCourses returns recently generated courses without lesson bodies.
func (h *GenerationHandler) ListCourses(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	courses, err := h.repo.ListCourses(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"courses": courses})
}

// GetCourse returns a generated course with its lessons.
func (h *GenerationHandler) GetCourse(w http.ResponseWriter, r *http.Request) {
	course, err := h.repo.GetCourse(r.Context(), chi.URLParam(r, "courseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, course)
}
