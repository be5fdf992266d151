package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shakedshoshan/SkillUp-sub001/internal/conversation"
	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/identity"
)

// SessionHandler exposes the conversation session store and chat turns.
type SessionHandler struct {
	store *conversation.Store
	chat  *conversation.ChatService
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(store *conversation.Store, chat *conversation.ChatService) *SessionHandler {
	return &SessionHandler{store: store, chat: chat}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.GetOrCreate)
		r.Post("/import", h.Import)
		r.Post("/sweep", h.Sweep)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Delete("/", h.Delete)
			r.Get("/history", h.History)
			r.Get("/context", h.GetContext)
			r.Patch("/context", h.UpdateContext)
			r.Get("/stats", h.Stats)
			r.Get("/export", h.Export)
			r.Post("/chat", h.Chat)
		})
	})
	r.Get("/api/users/{userID}/sessions", h.ListByUser)
}

type createSessionRequest struct {
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Context   *domain.PartialContext `json:"context,omitempty"`
}

// GetOrCreate returns the caller's session, creating it when needed. The
// session id falls back to the session header and the user id to the
// anonymous identity cookie.
func (h *SessionHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}
	if req.UserID == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}

	session, err := h.store.GetOrCreate(req.SessionID, req.UserID, req.Context)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(identity.SessionHeaderName, session.SessionID)
	JSON(w, http.StatusOK, session)
}

// History returns the most recent turns; ?limit=N bounds the count.
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := h.store.GetHistory(chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"history": history})
}

// GetContext returns the session context.
func (h *SessionHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.store.GetContext(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ctx)
}

// UpdateContext applies a partial context update.
func (h *SessionHandler) UpdateContext(w http.ResponseWriter, r *http.Request) {
	var partial domain.PartialContext
	if err := decodeJSON(w, r, &partial); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.store.UpdateContext(chi.URLParam(r, "sessionID"), partial)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session.Context)
}

// ListByUser lists a user's live sessions.
func (h *SessionHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"sessions": h.store.ListByUser(chi.URLParam(r, "userID")),
	})
}

// Delete removes a session. It succeeds for unknown sessions too.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.store.Delete(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns derived session statistics.
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

// Export returns a full snapshot of the session.
func (h *SessionHandler) Export(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.store.Export(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snapshot)
}

// Import upserts a previously exported snapshot.
func (h *SessionHandler) Import(w http.ResponseWriter, r *http.Request) {
	var snapshot domain.ConversationSession
	if err := decodeJSON(w, r, &snapshot); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.store.Import(&snapshot)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// Sweep evicts expired sessions immediately.
func (h *SessionHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]int{"removed": h.store.SweepExpired()})
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

// Chat runs one chat turn on an existing or new session.
func (h *SessionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}

	result, err := h.chat.Send(r.Context(), chi.URLParam(r, "sessionID"), req.UserID, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(identity.SessionHeaderName, result.SessionID)
	JSON(w, http.StatusOK, result)
}
