// Package api provides HTTP handlers for the course-authoring API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/agent"
	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/logging"
	"github.com/shakedshoshan/SkillUp-sub001/internal/realtime"
)

const maxBodyBytes = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrProviderError):
		return http.StatusBadGateway
	case errors.Is(err, realtime.ErrChannelClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes it. Internal errors are logged
// and their details are not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	logger := logging.From(r.Context())
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "path", r.URL.Path)
		Error(w, status, "internal error")
		return
	}
	logger.Debug("Request rejected", "error", err, "status", status, "path", r.URL.Path)
	Error(w, status, err.Error())
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return goerr.Wrap(domain.ErrValidation, "invalid request body", goerr.V("cause", err.Error()))
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, goerr.Wrap(domain.ErrValidation, "invalid query parameter", goerr.V("key", key), goerr.V("value", raw))
	}
	return n, nil
}

// RequestLogger attaches a request-scoped logger carrying the chi request id.
func RequestLogger(base *slog.Logger, requestID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := base
			if id := requestID(r); id != "" {
				logger = logger.With("request_id", id)
			}
			next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), logger)))
		})
	}
}
