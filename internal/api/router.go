package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/shakedshoshan/SkillUp-sub001/internal/identity"
	"github.com/shakedshoshan/SkillUp-sub001/internal/middleware"
)

// RouterConfig holds what NewRouter mounts.
type RouterConfig struct {
	Sessions       *SessionHandler
	Generations    *GenerationHandler
	Health         *HealthHandler
	AllowedOrigins []string
	IsDev          bool
	AccessLog      bool
	Logger         *slog.Logger
}

// NewRouter builds the HTTP router with the global middleware stack.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.AccessLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDev))
	r.Use(RequestLogger(cfg.Logger, func(r *http.Request) string {
		return chiMiddleware.GetReqID(r.Context())
	}))

	if cfg.Health != nil {
		cfg.Health.RegisterHealth(r)
	}
	if cfg.Sessions != nil {
		cfg.Sessions.RegisterRoutes(r)
	}
	if cfg.Generations != nil {
		cfg.Generations.RegisterRoutes(r)
	}
	return r
}
