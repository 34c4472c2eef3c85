// Package api provides the read-only operator HTTP API.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Saga serves saga listing and inspection
	Saga *handlers.SagaHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter builds the chi router. Middleware order matters: the request id
// must exist before anything logs, and Recovery sits inside AccessLog so a
// panic is still logged as a 500.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()
	r.NotFound(response.NotFound)
	r.MethodNotAllowed(response.MethodNotAllowed)

	r.Use(middleware.RequestID())
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing())
	}
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Recovery(log))
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}
	r.Use(middleware.CORS(cfg.Server.CORS))
	r.Use(middleware.Deadline(cfg.Server.HTTP.ReadTimeout))

	RegisterRoutes(r, handlers)
	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Saga != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Get("/", handlers.Saga.ListSagas)
				r.Get("/{id}", handlers.Saga.GetSaga)
			})
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}
}
