// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/version"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]ReadinessCheck
	timeout time.Duration
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checks map[string]ReadinessCheck) *HealthHandler {
	if checks == nil {
		checks = make(map[string]ReadinessCheck)
	}
	return &HealthHandler{
		checks:  checks,
		timeout: 2 * time.Second,
		started: time.Now(),
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status handles the /status endpoint (build and uptime details).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	info := version.Info()
	info["uptime"] = time.Since(h.started).Round(time.Second).String()
	response.JSON(w, http.StatusOK, info)
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := true
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}
