package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// probePaths are logged at debug level; orchestrators poll them constantly.
var probePaths = map[string]struct{}{
	"/health": {},
	"/ready":  {},
}

// AccessLog writes one line per request. 5xx responses log at warn.
func AccessLog(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			args := []any{
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"route", routePattern(r),
				"status", rec.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", rec.size,
				"remote_addr", r.RemoteAddr,
			}
			if sagaID := chi.URLParam(r, "id"); sagaID != "" {
				args = append(args, "saga_id", sagaID)
			}

			switch _, probe := probePaths[r.URL.Path]; {
			case rec.Status() >= http.StatusInternalServerError:
				log.WarnContext(r.Context(), "http request failed", args...)
			case probe:
				log.DebugContext(r.Context(), "http probe", args...)
			default:
				log.InfoContext(r.Context(), "http request", args...)
			}
		})
	}
}

// routePattern prefers the chi pattern so saga ids stay out of labels.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
