package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Recovery turns a handler panic into a 500. The panic value is logged with
// its stack but never echoed to the client.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newStatusRecorder(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.ErrorContext(r.Context(), "http handler panicked",
					"request_id", GetRequestID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", v,
					"stack", string(debug.Stack()),
				)
				if !rec.wroteHeader() {
					response.Error(rec, http.StatusInternalServerError, response.ErrCodeInternalServer,
						"internal server error", GetRequestID(r.Context()))
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
