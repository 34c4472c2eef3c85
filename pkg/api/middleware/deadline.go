package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goclaw/sagaflow/pkg/api/response"
)

// Deadline bounds every request context by timeout. Store reads honor the
// context, so a handler that runs out of time returns early; if it has not
// written anything yet the client gets a 504.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			if !rec.wroteHeader() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				response.Error(rec, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout,
					"request exceeded "+timeout.String(), GetRequestID(r.Context()))
			}
		})
	}
}
