package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// MetricsRecorder receives one observation per API request.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration)
	AddInFlightRequests(delta float64)
}

// Metrics observes request count, latency and in-flight requests, labelled
// by chi route pattern. A panicking handler is recorded as a 500 before the
// panic continues to Recovery.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder.AddInFlightRequests(1)
			rec := newStatusRecorder(w)

			panicked := true
			defer func() {
				recorder.AddInFlightRequests(-1)
				status := rec.Status()
				if panicked {
					status = http.StatusInternalServerError
				}
				recorder.RecordHTTPRequest(r.Context(), r.Method, routePattern(r), strconv.Itoa(status), time.Since(start))
			}()

			next.ServeHTTP(rec, r)
			panicked = false
		})
	}
}
