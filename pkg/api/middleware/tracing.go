package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "sagaflow.http"

// Tracing starts a server span per request, continuing any W3C trace
// context the caller sent. Probe paths are not traced. The span is renamed
// to the chi route once routing has happened, and saga lookups carry the
// saga id as an attribute.
func Tracing() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, probe := probePaths[r.URL.Path]; probe {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			rec := newStatusRecorder(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", rec.Status()),
			)
			if sagaID := chi.URLParam(r, "id"); sagaID != "" {
				span.SetAttributes(attribute.String("saga.id", sagaID))
			}
			if rec.Status() >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(rec.Status()))
			}
		})
	}
}
