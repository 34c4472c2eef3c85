package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

type httpInstruments struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func newHTTPInstruments(f promauto.Factory, buckets []float64) httpInstruments {
	return httpInstruments{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "http", Name: "requests_total",
			Help: "API requests, by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "API request latency, by method and route pattern.",
			Buckets: buckets,
		}, []string{"method", "route"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "http", Name: "requests_in_flight",
			Help: "API requests currently being served.",
		}),
	}
}

// RecordHTTPRequest counts one API request. When ctx carries a sampled span
// the latency sample is attached to it as an exemplar.
func (m *Manager) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.http.requests.WithLabelValues(method, route, status).Inc()

	obs := m.http.duration.WithLabelValues(method, route)
	eo, ok := obs.(prometheus.ExemplarObserver)
	if labels := exemplarFromContext(ctx); ok && labels != nil {
		eo.ObserveWithExemplar(duration.Seconds(), labels)
		return
	}
	obs.Observe(duration.Seconds())
}

// AddInFlightRequests moves the in-flight gauge by delta.
func (m *Manager) AddInFlightRequests(delta float64) {
	if m.enabled {
		m.http.inFlight.Add(delta)
	}
}

func exemplarFromContext(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
