package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type transportInstruments struct {
	publishes  *prometheus.CounterVec
	retries    *prometheus.CounterVec
	degraded   prometheus.Gauge
	outages    prometheus.Counter
	recoveries prometheus.Counter
	settled    *prometheus.CounterVec
	handling   *prometheus.HistogramVec
}

func newTransportInstruments(f promauto.Factory, buckets []float64) transportInstruments {
	return transportInstruments{
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "bus", Name: "publish_total",
			Help: "Bus publish calls, by channel and final status.",
		}, []string{"channel", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "bus", Name: "publish_retries_total",
			Help: "Publish attempts repeated after a transient failure.",
		}, []string{"channel"}),
		degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "bus", Name: "degraded",
			Help: "1 while publishing is failing past the retry budget.",
		}),
		outages: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "bus", Name: "outages_total",
			Help: "Transitions into degraded publishing.",
		}),
		recoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "bus", Name: "recoveries_total",
			Help: "Transitions out of degraded publishing.",
		}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "dispatch", Name: "deliveries_total",
			Help: "Deliveries settled by a pool, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		handling: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "dispatch", Name: "handle_duration_seconds",
			Help:    "Time spent in the delivery handler.",
			Buckets: buckets,
		}, []string{"channel"}),
	}
}

func (m *Manager) RecordPublish(channel, status string) {
	if m.enabled {
		m.transport.publishes.WithLabelValues(channel, status).Inc()
	}
}

func (m *Manager) RecordRetry(channel string) {
	if m.enabled {
		m.transport.retries.WithLabelValues(channel).Inc()
	}
}

func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.transport.degraded.Set(v)
}

func (m *Manager) RecordOutage() {
	if m.enabled {
		m.transport.outages.Inc()
	}
}

func (m *Manager) RecordRecovery() {
	if m.enabled {
		m.transport.recoveries.Inc()
	}
}

// RecordDispatch counts one settled delivery and observes its handling time.
func (m *Manager) RecordDispatch(channel, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.transport.settled.WithLabelValues(channel, outcome).Inc()
	m.transport.handling.WithLabelValues(channel).Observe(duration.Seconds())
}
