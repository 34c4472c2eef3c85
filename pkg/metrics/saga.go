package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type sagaInstruments struct {
	events         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	handleDuration prometheus.Histogram
	conflicts      prometheus.Counter
	duplicates     prometheus.Counter
	compensations  *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	republishes    *prometheus.CounterVec
	stuck          prometheus.Gauge
	unresolved     prometheus.Gauge
}

func newSagaInstruments(f promauto.Factory, buckets []float64) sagaInstruments {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: Namespace, Subsystem: "saga", Name: name, Help: help}
	}
	return sagaInstruments{
		events: f.NewCounterVec(prometheus.CounterOpts(opts("events_total",
			"Events handled by the orchestrator, by event type and outcome.")),
			[]string{"event_type", "result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts(opts("transitions_total",
			"Applied state transitions, by kind.")),
			[]string{"kind"}),
		handleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "saga",
			Name:      "handle_duration_seconds",
			Help:      "Wall time to handle one event, conflict retries included.",
			Buckets:   buckets,
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts(opts("version_conflicts_total",
			"Compare-and-set writes rejected because the stored version moved."))),
		duplicates: f.NewCounter(prometheus.CounterOpts(opts("duplicate_events_total",
			"Events whose idempotency key was already recorded."))),
		compensations: f.NewCounterVec(prometheus.CounterOpts(opts("compensations_total",
			"Finished compensation phases, by outcome.")),
			[]string{"status"}),
		publishes: f.NewCounterVec(prometheus.CounterOpts(opts("command_publish_total",
			"Command publish attempts after persistence, by command type and status.")),
			[]string{"command_type", "status"}),
		republishes: f.NewCounterVec(prometheus.CounterOpts(opts("command_republish_total",
			"Commands re-sent by the reconciler.")),
			[]string{"command_type"}),
		stuck: f.NewGauge(prometheus.GaugeOpts(opts("stuck",
			"Running sagas past the stale threshold at the last sweep."))),
		unresolved: f.NewGauge(prometheus.GaugeOpts(opts("unresolved_compensations",
			"Failed sagas with an unresolved compensation at the last sweep."))),
	}
}

func (m *Manager) RecordSagaEvent(eventType string, result string) {
	if m.enabled {
		m.saga.events.WithLabelValues(eventType, result).Inc()
	}
}

func (m *Manager) RecordSagaTransition(kind string) {
	if m.enabled {
		m.saga.transitions.WithLabelValues(kind).Inc()
	}
}

func (m *Manager) RecordSagaHandleDuration(duration time.Duration) {
	if m.enabled {
		m.saga.handleDuration.Observe(duration.Seconds())
	}
}

func (m *Manager) RecordSagaConflict() {
	if m.enabled {
		m.saga.conflicts.Inc()
	}
}

func (m *Manager) RecordSagaDuplicate() {
	if m.enabled {
		m.saga.duplicates.Inc()
	}
}

func (m *Manager) RecordCompensation(status string) {
	if m.enabled {
		m.saga.compensations.WithLabelValues(status).Inc()
	}
}

func (m *Manager) RecordCommandPublish(commandType string, status string) {
	if m.enabled {
		m.saga.publishes.WithLabelValues(commandType, status).Inc()
	}
}

func (m *Manager) RecordCommandRepublish(commandType string) {
	if m.enabled {
		m.saga.republishes.WithLabelValues(commandType).Inc()
	}
}

// SetStuckSagas and SetUnresolvedSagas overwrite the gauges with the
// counts of the latest reconciler sweep.
func (m *Manager) SetStuckSagas(count int) {
	if m.enabled {
		m.saga.stuck.Set(float64(count))
	}
}

func (m *Manager) SetUnresolvedSagas(count int) {
	if m.enabled {
		m.saga.unresolved.Set(float64(count))
	}
}
