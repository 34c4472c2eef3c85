package saga

import "time"

// MetricsRecorder records orchestrator metrics.
type MetricsRecorder interface {
	RecordSagaEvent(eventType string, result string)
	RecordSagaTransition(kind string)
	RecordSagaHandleDuration(duration time.Duration)
	RecordSagaConflict()
	RecordSagaDuplicate()
	RecordCompensation(status string)
	RecordCommandPublish(commandType string, status string)
	RecordCommandRepublish(commandType string)
	SetStuckSagas(count int)
	SetUnresolvedSagas(count int)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordSagaEvent(eventType string, result string)        {}
func (n *nopMetricsRecorder) RecordSagaTransition(kind string)                       {}
func (n *nopMetricsRecorder) RecordSagaHandleDuration(duration time.Duration)        {}
func (n *nopMetricsRecorder) RecordSagaConflict()                                    {}
func (n *nopMetricsRecorder) RecordSagaDuplicate()                                   {}
func (n *nopMetricsRecorder) RecordCompensation(status string)                       {}
func (n *nopMetricsRecorder) RecordCommandPublish(commandType string, status string) {}
func (n *nopMetricsRecorder) RecordCommandRepublish(commandType string)              {}
func (n *nopMetricsRecorder) SetStuckSagas(count int)                                {}
func (n *nopMetricsRecorder) SetUnresolvedSagas(count int)                           {}
