package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "sagaflow.saga"

const (
	spanSagaHandleEvent = "saga.handle_event"
	spanSagaPublish     = "saga.publish"
	spanSagaReconcile   = "saga.reconcile"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
