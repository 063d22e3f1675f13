package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "civicpress.saga"

const (
	spanSagaExecuteForward    = "saga.execute.forward"
	spanSagaStepForward       = "saga.step.forward"
	spanSagaExecuteCompensate = "saga.execute.compensation"
	spanSagaStepCompensate    = "saga.step.compensate"
	spanSagaRecoverySweep     = "saga.recovery.sweep"
)

const (
	attrSagaID   = attribute.Key("saga.id")
	attrSagaType = attribute.Key("saga.type")
	attrSagaStep = attribute.Key("saga.step")
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
