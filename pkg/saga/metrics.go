package saga

import "time"

// MetricsRecorder records saga runtime metrics.
type MetricsRecorder interface {
	RecordSagaExecution(sagaType, status string)
	RecordSagaDuration(sagaType, status string, duration time.Duration)
	IncActiveSagas()
	DecActiveSagas()
	RecordStep(sagaType, step, status string, duration time.Duration)
	RecordStepRetry(sagaType, step string)
	RecordCompensation(sagaType, status string)
	RecordCompensationRetry()
	RecordLockAcquire(outcome string)
	RecordLockWait(duration time.Duration)
	RecordSagaRecovery(status string)
	RecordIdempotencyHit(kind string)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordSagaExecution(sagaType, status string)                        {}
func (n *nopMetricsRecorder) RecordSagaDuration(sagaType, status string, d time.Duration)        {}
func (n *nopMetricsRecorder) IncActiveSagas()                                                    {}
func (n *nopMetricsRecorder) DecActiveSagas()                                                    {}
func (n *nopMetricsRecorder) RecordStep(sagaType, step, status string, duration time.Duration)   {}
func (n *nopMetricsRecorder) RecordStepRetry(sagaType, step string)                              {}
func (n *nopMetricsRecorder) RecordCompensation(sagaType, status string)                         {}
func (n *nopMetricsRecorder) RecordCompensationRetry()                                           {}
func (n *nopMetricsRecorder) RecordLockAcquire(outcome string)                                   {}
func (n *nopMetricsRecorder) RecordLockWait(duration time.Duration)                              {}
func (n *nopMetricsRecorder) RecordSagaRecovery(status string)                                   {}
func (n *nopMetricsRecorder) RecordIdempotencyHit(kind string)                                   {}
