package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Total number of saga executions by type and terminal status",
		},
		[]string{"saga_type", "status"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga execution duration in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"saga_type", "status"},
	)

	m.sagaActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_count",
			Help: "Current number of active saga executions",
		},
	)

	m.stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_executions_total",
			Help: "Total number of saga step executions by outcome",
		},
		[]string{"saga_type", "step", "status"},
	)

	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Saga step duration in seconds",
			Buckets: cfg.StepDurationBuckets,
		},
		[]string{"saga_type", "step"},
	)

	m.stepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total number of saga step retries",
		},
		[]string{"saga_type", "step"},
	)

	m.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation phases by outcome",
		},
		[]string{"saga_type", "status"},
	)

	m.compensationRetr = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensation_retries_total",
			Help: "Total number of compensation retries",
		},
	)

	m.recoverySweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_recovery_total",
			Help: "Total number of saga recovery outcomes",
		},
		[]string{"status"},
	)

	m.idempotencyHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_idempotency_hits_total",
			Help: "Total number of idempotency key hits by kind",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(m.sagaExecutions)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagaActive)
	m.registry.MustRegister(m.stepExecutions)
	m.registry.MustRegister(m.stepDuration)
	m.registry.MustRegister(m.stepRetries)
	m.registry.MustRegister(m.compensations)
	m.registry.MustRegister(m.compensationRetr)
	m.registry.MustRegister(m.recoverySweeps)
	m.registry.MustRegister(m.idempotencyHits)
}

func (m *Manager) initLockMetrics(cfg Config) {
	m.lockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_lock_acquisitions_total",
			Help: "Total number of resource lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.lockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_lock_wait_seconds",
			Help:    "Time spent acquiring resource locks in seconds",
			Buckets: cfg.LockWaitBuckets,
		},
	)

	m.registry.MustRegister(m.lockAcquisitions)
	m.registry.MustRegister(m.lockWaitDuration)
}

// RecordSagaExecution records one saga execution outcome.
func (m *Manager) RecordSagaExecution(sagaType, status string) {
	if !m.enabled {
		return
	}
	m.sagaExecutions.WithLabelValues(sagaType, status).Inc()
}

// RecordSagaDuration records saga execution latency.
func (m *Manager) RecordSagaDuration(sagaType, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaDuration.WithLabelValues(sagaType, status).Observe(duration.Seconds())
}

// IncActiveSagas increments current active saga count.
func (m *Manager) IncActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagaActive.Inc()
}

// DecActiveSagas decrements current active saga count.
func (m *Manager) DecActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagaActive.Dec()
}

// RecordStep records one step execution outcome with its duration.
func (m *Manager) RecordStep(sagaType, step, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stepExecutions.WithLabelValues(sagaType, step, status).Inc()
	m.stepDuration.WithLabelValues(sagaType, step).Observe(duration.Seconds())
}

// RecordStepRetry records one step retry.
func (m *Manager) RecordStepRetry(sagaType, step string) {
	if !m.enabled {
		return
	}
	m.stepRetries.WithLabelValues(sagaType, step).Inc()
}

// RecordCompensation records one compensation phase outcome.
func (m *Manager) RecordCompensation(sagaType, status string) {
	if !m.enabled {
		return
	}
	m.compensations.WithLabelValues(sagaType, status).Inc()
}

// RecordCompensationRetry records one compensation retry.
func (m *Manager) RecordCompensationRetry() {
	if !m.enabled {
		return
	}
	m.compensationRetr.Inc()
}

// RecordLockAcquire records one lock acquisition outcome.
func (m *Manager) RecordLockAcquire(outcome string) {
	if !m.enabled {
		return
	}
	m.lockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordLockWait records time spent acquiring a saga's resource locks.
func (m *Manager) RecordLockWait(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.lockWaitDuration.Observe(duration.Seconds())
}

// RecordSagaRecovery records one recovery sweep outcome.
func (m *Manager) RecordSagaRecovery(status string) {
	if !m.enabled {
		return
	}
	m.recoverySweeps.WithLabelValues(status).Inc()
}

// RecordIdempotencyHit records one idempotency key hit.
func (m *Manager) RecordIdempotencyHit(kind string) {
	if !m.enabled {
		return
	}
	m.idempotencyHits.WithLabelValues(kind).Inc()
}
