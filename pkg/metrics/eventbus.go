package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initEventBusMetrics() {
	m.eventBusPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_publish_total",
			Help: "Total event bus publish attempts by status",
		},
		[]string{"status"},
	)

	m.eventBusRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_publish_retries_total",
			Help: "Total number of event-bus publish retries",
		},
	)

	m.eventBusDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_bus_degraded",
			Help: "Whether event-bus path is currently in degraded mode (1=degraded)",
		},
	)

	m.eventBusOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_outages_total",
			Help: "Total event-bus outage transitions",
		},
	)

	m.eventBusRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_recoveries_total",
			Help: "Total event-bus recovery transitions",
		},
	)

	m.registry.MustRegister(m.eventBusPublish)
	m.registry.MustRegister(m.eventBusRetries)
	m.registry.MustRegister(m.eventBusDegraded)
	m.registry.MustRegister(m.eventBusOutages)
	m.registry.MustRegister(m.eventBusRecoveries)
}

// RecordPublish records one event-bus publish outcome.
func (m *Manager) RecordPublish(status string) {
	if !m.enabled {
		return
	}
	m.eventBusPublish.WithLabelValues(status).Inc()
}

// RecordRetry records one event-bus publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.eventBusRetries.Inc()
}

// SetDegradedMode flips the event-bus degraded gauge.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.eventBusDegraded.Set(1)
		return
	}
	m.eventBusDegraded.Set(0)
}

// RecordOutage records one event-bus outage transition.
func (m *Manager) RecordOutage() {
	if !m.enabled {
		return
	}
	m.eventBusOutages.Inc()
}

// RecordRecovery records one event-bus recovery transition.
func (m *Manager) RecordRecovery() {
	if !m.enabled {
		return
	}
	m.eventBusRecoveries.Inc()
}
