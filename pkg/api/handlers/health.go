package handlers

import (
	"net/http"
	"time"

	"github.com/CivicPress/civicpress-sub013/pkg/api/response"
	"github.com/CivicPress/civicpress-sub013/pkg/eventbus"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   record.Store
	orch    *saga.Orchestrator
	events  *eventbus.Publisher
	version string
	started time.Time
}

// NewHealthHandler creates a health handler. The publisher is optional.
func NewHealthHandler(store record.Store, orch *saga.Orchestrator, events *eventbus.Publisher, version string) *HealthHandler {
	return &HealthHandler{
		store:   store,
		orch:    orch,
		events:  events,
		version: version,
		started: time.Now(),
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness probe). The service is
// ready when the record store answers queries.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, _, err := h.store.ListRecords(r.Context(), record.ListFilter{Limit: 1}); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

// Status handles the /status endpoint (detailed status). A degraded
// event bus keeps the service up; it is reported here, not in /ready.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}

	if h.events != nil {
		status["event_bus_degraded"] = h.events.Degraded()
		if h.events.Degraded() {
			status["status"] = "degraded"
		}
	}

	if _, executing, err := h.orch.ListInstances(r.Context(), saga.ListFilter{Status: saga.StatusExecuting, Limit: 1}); err == nil {
		status["sagas_executing"] = executing
	}
	if _, failed, err := h.orch.ListInstances(r.Context(), saga.ListFilter{Status: saga.StatusFailed, Limit: 1}); err == nil {
		status["sagas_failed"] = failed
	}

	response.JSON(w, http.StatusOK, status)
}
