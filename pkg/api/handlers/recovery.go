package handlers

import (
	"net/http"

	"github.com/CivicPress/civicpress-sub013/pkg/api/response"
	"github.com/CivicPress/civicpress-sub013/pkg/logger"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
)

// RecoveryHandler exposes an operator trigger for the stuck-saga sweep,
// for when waiting for the next scheduled pass is not an option.
type RecoveryHandler struct {
	coordinator *saga.RecoveryCoordinator
	logger      logger.Logger
}

// NewRecoveryHandler creates a recovery handler.
func NewRecoveryHandler(coordinator *saga.RecoveryCoordinator, log logger.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		coordinator: coordinator,
		logger:      log,
	}
}

// Run handles POST /api/v1/recovery/run. It performs one sweep
// synchronously and reports what it touched.
func (h *RecoveryHandler) Run(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coordinator.RunOnce(r.Context())
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	if h.logger != nil {
		h.logger.Info("operator recovery sweep finished",
			"scanned", stats.Scanned,
			"finalized", stats.Finalized,
			"compensations", stats.Compensations,
			"request_id", getRequestID(r.Context()),
		)
	}
	response.JSON(w, http.StatusOK, stats)
}
