package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/CivicPress/civicpress-sub013/pkg/api/models"
	"github.com/CivicPress/civicpress-sub013/pkg/api/response"
	"github.com/CivicPress/civicpress-sub013/pkg/logger"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
)

// SagaHandler exposes the persisted saga state for operators: listing
// instances, inspecting step-level progress, and resuming a saga that
// was left mid-flight by a crash.
type SagaHandler struct {
	orch     *saga.Orchestrator
	registry *saga.Registry
	logger   logger.Logger
}

// NewSagaHandler creates a saga admin handler.
func NewSagaHandler(orch *saga.Orchestrator, registry *saga.Registry, log logger.Logger) *SagaHandler {
	return &SagaHandler{
		orch:     orch,
		registry: registry,
		logger:   log,
	}
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := saga.ListFilter{
		Status: saga.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	instances, total, err := h.orch.ListInstances(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	items := make([]models.SagaSummary, 0, len(instances))
	for _, inst := range instances {
		items = append(items, models.SagaSummary{
			SagaID:     inst.ID,
			Name:       inst.Name,
			Status:     string(inst.Status),
			FailedStep: inst.FailedStep,
			CreatedAt:  inst.CreatedAt,
			FinishedAt: inst.FinishedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	inst, err := h.orch.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", getRequestID(r.Context()))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	response.JSON(w, http.StatusOK, sagaStatus(inst))
}

// ResumeSaga handles POST /api/v1/sagas/{id}/resume. Resuming re-drives
// a non-terminal saga under the exact definition version it started
// with; terminal sagas are rejected with a conflict.
func (h *SagaHandler) ResumeSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	inst, err := h.orch.GetInstance(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", getRequestID(r.Context()))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}
	if inst.Status.IsTerminal() {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict, "saga is already in a terminal state", getRequestID(r.Context()))
		return
	}

	def, err := h.registry.Get(inst.Name, inst.Version)
	if err != nil {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, err.Error(), getRequestID(r.Context()))
		return
	}

	res, err := h.orch.Resume(r.Context(), def, sagaID)
	if err != nil {
		var stepErr *saga.StepError
		if res != nil && errors.As(err, &stepErr) {
			// The resumed saga ran to a compensated end, which is still
			// a successful resume from the operator's point of view.
			response.JSON(w, http.StatusOK, models.SagaActionResponse{SagaID: sagaID, Status: string(res.Status)})
			return
		}
		if h.logger != nil {
			h.logger.Warn("saga resume failed", "saga_id", sagaID, "error", err)
		}
		writeSagaError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, models.SagaActionResponse{SagaID: sagaID, Status: string(res.Status)})
}

// ListDefinitions handles GET /api/v1/sagas/definitions.
func (h *SagaHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()
	items := make([]models.SagaDefinition, 0, len(infos))
	for _, info := range infos {
		items = append(items, models.SagaDefinition{
			Name:    info.Name,
			Version: info.Version,
			Steps:   info.Steps,
		})
	}
	response.JSON(w, http.StatusOK, items)
}

func sagaStatus(inst *saga.Instance) models.SagaStatusResponse {
	steps := make([]models.SagaStepStatus, 0, len(inst.Steps))
	for _, step := range inst.Steps {
		steps = append(steps, models.SagaStepStatus{
			Name:          step.Name,
			Status:        string(step.Status),
			Attempts:      step.Attempts,
			Error:         step.Error,
			StartedAt:     step.StartedAt,
			FinishedAt:    step.FinishedAt,
			CompensatedAt: step.CompensatedAt,
		})
	}
	return models.SagaStatusResponse{
		SagaID:         inst.ID,
		Name:           inst.Name,
		Version:        inst.Version,
		Status:         string(inst.Status),
		Steps:          steps,
		Resources:      append([]string(nil), inst.Resources...),
		FailedStep:     inst.FailedStep,
		Error:          inst.Error,
		CorrelationID:  inst.CorrelationID,
		IdempotencyKey: inst.IdempotencyKey,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
		StartedAt:      inst.StartedAt,
		FinishedAt:     inst.FinishedAt,
	}
}
