package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/CivicPress/civicpress-sub013/pkg/api/models"
	"github.com/CivicPress/civicpress-sub013/pkg/api/response"
	"github.com/CivicPress/civicpress-sub013/pkg/lifecycle"
	"github.com/CivicPress/civicpress-sub013/pkg/logger"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
)

// RecordHandler serves the read side of the record API directly from the
// store and routes every mutation through its lifecycle saga.
type RecordHandler struct {
	store     record.Store
	orch      *saga.Orchestrator
	registry  *saga.Registry
	logger    logger.Logger
	validator *validator.Validate
}

// NewRecordHandler creates a record handler.
func NewRecordHandler(store record.Store, orch *saga.Orchestrator, registry *saga.Registry, log logger.Logger) *RecordHandler {
	return &RecordHandler{
		store:     store,
		orch:      orch,
		registry:  registry,
		logger:    log,
		validator: validator.New(),
	}
}

// ListRecords handles GET /api/v1/records.
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := record.ListFilter{
		Type:   r.URL.Query().Get("type"),
		Status: record.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	items, total, err := h.store.ListRecords(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	response.JSON(w, http.StatusOK, models.RecordListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetRecord handles GET /api/v1/records/{id}.
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "record not found", getRequestID(r.Context()))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/v1/records. The record is created,
// written to the tree and committed as one saga; the response carries
// the saga outcome including the new record id and commit.
func (h *RecordHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(r.Context()))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	payload := lifecycle.CreateRecordContext{
		Title:  req.Title,
		Type:   req.Type,
		Author: req.Author,
		Body:   req.Body,
	}
	if err := payload.Validate(); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	h.runSaga(w, r, lifecycle.SagaCreateRecord, payload, http.StatusCreated)
}

// UpdateRecord handles PATCH /api/v1/records/{id}.
func (h *RecordHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(r.Context()))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	payload := lifecycle.UpdateRecordContext{
		RecordID: chi.URLParam(r, "id"),
		Title:    req.Title,
		Body:     req.Body,
		Author:   req.Author,
	}
	if err := payload.Validate(); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	h.runSaga(w, r, lifecycle.SagaUpdateRecord, payload, http.StatusOK)
}

// ArchiveRecord handles POST /api/v1/records/{id}/archive.
func (h *RecordHandler) ArchiveRecord(w http.ResponseWriter, r *http.Request) {
	var req models.ArchiveRecordRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(r.Context()))
			return
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	payload := lifecycle.ArchiveRecordContext{
		RecordID: chi.URLParam(r, "id"),
		Reason:   req.Reason,
	}
	if err := payload.Validate(); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	h.runSaga(w, r, lifecycle.SagaArchiveRecord, payload, http.StatusOK)
}

// runSaga executes the latest registered version of the named saga
// synchronously and writes the outcome. Mutations are short, a few
// store writes and one commit, so the request waits for the result.
func (h *RecordHandler) runSaga(w http.ResponseWriter, r *http.Request, name string, payload any, successStatus int) {
	def, err := h.registry.Latest(name)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	res, err := h.orch.Execute(r.Context(), def, saga.Request{
		Context:        raw,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
		CorrelationID:  correlationID(r),
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("record saga rejected",
				"saga", name,
				"request_id", getRequestID(r.Context()),
				"error", err,
			)
		}
		writeSagaError(w, r, err)
		return
	}

	status := successStatus
	if res.Replayed {
		status = http.StatusOK
	}
	response.JSON(w, status, sagaOutcome(res))
}

func sagaOutcome(res *saga.Result) models.SagaOutcome {
	out := models.SagaOutcome{
		SagaID:      res.SagaID,
		Status:      string(res.Status),
		Replayed:    res.Replayed,
		Result:      res.Value,
		CompletedAt: time.Now().UTC(),
	}
	for _, f := range res.DerivedFailures {
		out.DerivedFailures = append(out.DerivedFailures, models.StepFailure{Step: f.Step, Error: f.Error})
	}
	return out
}
