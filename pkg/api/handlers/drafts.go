package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/CivicPress/civicpress-sub013/pkg/api/models"
	"github.com/CivicPress/civicpress-sub013/pkg/api/response"
	"github.com/CivicPress/civicpress-sub013/pkg/lifecycle"
	"github.com/CivicPress/civicpress-sub013/pkg/logger"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
)

// DraftHandler manages working drafts. Drafts live only in the store,
// so creation and deletion are plain writes; publishing runs the
// publish saga, which moves the draft into the record tree.
type DraftHandler struct {
	store     record.Store
	orch      *saga.Orchestrator
	registry  *saga.Registry
	logger    logger.Logger
	validator *validator.Validate

	// clock overrides time.Now for tests.
	clock func() time.Time
}

// NewDraftHandler creates a draft handler.
func NewDraftHandler(store record.Store, orch *saga.Orchestrator, registry *saga.Registry, log logger.Logger) *DraftHandler {
	return &DraftHandler{
		store:     store,
		orch:      orch,
		registry:  registry,
		logger:    log,
		validator: validator.New(),
		clock:     time.Now,
	}
}

// CreateDraft handles POST /api/v1/drafts.
func (h *DraftHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req models.CreateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(r.Context()))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	now := h.clock().UTC()
	draft := &record.Draft{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Title:     req.Title,
		Author:    req.Author,
		Body:      req.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.InsertDraft(r.Context(), draft); err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	response.JSON(w, http.StatusCreated, draft)
}

// ListDrafts handles GET /api/v1/drafts.
func (h *DraftHandler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, total, err := h.store.ListDrafts(r.Context(), record.ListFilter{
		Type:   r.URL.Query().Get("type"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	response.JSON(w, http.StatusOK, models.DraftListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetDraft handles GET /api/v1/drafts/{id}.
func (h *DraftHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := h.store.GetDraft(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "draft not found", getRequestID(r.Context()))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, draft)
}

// DeleteDraft handles DELETE /api/v1/drafts/{id}.
func (h *DraftHandler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteDraft(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "draft not found", getRequestID(r.Context()))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishDraft handles POST /api/v1/drafts/{id}/publish.
func (h *DraftHandler) PublishDraft(w http.ResponseWriter, r *http.Request) {
	payload := lifecycle.PublishDraftContext{DraftID: chi.URLParam(r, "id")}
	if err := payload.Validate(); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	def, err := h.registry.Latest(lifecycle.SagaPublishDraft)
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
			h.logger.Warn("publish saga rejected",
				"draft_id", payload.DraftID,
				"request_id", getRequestID(r.Context()),
				"error", err,
			)
		}
		writeSagaError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, sagaOutcome(res))
}
