// Package handlers provides the HTTP request handlers of the record API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/CivicPress/civicpress-sub013/pkg/api/middleware"
	"github.com/CivicPress/civicpress-sub013/pkg/api/response"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
)

// idempotencyKeyHeader carries the client-chosen submission key. A
// repeated key replays the stored outcome instead of re-running the saga.
const idempotencyKeyHeader = "Idempotency-Key"

// correlationIDHeader lets callers thread their own correlation id
// through the saga and its events; absent, the request id is used.
const correlationIDHeader = "X-Correlation-ID"

func correlationID(r *http.Request) string {
	if id := r.Header.Get(correlationIDHeader); id != "" {
		return id
	}
	return getRequestID(r.Context())
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
)

func getRequestID(ctx context.Context) string {
	return middleware.GetRequestID(ctx)
}

// pageParams reads limit/offset query parameters with sane bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// writeSagaError maps a saga submission failure onto an HTTP error. The
// interesting cases are contention (a concurrent saga holds the key or a
// resource lock) and business rejections, which arrive as step errors on
// an already compensated saga.
func writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := getRequestID(r.Context())

	var inProgress *saga.InProgressError
	if errors.As(err, &inProgress) {
		response.ErrorWithDetails(w, http.StatusConflict, response.ErrCodeConflict,
			"a saga for this idempotency key is still running",
			map[string]interface{}{"saga_id": inProgress.SagaID}, requestID)
		return
	}
	if errors.Is(err, saga.ErrLocked) {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict,
			"record is locked by a concurrent operation", requestID)
		return
	}
	if errors.Is(err, saga.ErrUnknownDefinition) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, err.Error(), requestID)
		return
	}

	var stepErr *saga.StepError
	if errors.As(err, &stepErr) {
		switch {
		case errors.Is(stepErr.Err, record.ErrNotFound):
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, stepErr.Err.Error(), requestID)
		case errors.Is(stepErr.Err, record.ErrExists):
			response.Error(w, http.StatusConflict, response.ErrCodeConflict, stepErr.Err.Error(), requestID)
		default:
			response.ErrorWithDetails(w, http.StatusUnprocessableEntity, response.ErrCodeUnprocessable,
				stepErr.Err.Error(),
				map[string]interface{}{"saga_id": stepErr.SagaID, "step": stepErr.Step}, requestID)
		}
		return
	}

	if errors.Is(err, saga.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		response.Error(w, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout, err.Error(), requestID)
		return
	}
	response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), requestID)
}
