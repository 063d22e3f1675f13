// Package models defines the request and response payloads of the HTTP API.
package models

import (
	"encoding/json"
	"time"

	"github.com/CivicPress/civicpress-sub013/pkg/record"
)

// CreateRecordRequest asks for a new published record.
type CreateRecordRequest struct {
	Title  string `json:"title" validate:"required,min=1,max=200"`
	Type   string `json:"type" validate:"required,min=1,max=50"`
	Author string `json:"author,omitempty" validate:"omitempty,max=200"`
	Body   string `json:"body,omitempty"`
}

// UpdateRecordRequest carries a partial update. Nil fields are left
// untouched; at least one field must be present.
type UpdateRecordRequest struct {
	Title  *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Body   *string `json:"body,omitempty"`
	Author *string `json:"author,omitempty" validate:"omitempty,max=200"`
}

// ArchiveRecordRequest carries the optional archive reason.
type ArchiveRecordRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// CreateDraftRequest asks for a new working draft.
type CreateDraftRequest struct {
	Title  string `json:"title" validate:"required,min=1,max=200"`
	Type   string `json:"type" validate:"required,min=1,max=50"`
	Author string `json:"author,omitempty" validate:"omitempty,max=200"`
	Body   string `json:"body,omitempty"`
}

// RecordListResponse is a paginated page of records.
type RecordListResponse struct {
	Items  []*record.Record `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// DraftListResponse is a paginated page of drafts.
type DraftListResponse struct {
	Items  []*record.Draft `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// StepFailure reports one derived step that failed without failing the
// operation.
type StepFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// SagaOutcome is returned by every record mutation endpoint. Result is
// the saga's result payload; Replayed marks an idempotent replay of an
// earlier submission.
type SagaOutcome struct {
	SagaID          string          `json:"saga_id"`
	Status          string          `json:"status"`
	Replayed        bool            `json:"replayed,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	DerivedFailures []StepFailure   `json:"derived_failures,omitempty"`
	CompletedAt     time.Time       `json:"completed_at"`
}
