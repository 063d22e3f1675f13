package models

import "time"

// SagaStepStatus is the persisted state of one step of a saga instance.
type SagaStepStatus struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
}

// SagaStatusResponse returns the full persisted state of one saga.
type SagaStatusResponse struct {
	SagaID         string           `json:"saga_id"`
	Name           string           `json:"name"`
	Version        int              `json:"version"`
	Status         string           `json:"status"`
	Steps          []SagaStepStatus `json:"steps"`
	Resources      []string         `json:"resources,omitempty"`
	FailedStep     string           `json:"failed_step,omitempty"`
	Error          string           `json:"error,omitempty"`
	CorrelationID  string           `json:"correlation_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// SagaSummary is one row in a saga list response.
type SagaSummary struct {
	SagaID     string     `json:"saga_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	FailedStep string     `json:"failed_step,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SagaListResponse is a paginated list of saga summaries.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// SagaDefinition describes one registered saga definition.
type SagaDefinition struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Steps   int    `json:"steps"`
}

// SagaActionResponse is returned by resume operations.
type SagaActionResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}
