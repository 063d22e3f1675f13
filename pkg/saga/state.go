package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status defines the lifecycle of a saga instance. Statuses persist as
// strings so stored instances stay readable across releases.
type Status string

const (
	StatusPending      Status = "pending"
	StatusExecuting    Status = "executing"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

var validTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusExecuting: {},
		StatusFailed:    {},
	},
	StatusExecuting: {
		StatusCompleted:    {},
		StatusCompensating: {},
		StatusFailed:       {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
	},
}

// IsTerminal reports whether the status is terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid. Terminal
// statuses have no outgoing transitions.
func (s Status) CanTransitionTo(next Status) bool {
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: invalid saga status transition: %s -> %s", ErrConflict, current, next)
	}
	return nil
}

// StepStatus is the recorded state of one step slot.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	StepSkipped     StepStatus = "skipped"
)

// StepResult is the persisted record of one step of a saga instance.
// Output is the opaque payload returned by the forward function; the
// compensation for the same step receives it verbatim.
type StepResult struct {
	Name          string          `json:"name"`
	Status        StepStatus      `json:"status"`
	Attempts      int             `json:"attempts"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	CompensatedAt *time.Time      `json:"compensated_at,omitempty"`
}

// Instance is the canonical persisted form of a saga. Everything the
// orchestrator or the recovery sweeper needs to act on an abandoned saga
// is an explicit field here; nothing is reconstructed from logs.
type Instance struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Version        int             `json:"version"`
	Status         Status          `json:"status"`
	CurrentStep    int             `json:"current_step"`
	Steps          []StepResult    `json:"steps"`
	Context        json.RawMessage `json:"context,omitempty"`
	Resources      []string        `json:"resources,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	FailedStep     string          `json:"failed_step,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`

	// StoreVersion is the optimistic concurrency token. The state store
	// increments it on every successful write.
	StoreVersion uint64 `json:"store_version"`
}

// NewInstance creates a pending instance for def with one step slot per
// definition step. The store stamps CreatedAt and UpdatedAt on first write.
func NewInstance(id string, def *Definition, payload json.RawMessage) *Instance {
	steps := make([]StepResult, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = StepResult{Name: s.ID, Status: StepPending}
	}
	return &Instance{
		ID:      id,
		Name:    def.Name,
		Version: def.Version,
		Status:  StatusPending,
		Steps:   steps,
		Context: payload,
	}
}

// TransitionTo applies a status transition.
func (in *Instance) TransitionTo(next Status) error {
	if in == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	if err := ValidateTransition(in.Status, next); err != nil {
		return err
	}
	in.Status = next
	return nil
}

// StepIndex returns the position of the named step slot, or -1.
func (in *Instance) StepIndex(name string) int {
	for i := range in.Steps {
		if in.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// SetFailure records the step and cause that pushed the saga off its
// forward path.
func (in *Instance) SetFailure(step string, err error) {
	if in == nil {
		return
	}
	in.FailedStep = step
	if err != nil {
		in.Error = err.Error()
	}
}

// Outputs collects the outputs of succeeded steps keyed by step name.
func (in *Instance) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in.Steps))
	for i := range in.Steps {
		if in.Steps[i].Status == StepSucceeded && in.Steps[i].Output != nil {
			out[in.Steps[i].Name] = in.Steps[i].Output
		}
	}
	return out
}

// Clone returns a deep copy. Stores hand out clones so callers never
// mutate persisted state in place.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	cp := *in
	cp.Steps = make([]StepResult, len(in.Steps))
	copy(cp.Steps, in.Steps)
	for i := range in.Steps {
		cp.Steps[i].Output = cloneRaw(in.Steps[i].Output)
		cp.Steps[i].StartedAt = cloneTime(in.Steps[i].StartedAt)
		cp.Steps[i].FinishedAt = cloneTime(in.Steps[i].FinishedAt)
		cp.Steps[i].CompensatedAt = cloneTime(in.Steps[i].CompensatedAt)
	}
	cp.Resources = append([]string(nil), in.Resources...)
	cp.Context = cloneRaw(in.Context)
	cp.Result = cloneRaw(in.Result)
	cp.StartedAt = cloneTime(in.StartedAt)
	cp.FinishedAt = cloneTime(in.FinishedAt)
	return &cp
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
