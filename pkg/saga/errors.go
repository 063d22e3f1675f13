package saga

import (
	"errors"
	"fmt"
)

// Sentinel errors for saga execution and state store operations.
var (
	// ErrNotFound is returned when a saga, lock, or idempotency entry
	// cannot be located.
	ErrNotFound = errors.New("saga: not found")

	// ErrConflict is returned on optimistic concurrency failures and on
	// attempts to rewrite a terminal saga.
	ErrConflict = errors.New("saga: conflict")

	// ErrUnavailable is returned when the state store cannot serve the
	// request. Unavailable failures are transient.
	ErrUnavailable = errors.New("saga: state store unavailable")

	// ErrLocked is returned when a resource lock is held by another saga.
	ErrLocked = errors.New("saga: resource locked")

	// ErrLeaseLost is returned when a held lease expired or was reclaimed.
	ErrLeaseLost = errors.New("saga: lease lost")

	// ErrTimeout marks a deadline expiry, either of a step attempt or of
	// the whole saga.
	ErrTimeout = errors.New("saga: timeout")

	// ErrCancelled marks a caller-initiated cancellation.
	ErrCancelled = errors.New("saga: cancelled")

	// ErrSkipStep is the sentinel a forward function returns to mark its
	// step skipped (nothing to do, nothing to compensate).
	ErrSkipStep = errors.New("saga: skip step")

	// ErrUnknownDefinition is returned by the registry for an unknown
	// saga type or version.
	ErrUnknownDefinition = errors.New("saga: unknown definition")
)

// StepError reports a failed authoritative step. The saga has been (or is
// being) compensated when the caller observes it.
type StepError struct {
	SagaID string
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %q failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CompensationError reports a compensation that failed after exhausting its
// retries. The saga is terminal failed and requires operator attention.
type CompensationError struct {
	SagaID string
	Step   string
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation for step %q failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// InProgressError is returned when an idempotency key is reserved by a saga
// that has not reached a terminal status. Callers should poll rather than
// re-invoke.
type InProgressError struct {
	Key    string
	SagaID string
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("saga %s in progress for idempotency key %q", e.SagaID, e.Key)
}

// KeyFinalizedError is returned by the state store when a new saga is
// created under an idempotency key that already carries a finalized
// outcome. The orchestrator converts it into the stored result.
type KeyFinalizedError struct {
	Key     string
	Outcome Outcome
}

func (e *KeyFinalizedError) Error() string {
	return fmt.Sprintf("idempotency key %q already finalized by saga %s", e.Key, e.Outcome.SagaID)
}

// TransientError marks an error as retryable under the step retry policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the orchestrator retries the attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether an error should be retried by the step retry
// policy. Store unavailability is always transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrUnavailable)
}
