// Package saga provides orchestration-based multi-resource transaction
// primitives: sequential forward execution, compensating rollback,
// idempotency keys, TTL resource locks, and crash recovery over a
// persistent state store.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActionFunc executes a forward step. The returned payload is persisted as
// the step output and handed to the step's compensation on rollback.
// Returning ErrSkipStep marks the step skipped with no output and no
// compensation obligation.
type ActionFunc func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error)

// CompensationFunc executes the reverse operation for a step.
type CompensationFunc func(ctx context.Context, compCtx *CompensationContext) error

// Criticality classifies a step's failure handling. Authoritative step
// failures abort the saga and trigger compensation; derived step failures
// are recorded and reported but never fail the saga.
type Criticality int

const (
	Authoritative Criticality = iota
	Derived
)

// String returns the string form of the criticality.
func (c Criticality) String() string {
	switch c {
	case Authoritative:
		return "authoritative"
	case Derived:
		return "derived"
	default:
		return "unknown"
	}
}

// StepContext carries runtime information for forward step execution.
// Context is the saga's opaque input payload; Outputs holds the persisted
// outputs of earlier succeeded steps keyed by step name.
type StepContext struct {
	SagaID  string
	StepID  string
	Context json.RawMessage
	Outputs map[string]json.RawMessage
}

// DecodeContext unmarshals the saga context payload into v.
func (c *StepContext) DecodeContext(v any) error {
	if len(c.Context) == 0 {
		return fmt.Errorf("step %s: empty saga context", c.StepID)
	}
	if err := json.Unmarshal(c.Context, v); err != nil {
		return fmt.Errorf("step %s: decode saga context: %w", c.StepID, err)
	}
	return nil
}

// Output returns the persisted output of an earlier step.
func (c *StepContext) Output(stepID string) (json.RawMessage, bool) {
	raw, ok := c.Outputs[stepID]
	return raw, ok
}

// DecodeOutput unmarshals the output of an earlier step into v.
func (c *StepContext) DecodeOutput(stepID string, v any) error {
	raw, ok := c.Outputs[stepID]
	if !ok {
		return fmt.Errorf("step %s: no output recorded for step %q", c.StepID, stepID)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("step %s: decode output of %q: %w", c.StepID, stepID, err)
	}
	return nil
}

// CompensationContext carries runtime information for compensation
// execution. Output is this step's own persisted forward output; it is nil
// when the forward pass recorded none.
type CompensationContext struct {
	SagaID     string
	StepID     string
	FailedStep string
	Failure    error
	Context    json.RawMessage
	Output     json.RawMessage
}

// DecodeContext unmarshals the saga context payload into v.
func (c *CompensationContext) DecodeContext(v any) error {
	if len(c.Context) == 0 {
		return fmt.Errorf("compensate %s: empty saga context", c.StepID)
	}
	if err := json.Unmarshal(c.Context, v); err != nil {
		return fmt.Errorf("compensate %s: decode saga context: %w", c.StepID, err)
	}
	return nil
}

// DecodeOutput unmarshals this step's forward output into v.
func (c *CompensationContext) DecodeOutput(v any) error {
	if len(c.Output) == 0 {
		return fmt.Errorf("compensate %s: no forward output recorded", c.StepID)
	}
	if err := json.Unmarshal(c.Output, v); err != nil {
		return fmt.Errorf("compensate %s: decode forward output: %w", c.StepID, err)
	}
	return nil
}

// EncodeOutput marshals a step output payload.
func EncodeOutput(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode step output: %w", err)
	}
	return raw, nil
}

// Step defines one executable unit in a saga.
type Step struct {
	ID           string
	Action       ActionFunc
	Compensation CompensationFunc
	Criticality  Criticality
	Timeout      time.Duration
	Retry        RetryPolicy
}

// StepOption configures a step definition.
type StepOption func(step *Step) error

// Action configures the forward action function.
func Action(fn ActionFunc) StepOption {
	return func(step *Step) error {
		step.Action = fn
		return nil
	}
}

// Compensate configures the compensation function.
func Compensate(fn CompensationFunc) StepOption {
	return func(step *Step) error {
		step.Compensation = fn
		return nil
	}
}

// StepTimeout configures per-step timeout.
func StepTimeout(timeout time.Duration) StepOption {
	return func(step *Step) error {
		step.Timeout = timeout
		return nil
	}
}

// WithRetry configures the retry policy for transient forward failures.
func WithRetry(policy RetryPolicy) StepOption {
	return func(step *Step) error {
		if policy.MaxAttempts < 1 {
			return fmt.Errorf("retry policy requires at least one attempt")
		}
		step.Retry = policy
		return nil
	}
}

// AsDerived marks a step derived: its failures are recorded and reported
// but never abort the saga.
func AsDerived() StepOption {
	return func(step *Step) error {
		step.Criticality = Derived
		return nil
	}
}
