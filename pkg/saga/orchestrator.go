package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger receives orchestrator lifecycle events. The pkg/logger Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Config bounds orchestrator execution. Zero values fall back to safe
// defaults.
type Config struct {
	DefaultStepTimeout time.Duration
	DefaultSagaTimeout time.Duration
	LockTTL            time.Duration
	LeaseRenewInterval time.Duration
	LockWait           time.Duration
	LockPollInterval   time.Duration
	MaxConcurrent      int
}

func (c Config) withDefaults() Config {
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 30 * time.Second
	}
	if c.DefaultSagaTimeout <= 0 {
		c.DefaultSagaTimeout = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	if c.LeaseRenewInterval <= 0 {
		c.LeaseRenewInterval = c.LockTTL / 3
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = 200 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	return c
}

// Request is one saga submission.
type Request struct {
	// Context is the opaque input payload handed to every step.
	Context json.RawMessage
	// IdempotencyKey deduplicates submissions. Empty disables replay.
	IdempotencyKey string
	// CorrelationID threads an external request ID through logs and
	// events.
	CorrelationID string
	// LockWait bounds how long acquisition blocks on contended resources.
	// Zero falls back to the orchestrator default, which fails fast.
	LockWait time.Duration
}

// StepFailure reports one recorded step failure.
type StepFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Result is the outcome envelope of a saga execution.
type Result struct {
	SagaID          string          `json:"saga_id"`
	Status          Status          `json:"status"`
	Value           json.RawMessage `json:"value,omitempty"`
	Compensated     bool            `json:"compensated"`
	Replayed        bool            `json:"replayed,omitempty"`
	DerivedFailures []StepFailure   `json:"derived_failures,omitempty"`
}

// OrchestratorOption customizes Orchestrator initialization.
type OrchestratorOption func(*Orchestrator)

// WithMaxConcurrentSagas sets maximum concurrent saga executions.
func WithMaxConcurrentSagas(max int) OrchestratorOption {
	return func(o *Orchestrator) {
		if max > 0 {
			o.cfg.MaxConcurrent = max
			o.sema = make(chan struct{}, max)
		}
	}
}

// WithMetricsRecorder wires metrics into the orchestrator.
func WithMetricsRecorder(m MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger wires a logger into the orchestrator.
func WithLogger(l Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides the orchestrator clock.
func WithClock(fn func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.nowFn = fn
		}
	}
}

// WithIDGenerator overrides saga ID generation.
func WithIDGenerator(fn func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// Orchestrator executes declarative saga definitions against a persistent
// state store: strict sequential forward execution under resource leases,
// strict reverse compensation on authoritative failure, and outcome replay
// under idempotency keys.
type Orchestrator struct {
	store   StateStore
	locks   *LockManager
	cfg     Config
	metrics MetricsRecorder
	log     Logger
	nowFn   func() time.Time
	newID   func() string
	sema    chan struct{}
}

// NewOrchestrator creates a saga orchestrator backed by store.
func NewOrchestrator(store StateStore, cfg Config, options ...OrchestratorOption) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		store:   store,
		cfg:     cfg,
		metrics: &nopMetricsRecorder{},
		log:     nopLogger{},
		nowFn:   func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		sema:    make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, option := range options {
		if option != nil {
			option(o)
		}
	}
	o.locks = NewLockManager(store, o.cfg.LockTTL, o.cfg.LeaseRenewInterval, o.cfg.LockPollInterval)
	return o
}

// Execute runs one saga from submission to terminal status.
//
// Completed sagas return a Result and nil error. Compensated sagas return
// both the Result envelope and a *StepError naming the failed step. A
// compensation failure returns *CompensationError and leaves the saga
// terminal failed for operator reconciliation. Duplicate submissions under
// a finalized idempotency key replay the recorded outcome without
// executing anything.
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, req Request) (*Result, error) {
	if def == nil {
		return nil, fmt.Errorf("saga definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.ValidateContext != nil {
		if err := def.ValidateContext(req.Context); err != nil {
			return nil, fmt.Errorf("invalid saga context: %w", err)
		}
	}

	if req.IdempotencyKey != "" {
		res, err := o.replayedOutcome(ctx, req.IdempotencyKey)
		if res != nil || err != nil {
			return res, err
		}
	}

	select {
	case o.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sema }()

	var resources []string
	if def.Resources != nil {
		resolved, err := def.Resources(req.Context)
		if err != nil {
			return nil, fmt.Errorf("resolve saga resources: %w", err)
		}
		resources = resolved
	}

	inst := NewInstance(o.newID(), def, req.Context)
	inst.CorrelationID = req.CorrelationID
	inst.IdempotencyKey = req.IdempotencyKey
	inst.Resources = sortedUnique(resources)

	if err := o.store.CreateSaga(ctx, inst); err != nil {
		var finalized *KeyFinalizedError
		if errors.As(err, &finalized) {
			o.metrics.RecordIdempotencyHit("replayed")
			return resultFromOutcome(finalized.Outcome), nil
		}
		var inProgress *InProgressError
		if errors.As(err, &inProgress) {
			o.metrics.RecordIdempotencyHit("in_progress")
			return nil, err
		}
		return nil, err
	}

	o.log.Info("saga accepted",
		"saga_id", inst.ID,
		"saga_type", inst.Name,
		"correlation_id", inst.CorrelationID,
	)
	return o.run(ctx, def, inst, o.lockWait(req.LockWait))
}

// Resume continues a non-terminal saga from its persisted cursor, typically
// after a process restart. Pending and executing sagas resume forward
// execution; compensating sagas resume their rollback. Terminal sagas
// return their recorded outcome.
func (o *Orchestrator) Resume(ctx context.Context, def *Definition, sagaID string) (*Result, error) {
	if def == nil {
		return nil, fmt.Errorf("saga definition cannot be nil")
	}
	inst, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if inst.Name != def.Name || inst.Version != def.Version {
		return nil, fmt.Errorf("saga %s is %s v%d, definition is %s v%d",
			sagaID, inst.Name, inst.Version, def.Name, def.Version)
	}
	if inst.Status.IsTerminal() {
		res := resultFromInstance(inst)
		res.Replayed = true
		return res, nil
	}

	select {
	case o.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sema }()

	o.log.Info("saga resumed", "saga_id", inst.ID, "saga_type", inst.Name, "status", string(inst.Status), "step", inst.CurrentStep)

	if inst.Status == StatusCompensating {
		return o.resumeCompensation(ctx, def, inst)
	}
	return o.run(ctx, def, inst, o.cfg.LockWait)
}

// GetInstance loads one saga instance by ID.
func (o *Orchestrator) GetInstance(ctx context.Context, sagaID string) (*Instance, error) {
	return o.store.GetSaga(ctx, sagaID)
}

// ListInstances lists saga instances with optional status filter and
// pagination.
func (o *Orchestrator) ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	return o.store.ListSagas(ctx, filter)
}

// Store exposes the backing state store for recovery and observability.
func (o *Orchestrator) Store() StateStore { return o.store }

func (o *Orchestrator) lockWait(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return o.cfg.LockWait
}

// run drives forward execution for a pending or executing instance.
func (o *Orchestrator) run(ctx context.Context, def *Definition, inst *Instance, lockWait time.Duration) (*Result, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaExecuteForward, trace.WithAttributes(
		attrSagaID.String(inst.ID),
		attrSagaType.String(inst.Name),
	))
	defer span.End()

	o.metrics.IncActiveSagas()
	defer o.metrics.DecActiveSagas()
	started := o.nowFn()

	res, err := o.runForward(ctx, def, inst, lockWait)

	status := "error"
	if res != nil {
		status = string(res.Status)
	}
	o.metrics.RecordSagaExecution(inst.Name, status)
	o.metrics.RecordSagaDuration(inst.Name, status, o.nowFn().Sub(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) runForward(ctx context.Context, def *Definition, inst *Instance, lockWait time.Duration) (*Result, error) {
	// State writes must land even when the caller's context dies
	// mid-flight; a cancelled saga still has to record its terminal
	// status.
	persistCtx := context.WithoutCancel(ctx)

	if inst.Status == StatusPending {
		updated, err := o.store.UpdateSaga(persistCtx, inst.ID, inst.StoreVersion, func(in *Instance) error {
			if err := in.TransitionTo(StatusExecuting); err != nil {
				return err
			}
			now := o.nowFn()
			in.StartedAt = &now
			return nil
		})
		if err != nil {
			return nil, err
		}
		inst = updated
	}

	lockStart := o.nowFn()
	leases, err := o.locks.AcquireAll(ctx, inst.ID, inst.Resources, lockWait)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			o.metrics.RecordLockAcquire("conflict")
		} else {
			o.metrics.RecordLockAcquire("error")
		}
		lockErr := fmt.Errorf("acquire resource locks: %w", err)
		if _, finErr := o.store.FinalizeSaga(persistCtx, inst.ID, inst.StoreVersion, func(in *Instance) error {
			// No step ran yet, so the idempotency key must stay
			// retryable: clearing it releases the reservation
			// instead of recording a failed outcome.
			in.IdempotencyKey = ""
			in.SetFailure("", lockErr)
			return in.TransitionTo(StatusFailed)
		}); finErr != nil {
			o.log.Error("finalize lock-failed saga", "saga_id", inst.ID, "error", finErr)
		}
		return nil, lockErr
	}
	o.metrics.RecordLockAcquire("acquired")
	o.metrics.RecordLockWait(o.nowFn().Sub(lockStart))

	renewer := o.locks.StartRenewer(ctx, leases)
	defer renewer.Stop()

	// Steps observe cancellation when a lease is lost: the saga no longer
	// owns its resources and must stop mutating them.
	stepBase, cancelSteps := context.WithCancel(ctx)
	defer cancelSteps()
	go func() {
		select {
		case <-renewer.Lost():
			cancelSteps()
		case <-stepBase.Done():
		}
	}()

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultSagaTimeout
	}
	sagaCtx, cancelSaga := context.WithTimeout(stepBase, timeout)
	defer cancelSaga()

	var stepErr error
	var failedStep string
	for i := inst.CurrentStep; i < len(def.Steps); i++ {
		step := def.Steps[i]

		updated, output, err := o.runStepForward(sagaCtx, persistCtx, def, inst, i)
		inst = updated
		if err == nil {
			inst, err = o.recordStepSuccess(persistCtx, inst, i, output)
			if err != nil {
				return nil, err
			}
			continue
		}
		if errors.Is(err, ErrSkipStep) {
			inst, err = o.recordStepSkipped(persistCtx, inst, i)
			if err != nil {
				return nil, err
			}
			continue
		}

		cause := o.classifyFailure(err, sagaCtx, renewer)
		if step.Criticality == Derived {
			o.log.Warn("derived step failed",
				"saga_id", inst.ID, "step", step.ID, "error", cause)
			inst, err = o.recordStepFailedAdvance(persistCtx, inst, i, cause)
			if err != nil {
				return nil, err
			}
			// A lost lease or expired saga still aborts even when the
			// failing step was derived.
			if renewerLost(renewer) || sagaCtx.Err() != nil {
				stepErr = cause
				failedStep = step.ID
				break
			}
			continue
		}

		stepErr = cause
		failedStep = step.ID
		inst, err = o.recordStepFailed(persistCtx, inst, i, cause)
		if err != nil {
			return nil, err
		}
		break
	}

	if stepErr == nil {
		return o.finalizeCompleted(persistCtx, def, inst)
	}

	o.log.Warn("saga step failed, compensating",
		"saga_id", inst.ID, "step", failedStep, "error", stepErr)
	return o.compensate(ctx, def, inst, failedStep, stepErr)
}

// runStepForward executes one step with its retry policy. The step-attempt
// marker is persisted before every invocation so crash recovery can tell an
// attempted step from an unattempted one.
func (o *Orchestrator) runStepForward(ctx context.Context, persistCtx context.Context, def *Definition, inst *Instance, idx int) (*Instance, json.RawMessage, error) {
	step := def.Steps[idx]
	policy := step.Retry.withDefaults()

	stepSpanCtx, span := sagaTracer().Start(ctx, spanSagaStepForward, trace.WithAttributes(
		attrSagaID.String(inst.ID),
		attrSagaType.String(inst.Name),
		attrSagaStep.String(step.ID),
	))
	defer span.End()

	stepStart := o.nowFn()
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		updated, err := o.store.UpdateSaga(persistCtx, inst.ID, inst.StoreVersion, func(in *Instance) error {
			in.CurrentStep = idx
			in.Steps[idx].Attempts++
			if in.Steps[idx].StartedAt == nil {
				now := o.nowFn()
				in.Steps[idx].StartedAt = &now
			}
			return nil
		})
		if err != nil {
			return inst, nil, err
		}
		inst = updated

		attemptCtx, cancel := context.WithTimeout(stepSpanCtx, o.stepTimeout(def, step))
		output, actErr := step.Action(attemptCtx, &StepContext{
			SagaID:  inst.ID,
			StepID:  step.ID,
			Context: inst.Context,
			Outputs: inst.Outputs(),
		})
		if actErr == nil && attemptCtx.Err() != nil {
			actErr = attemptCtx.Err()
		}
		cancel()

		if actErr == nil {
			o.metrics.RecordStep(inst.Name, step.ID, "succeeded", o.nowFn().Sub(stepStart))
			return inst, output, nil
		}
		if errors.Is(actErr, ErrSkipStep) {
			o.metrics.RecordStep(inst.Name, step.ID, "skipped", o.nowFn().Sub(stepStart))
			return inst, nil, actErr
		}

		lastErr = actErr
		retryable := IsTransient(actErr) || errors.Is(actErr, context.DeadlineExceeded)
		if !retryable || ctx.Err() != nil || attempt == policy.MaxAttempts-1 {
			break
		}
		o.metrics.RecordStepRetry(inst.Name, step.ID)
		o.log.Debug("retrying step",
			"saga_id", inst.ID, "step", step.ID, "attempt", attempt+1, "error", lastErr)
		if err := sleepContext(ctx, backoffForAttempt(policy, attempt)); err != nil {
			break
		}
	}

	o.metrics.RecordStep(inst.Name, step.ID, "failed", o.nowFn().Sub(stepStart))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return inst, nil, lastErr
}

func (o *Orchestrator) stepTimeout(def *Definition, step *Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if def.DefaultStepTimeout > 0 {
		return def.DefaultStepTimeout
	}
	return o.cfg.DefaultStepTimeout
}

// classifyFailure maps context-shaped errors onto the saga taxonomy.
func (o *Orchestrator) classifyFailure(err error, sagaCtx context.Context, renewer *Renewer) error {
	switch {
	case renewerLost(renewer):
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled) && sagaCtx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		return err
	}
}

func renewerLost(r *Renewer) bool {
	select {
	case <-r.Lost():
		return true
	default:
		return false
	}
}

func (o *Orchestrator) recordStepSuccess(ctx context.Context, inst *Instance, idx int, output json.RawMessage) (*Instance, error) {
	return o.store.UpdateSaga(ctx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		in.Steps[idx].Status = StepSucceeded
		in.Steps[idx].Output = output
		in.Steps[idx].Error = ""
		now := o.nowFn()
		in.Steps[idx].FinishedAt = &now
		in.CurrentStep = idx + 1
		return nil
	})
}

func (o *Orchestrator) recordStepSkipped(ctx context.Context, inst *Instance, idx int) (*Instance, error) {
	return o.store.UpdateSaga(ctx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		in.Steps[idx].Status = StepSkipped
		now := o.nowFn()
		in.Steps[idx].FinishedAt = &now
		in.CurrentStep = idx + 1
		return nil
	})
}

func (o *Orchestrator) recordStepFailedAdvance(ctx context.Context, inst *Instance, idx int, cause error) (*Instance, error) {
	return o.store.UpdateSaga(ctx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		in.Steps[idx].Status = StepFailed
		in.Steps[idx].Error = cause.Error()
		now := o.nowFn()
		in.Steps[idx].FinishedAt = &now
		in.CurrentStep = idx + 1
		return nil
	})
}

func (o *Orchestrator) recordStepFailed(ctx context.Context, inst *Instance, idx int, cause error) (*Instance, error) {
	return o.store.UpdateSaga(ctx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		in.Steps[idx].Status = StepFailed
		in.Steps[idx].Error = cause.Error()
		now := o.nowFn()
		in.Steps[idx].FinishedAt = &now
		in.SetFailure(in.Steps[idx].Name, cause)
		return nil
	})
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, def *Definition, inst *Instance) (*Result, error) {
	var value json.RawMessage
	if def.Result != nil {
		derived, err := def.Result(inst)
		if err != nil {
			// Authoritative effects already landed; a result derivation
			// bug must not roll them back.
			o.log.Error("derive saga result", "saga_id", inst.ID, "error", err)
		} else {
			value = derived
		}
	}

	final, err := o.store.FinalizeSaga(ctx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		if err := in.TransitionTo(StatusCompleted); err != nil {
			return err
		}
		in.Result = value
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info("saga completed", "saga_id", final.ID, "saga_type", final.Name)
	res := resultFromInstance(final)
	return res, nil
}

func resultFromInstance(in *Instance) *Result {
	return &Result{
		SagaID:          in.ID,
		Status:          in.Status,
		Value:           cloneRaw(in.Result),
		Compensated:     in.Status == StatusCompensated,
		DerivedFailures: derivedFailures(in),
	}
}

func derivedFailures(in *Instance) []StepFailure {
	failures := make([]StepFailure, 0)
	for i := range in.Steps {
		if in.Steps[i].Status == StepFailed && in.Steps[i].Name != in.FailedStep {
			failures = append(failures, StepFailure{Step: in.Steps[i].Name, Error: in.Steps[i].Error})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return failures
}
