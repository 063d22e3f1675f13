package saga

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// compensate rolls back an executing saga after an authoritative step
// failure. The caller still holds the saga's resource leases.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, inst *Instance, failedStep string, cause error) (*Result, error) {
	persistCtx := context.WithoutCancel(ctx)

	updated, err := o.store.UpdateSaga(persistCtx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		if in.FailedStep == "" {
			in.SetFailure(failedStep, cause)
		}
		return in.TransitionTo(StatusCompensating)
	})
	if err != nil {
		return nil, err
	}
	return o.runCompensation(ctx, def, updated, failedStep, cause)
}

// resumeCompensation re-acquires the saga's resources and finishes an
// interrupted rollback.
func (o *Orchestrator) resumeCompensation(ctx context.Context, def *Definition, inst *Instance) (*Result, error) {
	cause := errors.New("compensation resumed")
	if inst.Error != "" {
		cause = errors.New(inst.Error)
	}

	leases, err := o.locks.AcquireAll(ctx, inst.ID, inst.Resources, o.cfg.LockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire resource locks: %w", err)
	}
	renewer := o.locks.StartRenewer(ctx, leases)
	defer renewer.Stop()

	return o.runCompensation(ctx, def, inst, inst.FailedStep, cause)
}

// runCompensation executes compensations in strict reverse order over every
// succeeded step. Compensation runs on a context that survives caller
// cancellation: a cancelled saga still has to undo its persisted effects.
func (o *Orchestrator) runCompensation(ctx context.Context, def *Definition, inst *Instance, failedStep string, cause error) (*Result, error) {
	compCtx, span := sagaTracer().Start(context.WithoutCancel(ctx), spanSagaExecuteCompensate, trace.WithAttributes(
		attrSagaID.String(inst.ID),
		attrSagaType.String(inst.Name),
	))
	defer span.End()

	for i := len(inst.Steps) - 1; i >= 0; i-- {
		if inst.Steps[i].Status != StepSucceeded {
			continue
		}
		step := def.Steps[i]

		if step.Compensation == nil {
			updated, err := o.recordStepCompensated(compCtx, inst, i)
			if err != nil {
				return nil, err
			}
			inst = updated
			continue
		}

		updated, compErr := o.runStepCompensation(compCtx, def, inst, i, failedStep, cause)
		inst = updated
		if compErr != nil {
			o.metrics.RecordCompensation(inst.Name, "failed")
			span.RecordError(compErr)
			span.SetStatus(codes.Error, compErr.Error())

			wrapped := &CompensationError{SagaID: inst.ID, Step: step.ID, Err: compErr}
			if _, finErr := o.store.FinalizeSaga(compCtx, inst.ID, inst.StoreVersion, func(in *Instance) error {
				in.Error = wrapped.Error()
				return in.TransitionTo(StatusFailed)
			}); finErr != nil {
				o.log.Error("finalize failed saga", "saga_id", inst.ID, "error", finErr)
			}
			o.log.Error("compensation failed, saga requires operator attention",
				"saga_id", inst.ID, "step", step.ID, "error", compErr)
			return nil, wrapped
		}
	}

	final, err := o.store.FinalizeSaga(compCtx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		return in.TransitionTo(StatusCompensated)
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RecordCompensation(final.Name, "compensated")
	o.log.Info("saga compensated", "saga_id", final.ID, "saga_type", final.Name, "failed_step", failedStep)

	res := resultFromInstance(final)
	return res, &StepError{SagaID: final.ID, Step: failedStep, Err: cause}
}

// runStepCompensation retries one compensation under the step's retry
// policy. Compensations must be idempotent; a crash between effect and
// record re-runs them.
func (o *Orchestrator) runStepCompensation(ctx context.Context, def *Definition, inst *Instance, idx int, failedStep string, cause error) (*Instance, error) {
	step := def.Steps[idx]
	policy := step.Retry.withDefaults()

	stepCtx, span := sagaTracer().Start(ctx, spanSagaStepCompensate, trace.WithAttributes(
		attrSagaID.String(inst.ID),
		attrSagaType.String(inst.Name),
		attrSagaStep.String(step.ID),
	))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(stepCtx, o.stepTimeout(def, step))
		err := step.Compensation(attemptCtx, &CompensationContext{
			SagaID:     inst.ID,
			StepID:     step.ID,
			FailedStep: failedStep,
			Failure:    cause,
			Context:    inst.Context,
			Output:     inst.Steps[idx].Output,
		})
		if err == nil && attemptCtx.Err() != nil {
			err = attemptCtx.Err()
		}
		cancel()

		if err == nil {
			return o.recordStepCompensated(ctx, inst, idx)
		}

		lastErr = err
		retryable := IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
		if !retryable || attempt == policy.MaxAttempts-1 {
			break
		}
		o.metrics.RecordCompensationRetry()
		o.log.Debug("retrying compensation",
			"saga_id", inst.ID, "step", step.ID, "attempt", attempt+1, "error", lastErr)
		if sleepErr := sleepContext(ctx, backoffForAttempt(policy, attempt)); sleepErr != nil {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return inst, lastErr
}

func (o *Orchestrator) recordStepCompensated(ctx context.Context, inst *Instance, idx int) (*Instance, error) {
	return o.store.UpdateSaga(ctx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		in.Steps[idx].Status = StepCompensated
		now := o.nowFn()
		in.Steps[idx].CompensatedAt = &now
		return nil
	})
}
