package saga

import (
	"context"
	"errors"
)

// replayedOutcome resolves an idempotency key before any saga state is
// created. A finalized key yields the recorded outcome; a key reserved by
// an unfinished saga yields *InProgressError. An unknown key yields
// (nil, nil) and the submission proceeds.
//
// This pre-check is best effort: two submissions racing on a fresh key both
// pass it, and CreateSaga's atomic reservation decides the winner.
func (o *Orchestrator) replayedOutcome(ctx context.Context, key string) (*Result, error) {
	entry, err := o.store.GetIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if entry.Outcome != nil {
		o.metrics.RecordIdempotencyHit("replayed")
		o.log.Info("replaying recorded saga outcome",
			"idempotency_key", key, "saga_id", entry.Outcome.SagaID, "status", string(entry.Outcome.Status))
		return resultFromOutcome(*entry.Outcome), nil
	}
	o.metrics.RecordIdempotencyHit("in_progress")
	return nil, &InProgressError{Key: key, SagaID: entry.SagaID}
}

// resultFromOutcome rebuilds the caller envelope from a stored outcome.
func resultFromOutcome(out Outcome) *Result {
	return &Result{
		SagaID:      out.SagaID,
		Status:      out.Status,
		Value:       cloneRaw(out.Value),
		Compensated: out.Compensated,
		Replayed:    true,
	}
}
