package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestExecuteReplaysCompletedOutcome(t *testing.T) {
	runs := 0
	def, err := New("idem", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			runs++
			return EncodeOutput("created")
		})).
		WithResult(func(inst *Instance) (json.RawMessage, error) {
			return inst.Outputs()["a"], nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	req := Request{Context: json.RawMessage(`{}`), IdempotencyKey: "req-1"}

	first, execErr := orchestrator.Execute(context.Background(), def, req)
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}
	if first.Replayed {
		t.Fatal("first execution must not report replayed")
	}

	second, execErr := orchestrator.Execute(context.Background(), def, req)
	if execErr != nil {
		t.Fatalf("duplicate Execute() error = %v", execErr)
	}
	if !second.Replayed {
		t.Fatal("duplicate submission must report replayed")
	}
	if second.SagaID != first.SagaID || second.Status != StatusCompleted {
		t.Fatalf("replay mismatch: %#v vs %#v", second, first)
	}
	if string(second.Value) != string(first.Value) {
		t.Fatalf("replayed value %s != original %s", second.Value, first.Value)
	}
	if runs != 1 {
		t.Fatalf("actions must run once per key, ran %d times", runs)
	}
}

func TestExecuteReplaysCompensatedOutcome(t *testing.T) {
	def, err := New("idem-fail", 1).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput("a-done")
			}),
			Compensate(func(context.Context, *CompensationContext) error { return nil }),
		).
		Step("b",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return nil, errors.New("boom")
			}),
			WithRetry(fastRetry(1)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	req := Request{Context: json.RawMessage(`{}`), IdempotencyKey: "req-2"}

	first, execErr := orchestrator.Execute(context.Background(), def, req)
	if execErr == nil {
		t.Fatal("expected step failure on first execution")
	}
	if first == nil || first.Status != StatusCompensated {
		t.Fatalf("expected compensated envelope, got %#v", first)
	}

	// The recorded outcome replays as data, not as a fresh failure.
	second, execErr := orchestrator.Execute(context.Background(), def, req)
	if execErr != nil {
		t.Fatalf("duplicate Execute() error = %v", execErr)
	}
	if !second.Replayed || second.Status != StatusCompensated || !second.Compensated {
		t.Fatalf("unexpected replayed outcome: %#v", second)
	}
	if second.SagaID != first.SagaID {
		t.Fatalf("replay names saga %s, want %s", second.SagaID, first.SagaID)
	}
}

func TestExecuteReportsInProgressKey(t *testing.T) {
	def, err := New("idem-live", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return EncodeOutput("ok")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStateStore()
	holder := NewInstance("saga-live", def, json.RawMessage(`{}`))
	holder.IdempotencyKey = "req-3"
	if err := store.CreateSaga(context.Background(), holder); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}

	orchestrator := NewOrchestrator(store, fastConfig())
	_, execErr := orchestrator.Execute(context.Background(), def, Request{
		Context:        json.RawMessage(`{}`),
		IdempotencyKey: "req-3",
	})
	var inProgress *InProgressError
	if !errors.As(execErr, &inProgress) {
		t.Fatalf("Execute() error = %v, want InProgressError", execErr)
	}
	if inProgress.SagaID != "saga-live" {
		t.Fatalf("expected owner saga-live, got %s", inProgress.SagaID)
	}
}

func TestExecuteDistinctKeysRunIndependently(t *testing.T) {
	def, err := New("idem-multi", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return EncodeOutput("ok")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	first, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`), IdempotencyKey: "key-a"})
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}
	second, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`), IdempotencyKey: "key-b"})
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}
	if first.SagaID == second.SagaID {
		t.Fatal("distinct keys must run distinct sagas")
	}
	if first.Replayed || second.Replayed {
		t.Fatal("fresh keys must not report replayed")
	}
}
