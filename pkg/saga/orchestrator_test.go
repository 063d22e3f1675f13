package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		DefaultStepTimeout: 2 * time.Second,
		DefaultSagaTimeout: 5 * time.Second,
		LockTTL:            time.Minute,
		LockPollInterval:   5 * time.Millisecond,
	}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestOrchestratorExecuteLinearWithOutputPassing(t *testing.T) {
	def, err := New("linear", 1).
		Step("a", Action(func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
			return EncodeOutput(map[string]string{"token": "t-123"})
		})).
		Step("b", Action(func(ctx context.Context, stepCtx *StepContext) (json.RawMessage, error) {
			var prev map[string]string
			if err := stepCtx.DecodeOutput("a", &prev); err != nil {
				return nil, err
			}
			if prev["token"] != "t-123" {
				t.Errorf("expected output from step a, got %#v", prev)
			}
			return EncodeOutput(map[string]string{"done": "yes"})
		})).
		WithResources(func(json.RawMessage) ([]string, error) {
			return []string{"res:linear"}, nil
		}).
		WithResult(func(inst *Instance) (json.RawMessage, error) {
			out, _ := inst.Outputs()["b"]
			return out, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStateStore()
	orchestrator := NewOrchestrator(store, fastConfig())

	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", res.Status)
	}
	if res.Compensated {
		t.Fatal("completed saga must not report compensated")
	}

	var value map[string]string
	if err := json.Unmarshal(res.Value, &value); err != nil {
		t.Fatalf("unmarshal result value: %v", err)
	}
	if value["done"] != "yes" {
		t.Fatalf("unexpected result value: %#v", value)
	}

	inst, err := orchestrator.GetInstance(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.CurrentStep != 2 {
		t.Fatalf("expected cursor past last step, got %d", inst.CurrentStep)
	}
	for _, step := range inst.Steps {
		if step.Status != StepSucceeded {
			t.Fatalf("expected step %s succeeded, got %s", step.Name, step.Status)
		}
	}

	leases, err := store.ListLocksByOwner(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("ListLocksByOwner() error = %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("expected all leases released at terminal status, still held: %v", leases)
	}
}

func TestOrchestratorSkipStep(t *testing.T) {
	def, err := New("skippy", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return EncodeOutput("started")
		})).
		Step("b",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return nil, ErrSkipStep
			}),
			Compensate(func(context.Context, *CompensationContext) error {
				t.Error("compensation must not run for a skipped step")
				return nil
			}),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", res.Status)
	}

	inst, err := orchestrator.GetInstance(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.Steps[1].Status != StepSkipped {
		t.Fatalf("expected step b skipped, got %s", inst.Steps[1].Status)
	}
}

func TestOrchestratorDerivedStepFailureDoesNotAbort(t *testing.T) {
	var lastRan bool
	def, err := New("derived", 1).
		Step("write", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return EncodeOutput("written")
		})).
		Step("notify",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return nil, errors.New("broker down")
			}),
			AsDerived(),
			WithRetry(fastRetry(1)),
		).
		Step("last", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			lastRan = true
			return EncodeOutput("ok")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr != nil {
		t.Fatalf("Execute() error = %v, derived failures must not fail the saga", execErr)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", res.Status)
	}
	if !lastRan {
		t.Fatal("expected execution to continue past the derived failure")
	}
	if len(res.DerivedFailures) != 1 || res.DerivedFailures[0].Step != "notify" {
		t.Fatalf("expected derived failure for notify, got %#v", res.DerivedFailures)
	}

	inst, err := orchestrator.GetInstance(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.Steps[1].Status != StepFailed {
		t.Fatalf("expected notify recorded failed, got %s", inst.Steps[1].Status)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected instance completed, got %s", inst.Status)
	}
}

func TestOrchestratorAuthoritativeFailureCompensatesInReverse(t *testing.T) {
	var mu sync.Mutex
	compensated := make([]string, 0)
	record := func(step string) {
		mu.Lock()
		compensated = append(compensated, step)
		mu.Unlock()
	}

	def, err := New("rollback", 1).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput(map[string]int{"prior": 1})
			}),
			Compensate(func(ctx context.Context, compCtx *CompensationContext) error {
				var out map[string]int
				if err := compCtx.DecodeOutput(&out); err != nil {
					return err
				}
				if out["prior"] != 1 {
					t.Errorf("compensation for a got wrong output: %#v", out)
				}
				record("a")
				return nil
			}),
		).
		Step("b",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput("b-done")
			}),
			Compensate(func(context.Context, *CompensationContext) error {
				record("b")
				return nil
			}),
		).
		Step("c",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return nil, errors.New("conflict writing c")
			}),
			WithRetry(fastRetry(1)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr == nil {
		t.Fatal("expected step failure error")
	}
	var stepErr *StepError
	if !errors.As(execErr, &stepErr) || stepErr.Step != "c" {
		t.Fatalf("expected StepError for c, got %v", execErr)
	}
	if res == nil || res.Status != StatusCompensated || !res.Compensated {
		t.Fatalf("expected compensated envelope, got %#v", res)
	}

	mu.Lock()
	order := append([]string(nil), compensated...)
	mu.Unlock()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("expected reverse compensation order [b a], got %v", order)
	}

	inst, err := orchestrator.GetInstance(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.Status != StatusCompensated {
		t.Fatalf("expected compensated instance, got %s", inst.Status)
	}
	if inst.FailedStep != "c" {
		t.Fatalf("expected failed step c, got %q", inst.FailedStep)
	}
	if inst.Steps[0].Status != StepCompensated || inst.Steps[1].Status != StepCompensated {
		t.Fatalf("expected a and b compensated, got %s %s", inst.Steps[0].Status, inst.Steps[1].Status)
	}
}

func TestOrchestratorCompensationSkipsStepsWithoutUndo(t *testing.T) {
	var gotFailedStep string
	var gotFailure error

	def, err := New("no-undo", 1).
		Step("append-log", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return EncodeOutput("logged")
		})).
		Step("write",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput("written")
			}),
			Compensate(func(_ context.Context, compCtx *CompensationContext) error {
				gotFailedStep = compCtx.FailedStep
				gotFailure = compCtx.Failure
				return nil
			}),
		).
		Step("publish",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return nil, errors.New("rejected")
			}),
			WithRetry(fastRetry(1)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr == nil {
		t.Fatal("expected step failure")
	}
	if res == nil || res.Status != StatusCompensated {
		t.Fatalf("expected compensated envelope, got %#v", res)
	}
	if gotFailedStep != "publish" {
		t.Fatalf("compensation saw failed step %q, want publish", gotFailedStep)
	}
	if gotFailure == nil {
		t.Fatal("compensation must receive the original failure")
	}

	inst, err := orchestrator.GetInstance(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	// A step without an undo function is still marked compensated so the
	// rollback cursor is unambiguous.
	if inst.Steps[0].Status != StepCompensated {
		t.Fatalf("expected append-log marked compensated, got %s", inst.Steps[0].Status)
	}
}

func TestOrchestratorRetriesTransientFailures(t *testing.T) {
	attempts := 0
	def, err := New("flaky", 1).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				attempts++
				if attempts < 3 {
					return nil, Transient(errors.New("connection reset"))
				}
				return EncodeOutput("ok")
			}),
			WithRetry(fastRetry(5)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	inst, err := orchestrator.GetInstance(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.Steps[0].Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", inst.Steps[0].Attempts)
	}
}

func TestOrchestratorPermanentFailureSkipsRetry(t *testing.T) {
	attempts := 0
	def, err := New("permanent", 1).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				attempts++
				return nil, errors.New("validation rejected")
			}),
			WithRetry(fastRetry(5)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	if _, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)}); execErr == nil {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("permanent failures must not retry, got %d attempts", attempts)
	}
}

func TestOrchestratorCompensationFailureMarksSagaFailed(t *testing.T) {
	def, err := New("stuck", 1).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput("a-done")
			}),
			Compensate(func(context.Context, *CompensationContext) error {
				return errors.New("undo rejected")
			}),
			WithRetry(fastRetry(2)),
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
	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if res != nil {
		t.Fatalf("expected no envelope on compensation failure, got %#v", res)
	}
	var compErr *CompensationError
	if !errors.As(execErr, &compErr) || compErr.Step != "a" {
		t.Fatalf("expected CompensationError for a, got %v", execErr)
	}

	list, _, err := orchestrator.ListInstances(context.Background(), ListFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one failed saga, got %d", len(list))
	}
	if list[0].Steps[0].Status != StepSucceeded {
		t.Fatalf("uncompensated step must stay succeeded for operator review, got %s", list[0].Steps[0].Status)
	}
}

func TestOrchestratorSagaTimeoutTriggersCompensation(t *testing.T) {
	compensated := false
	def, err := New("slow", 1).
		WithTimeout(50*time.Millisecond).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput("a-done")
			}),
			Compensate(func(context.Context, *CompensationContext) error {
				compensated = true
				return nil
			}),
		).
		Step("b",
			Action(func(ctx context.Context, _ *StepContext) (json.RawMessage, error) {
				select {
				case <-time.After(2 * time.Second):
					return EncodeOutput("too late")
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
			WithRetry(fastRetry(1)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	res, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr == nil {
		t.Fatal("expected saga timeout error")
	}
	if !errors.Is(execErr, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", execErr)
	}
	if res == nil || res.Status != StatusCompensated {
		t.Fatalf("expected compensated envelope after timeout, got %#v", res)
	}
	if !compensated {
		t.Fatal("expected compensation to run after timeout")
	}
}

func TestOrchestratorCancellationCompensates(t *testing.T) {
	compensated := false
	started := make(chan struct{})

	def, err := New("cancel", 1).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput("a-done")
			}),
			Compensate(func(context.Context, *CompensationContext) error {
				compensated = true
				return nil
			}),
		).
		Step("b",
			Action(func(ctx context.Context, _ *StepContext) (json.RawMessage, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			WithRetry(fastRetry(1)),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	res, execErr := orchestrator.Execute(ctx, def, Request{Context: json.RawMessage(`{}`)})
	if execErr == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(execErr, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", execErr)
	}
	if res == nil || res.Status != StatusCompensated {
		t.Fatalf("expected compensated envelope after cancellation, got %#v", res)
	}
	if !compensated {
		t.Fatal("expected compensation despite cancelled caller context")
	}
}

func TestOrchestratorConcurrentLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	def, err := New("limit", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			started <- struct{}{}
			<-release
			return EncodeOutput("ok")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig(), WithMaxConcurrentSagas(1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	}()

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, execErr := orchestrator.Execute(ctx, def, Request{Context: json.RawMessage(`{}`)}); execErr == nil {
		t.Fatal("expected second execution to fail while the slot is held")
	}

	close(release)
	wg.Wait()
}

func TestOrchestratorRejectsInvalidContext(t *testing.T) {
	def, err := New("strict", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return EncodeOutput("ok")
		})).
		WithValidator(func(payload json.RawMessage) error {
			if len(payload) == 0 {
				return errors.New("payload required")
			}
			return nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStateStore()
	orchestrator := NewOrchestrator(store, fastConfig())
	if _, execErr := orchestrator.Execute(context.Background(), def, Request{}); execErr == nil {
		t.Fatal("expected validation error")
	}

	list, _, err := store.ListSagas(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("ListSagas() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatal("rejected submissions must not persist saga state")
	}
}

func TestOrchestratorResumeFromCursorDoesNotRerunSteps(t *testing.T) {
	counts := map[string]int{}
	def, err := New("resume", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			counts["a"]++
			return EncodeOutput("a-done")
		})).
		Step("b", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			counts["b"]++
			return EncodeOutput("b-done")
		})).
		WithResources(func(json.RawMessage) ([]string, error) {
			return []string{"res:resume"}, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStateStore()
	orchestrator := NewOrchestrator(store, fastConfig())

	// A prior process persisted step a and died before running b.
	inst := NewInstance("crash-1", def, json.RawMessage(`{}`))
	inst.Resources = []string{"res:resume"}
	if err := store.CreateSaga(context.Background(), inst); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}
	if _, err := store.UpdateSaga(context.Background(), "crash-1", 1, func(in *Instance) error {
		if err := in.TransitionTo(StatusExecuting); err != nil {
			return err
		}
		in.Steps[0].Status = StepSucceeded
		in.Steps[0].Attempts = 1
		in.Steps[0].Output = json.RawMessage(`"a-done"`)
		in.CurrentStep = 1
		return nil
	}); err != nil {
		t.Fatalf("UpdateSaga() error = %v", err)
	}

	res, execErr := orchestrator.Resume(context.Background(), def, "crash-1")
	if execErr != nil {
		t.Fatalf("Resume() error = %v", execErr)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", res.Status)
	}
	if counts["a"] != 0 {
		t.Fatalf("step a must not re-run after its outcome was persisted, ran %d times", counts["a"])
	}
	if counts["b"] != 1 {
		t.Fatalf("expected step b to run once, ran %d times", counts["b"])
	}
}

func TestOrchestratorResumeCompensatingFinishesRollback(t *testing.T) {
	compensated := false
	def, err := New("resume-comp", 1).
		Step("a",
			Action(func(context.Context, *StepContext) (json.RawMessage, error) {
				return EncodeOutput("a-done")
			}),
			Compensate(func(context.Context, *CompensationContext) error {
				compensated = true
				return nil
			}),
		).
		Step("b", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return nil, errors.New("boom")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStateStore()
	orchestrator := NewOrchestrator(store, fastConfig())

	inst := NewInstance("comp-1", def, json.RawMessage(`{}`))
	if err := store.CreateSaga(context.Background(), inst); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}
	if _, err := store.UpdateSaga(context.Background(), "comp-1", 1, func(in *Instance) error {
		if err := in.TransitionTo(StatusExecuting); err != nil {
			return err
		}
		in.Steps[0].Status = StepSucceeded
		in.Steps[0].Output = json.RawMessage(`"a-done"`)
		in.Steps[1].Status = StepFailed
		in.Steps[1].Error = "boom"
		in.SetFailure("b", errors.New("boom"))
		in.CurrentStep = 1
		return in.TransitionTo(StatusCompensating)
	}); err != nil {
		t.Fatalf("UpdateSaga() error = %v", err)
	}

	res, execErr := orchestrator.Resume(context.Background(), def, "comp-1")
	var stepErr *StepError
	if !errors.As(execErr, &stepErr) {
		t.Fatalf("expected StepError from resumed rollback, got %v", execErr)
	}
	if res == nil || res.Status != StatusCompensated {
		t.Fatalf("expected compensated envelope, got %#v", res)
	}
	if !compensated {
		t.Fatal("expected pending compensation to run on resume")
	}
}

func TestOrchestratorResumeTerminalReturnsOutcome(t *testing.T) {
	def, err := New("done", 1).
		Step("a", Action(func(context.Context, *StepContext) (json.RawMessage, error) {
			return EncodeOutput("ok")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStateStore(), fastConfig())
	first, execErr := orchestrator.Execute(context.Background(), def, Request{Context: json.RawMessage(`{}`)})
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}

	res, resumeErr := orchestrator.Resume(context.Background(), def, first.SagaID)
	if resumeErr != nil {
		t.Fatalf("Resume() error = %v", resumeErr)
	}
	if !res.Replayed || res.Status != StatusCompleted {
		t.Fatalf("expected replayed completed outcome, got %#v", res)
	}
}
