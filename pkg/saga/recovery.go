package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RecoveryConfig bounds the abandoned-saga sweeper.
type RecoveryConfig struct {
	// Interval is the sweep cadence.
	Interval time.Duration
	// StuckThreshold is how long a non-terminal saga may go without a
	// state write before it is considered abandoned.
	StuckThreshold time.Duration
	// BatchSize caps how many sagas one sweep processes per status.
	BatchSize int
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// RecoveryStats summarizes one sweep.
type RecoveryStats struct {
	Scanned       int `json:"scanned"`
	Finalized     int `json:"finalized"`
	Compensations int `json:"compensations"`
	SkippedLive   int `json:"skipped_live"`
	Conflicts     int `json:"conflicts"`
}

// RecoveryOption customizes RecoveryCoordinator initialization.
type RecoveryOption func(*RecoveryCoordinator)

// WithRecoveryLogger overrides the coordinator's logger.
func WithRecoveryLogger(l Logger) RecoveryOption {
	return func(c *RecoveryCoordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// RecoveryCoordinator finds sagas abandoned by a dead orchestrator process
// and drives them to a safe terminal state. It never resumes forward
// execution: an abandoned saga is finalized failed first, which releases
// its leases and records the outcome for waiting idempotent retries, and
// only then are compensations attempted best effort.
type RecoveryCoordinator struct {
	orch     *Orchestrator
	registry *Registry
	cfg      RecoveryConfig
	log      Logger
	metrics  MetricsRecorder

	mu      sync.Mutex
	running bool
}

// NewRecoveryCoordinator creates a recovery coordinator.
func NewRecoveryCoordinator(orch *Orchestrator, registry *Registry, cfg RecoveryConfig, opts ...RecoveryOption) (*RecoveryCoordinator, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	c := &RecoveryCoordinator{
		orch:     orch,
		registry: registry,
		cfg:      cfg.withDefaults(),
		log:      orch.log,
		metrics:  orch.metrics,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Start runs periodic sweeps until the context is cancelled.
func (c *RecoveryCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("recovery coordinator already running")
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				return
			case <-ticker.C:
				stats, err := c.RunOnce(ctx)
				if err != nil {
					c.log.Warn("recovery sweep failed", "error", err)
					continue
				}
				if stats.Finalized > 0 {
					c.log.Info("recovery sweep completed",
						"scanned", stats.Scanned,
						"finalized", stats.Finalized,
						"compensations", stats.Compensations,
						"skipped_live", stats.SkippedLive,
					)
				}
			}
		}
	}()

	return nil
}

// RunOnce performs one sweep over non-terminal sagas whose last state write
// is older than the stuck threshold.
func (c *RecoveryCoordinator) RunOnce(ctx context.Context) (RecoveryStats, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaRecoverySweep)
	defer span.End()

	store := c.orch.Store()
	cutoff := store.Now().Add(-c.cfg.StuckThreshold)

	var stats RecoveryStats
	for _, status := range []Status{StatusExecuting, StatusCompensating, StatusPending} {
		stale, _, err := store.ListSagas(ctx, ListFilter{
			Status:        status,
			UpdatedBefore: cutoff,
			Limit:         c.cfg.BatchSize,
		})
		if err != nil {
			return stats, err
		}

		for _, inst := range stale {
			stats.Scanned++
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			c.recoverOne(ctx, inst, &stats)
		}
	}
	return stats, nil
}

// recoverOne drives one abandoned saga to terminal failed and attempts its
// compensations.
func (c *RecoveryCoordinator) recoverOne(ctx context.Context, inst *Instance, stats *RecoveryStats) {
	store := c.orch.Store()

	// Liveness probe: an unexpired lease means the owning orchestrator is
	// still renewing and the saga is slow, not dead.
	leases, err := store.ListLocksByOwner(ctx, inst.ID)
	if err != nil {
		c.log.Warn("recovery liveness probe failed", "saga_id", inst.ID, "error", err)
		return
	}
	now := store.Now()
	for _, lease := range leases {
		if lease.ExpiresAt.After(now) {
			stats.SkippedLive++
			c.metrics.RecordSagaRecovery("skipped_live")
			return
		}
	}

	def, defErr := c.registry.Get(inst.Name, inst.Version)

	reason := fmt.Sprintf("abandoned: no progress since %s", inst.UpdatedAt.UTC().Format(time.RFC3339))
	if defErr != nil {
		reason = fmt.Sprintf("%s; definition unavailable: %v", reason, defErr)
	}

	// Finalize first: the terminal write releases the saga's leases and
	// records the failed outcome for any retry waiting on its idempotency
	// key. Compensation effects come after and never gate the outcome.
	final, err := store.FinalizeSaga(ctx, inst.ID, inst.StoreVersion, func(in *Instance) error {
		in.Error = reason
		if in.FailedStep == "" && in.CurrentStep < len(in.Steps) {
			in.FailedStep = in.Steps[in.CurrentStep].Name
		}
		return in.TransitionTo(StatusFailed)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// The owner woke up, or another sweeper won.
			stats.Conflicts++
			c.metrics.RecordSagaRecovery("conflict")
			return
		}
		c.log.Warn("recovery finalize failed", "saga_id", inst.ID, "error", err)
		return
	}
	stats.Finalized++
	c.metrics.RecordSagaRecovery("failed")
	c.log.Info("abandoned saga finalized",
		"saga_id", final.ID, "saga_type", final.Name, "previous_status", string(inst.Status), "reason", reason)

	if defErr != nil {
		c.log.Warn("skipping compensation, definition not found",
			"saga_id", final.ID, "saga_type", final.Name, "version", final.Version)
		return
	}
	stats.Compensations += c.compensateAbandoned(ctx, def, final)
}

// compensateAbandoned runs compensations for an already-finalized saga in
// strict reverse order, stopping at the first failure so earlier steps are
// never unwound ahead of later ones.
func (c *RecoveryCoordinator) compensateAbandoned(ctx context.Context, def *Definition, inst *Instance) int {
	cause := errors.New("abandoned saga")
	if inst.Error != "" {
		cause = errors.New(inst.Error)
	}

	compensated := 0
	for i := len(inst.Steps) - 1; i >= 0; i-- {
		if inst.Steps[i].Status != StepSucceeded {
			continue
		}
		step := def.Steps[i]

		if step.Compensation == nil {
			updated, err := c.orch.recordStepCompensated(ctx, inst, i)
			if err != nil {
				c.log.Warn("record compensation failed", "saga_id", inst.ID, "step", step.ID, "error", err)
				return compensated
			}
			inst = updated
			continue
		}

		updated, err := c.orch.runStepCompensation(ctx, def, inst, i, inst.FailedStep, cause)
		inst = updated
		if err != nil {
			c.log.Warn("recovery compensation failed, leaving saga for operator",
				"saga_id", inst.ID, "step", step.ID, "error", err)
			return compensated
		}
		compensated++
	}
	return compensated
}
