package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LockManager acquires, renews, and releases resource leases for one saga
// execution. Acquisition is all-or-nothing in sorted key order so two sagas
// contending for overlapping resource sets cannot deadlock.
type LockManager struct {
	store        StateStore
	ttl          time.Duration
	renewEvery   time.Duration
	pollInterval time.Duration
}

// NewLockManager creates a lock manager. renewEvery defaults to a third of
// the TTL; pollInterval bounds the retry cadence while waiting on a
// contended resource.
func NewLockManager(store StateStore, ttl, renewEvery, pollInterval time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if renewEvery <= 0 {
		renewEvery = ttl / 3
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &LockManager{
		store:        store,
		ttl:          ttl,
		renewEvery:   renewEvery,
		pollInterval: pollInterval,
	}
}

// TTL returns the lease duration applied to acquisitions.
func (m *LockManager) TTL() time.Duration { return m.ttl }

// RenewInterval returns the cadence of the background renewer.
func (m *LockManager) RenewInterval() time.Duration { return m.renewEvery }

// AcquireAll obtains leases on every resource for owner, in sorted key
// order with duplicates removed. A contended resource is retried until wait
// elapses; on failure every lease acquired so far is released before the
// error returns.
func (m *LockManager) AcquireAll(ctx context.Context, owner string, resources []string, wait time.Duration) ([]Lease, error) {
	keys := sortedUnique(resources)
	if len(keys) == 0 {
		return nil, nil
	}

	deadline := m.store.Now().Add(wait)
	leases := make([]Lease, 0, len(keys))
	for _, resource := range keys {
		lease, err := m.acquireOne(ctx, resource, owner, wait, deadline)
		if err != nil {
			m.ReleaseAll(ctx, leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

func (m *LockManager) acquireOne(ctx context.Context, resource, owner string, wait time.Duration, deadline time.Time) (Lease, error) {
	for {
		lease, err := m.store.AcquireLock(ctx, resource, owner, m.ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLocked) {
			return Lease{}, err
		}
		if wait <= 0 || !m.store.Now().Before(deadline) {
			return Lease{}, err
		}
		if sleepErr := sleepContext(ctx, m.pollInterval); sleepErr != nil {
			return Lease{}, fmt.Errorf("%w: %v", ErrLocked, sleepErr)
		}
	}
}

// ReleaseAll releases leases in reverse acquisition order. Release failures
// are ignored; unreleased leases expire with their TTL.
func (m *LockManager) ReleaseAll(ctx context.Context, leases []Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		_ = m.store.ReleaseLock(ctx, leases[i])
	}
}

// Renewer keeps a set of leases alive in the background and reports loss.
type Renewer struct {
	lost chan struct{}
	once sync.Once
	stop context.CancelFunc
	done chan struct{}

	mu     sync.Mutex
	leases []Lease
}

// StartRenewer begins renewing leases every RenewInterval until Stop is
// called or a renewal fails. A failed renewal closes Lost: the saga no
// longer holds its resources and must stop mutating them.
func (m *LockManager) StartRenewer(ctx context.Context, leases []Lease) *Renewer {
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Renewer{
		lost:   make(chan struct{}),
		stop:   cancel,
		done:   make(chan struct{}),
		leases: append([]Lease(nil), leases...),
	}
	if len(leases) == 0 {
		cancel()
		close(r.done)
		return r
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(m.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if !r.renewAll(renewCtx, m) {
					r.markLost()
					return
				}
			}
		}
	}()
	return r
}

func (r *Renewer) renewAll(ctx context.Context, m *LockManager) bool {
	r.mu.Lock()
	current := append([]Lease(nil), r.leases...)
	r.mu.Unlock()

	renewed := make([]Lease, 0, len(current))
	for _, lease := range current {
		next, err := m.store.RenewLock(ctx, lease, m.ttl)
		if err != nil {
			return false
		}
		renewed = append(renewed, next)
	}

	r.mu.Lock()
	r.leases = renewed
	r.mu.Unlock()
	return true
}

func (r *Renewer) markLost() {
	r.once.Do(func() { close(r.lost) })
}

// Lost is closed when a renewal failed and the leases can no longer be
// trusted.
func (r *Renewer) Lost() <-chan struct{} { return r.lost }

// Leases returns the current lease set, reflecting renewals.
func (r *Renewer) Leases() []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Lease(nil), r.leases...)
}

// Stop halts renewal and waits for the background goroutine to exit.
func (r *Renewer) Stop() {
	r.stop()
	<-r.done
}

func sortedUnique(resources []string) []string {
	if len(resources) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(resources))
	keys := make([]string, 0, len(resources))
	for _, r := range resources {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		keys = append(keys, r)
	}
	sort.Strings(keys)
	return keys
}
