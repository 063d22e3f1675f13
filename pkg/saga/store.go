package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease is a held TTL lock on one resource key. Token fences the holder:
// renewals and releases only act when the stored token still matches.
type Lease struct {
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Outcome is the recorded terminal result of a saga, returned verbatim for
// duplicate submissions under the same idempotency key.
type Outcome struct {
	SagaID      string          `json:"saga_id"`
	Status      Status          `json:"status"`
	Compensated bool            `json:"compensated"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// IdempotencyEntry maps an idempotency key to the saga that reserved it.
// Outcome stays nil until the saga finalizes.
type IdempotencyEntry struct {
	Key         string     `json:"key"`
	SagaID      string     `json:"saga_id"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// ListFilter controls saga list query behavior. Zero values mean no
// constraint.
type ListFilter struct {
	Status        Status
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// StateStore persists saga instances, resource leases, and idempotency
// entries. All lease arithmetic uses the store's own clock so expiry
// decisions stay consistent across orchestrator processes.
//
// Write semantics:
//   - CreateSaga atomically persists the instance and, when the instance
//     carries an idempotency key, its key reservation. A key reserved by a
//     live saga yields *InProgressError; a finalized key yields
//     *KeyFinalizedError carrying the stored outcome.
//   - UpdateSaga applies mutate to a copy of the stored instance and
//     persists it only when expectedVersion still matches (ErrConflict
//     otherwise). It refuses to move an instance into or out of a terminal
//     status; mutating non-status fields of a terminal instance is allowed
//     so recovery can record late compensation results.
//   - FinalizeSaga is the single door into terminal statuses: it applies
//     mutate (which must leave the instance terminal), releases every lease
//     owned by the saga, and finalizes the idempotency outcome, all in one
//     atomic write. A mutator that clears the instance's idempotency key
//     releases the key reservation instead of recording an outcome, so a
//     saga that failed before executing any step stays retryable under the
//     same key.
type StateStore interface {
	CreateSaga(ctx context.Context, inst *Instance) error
	GetSaga(ctx context.Context, sagaID string) (*Instance, error)
	UpdateSaga(ctx context.Context, sagaID string, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error)
	FinalizeSaga(ctx context.Context, sagaID string, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error)
	ListSagas(ctx context.Context, filter ListFilter) ([]*Instance, int, error)

	AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error)
	RenewLock(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	ReleaseLock(ctx context.Context, lease Lease) error
	ListLocksByOwner(ctx context.Context, owner string) ([]Lease, error)

	GetIdempotency(ctx context.Context, key string) (*IdempotencyEntry, error)

	Now() time.Time
}

// newLeaseToken mints the fencing token stored with each lease.
func newLeaseToken() string {
	return uuid.NewString()
}

// outcomeFor derives the stored outcome from a finalized instance.
func outcomeFor(in *Instance) Outcome {
	return Outcome{
		SagaID:      in.ID,
		Status:      in.Status,
		Compensated: in.Status == StatusCompensated,
		Value:       cloneRaw(in.Result),
		Error:       in.Error,
	}
}

// MemoryStateStore is an in-memory StateStore implementation for tests and
// single-process deployments.
type MemoryStateStore struct {
	mu    sync.RWMutex
	sagas map[string]*Instance
	locks map[string]Lease
	idem  map[string]*IdempotencyEntry
	nowFn func() time.Time
}

// MemoryStoreOption configures a MemoryStateStore.
type MemoryStoreOption func(*MemoryStateStore)

// WithMemoryClock overrides the store clock.
func WithMemoryClock(fn func() time.Time) MemoryStoreOption {
	return func(s *MemoryStateStore) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewMemoryStateStore creates an in-memory state store.
func NewMemoryStateStore(opts ...MemoryStoreOption) *MemoryStateStore {
	s := &MemoryStateStore{
		sagas: make(map[string]*Instance),
		locks: make(map[string]Lease),
		idem:  make(map[string]*IdempotencyEntry),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store clock reading.
func (s *MemoryStateStore) Now() time.Time {
	return s.nowFn()
}

// CreateSaga persists a new instance and reserves its idempotency key.
func (s *MemoryStateStore) CreateSaga(_ context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("saga instance requires an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[inst.ID]; exists {
		return fmt.Errorf("%w: saga %s already exists", ErrConflict, inst.ID)
	}

	if key := inst.IdempotencyKey; key != "" {
		if entry, ok := s.idem[key]; ok {
			if entry.Outcome != nil {
				return &KeyFinalizedError{Key: key, Outcome: *entry.Outcome}
			}
			return &InProgressError{Key: key, SagaID: entry.SagaID}
		}
		s.idem[key] = &IdempotencyEntry{
			Key:       key,
			SagaID:    inst.ID,
			CreatedAt: s.nowFn(),
		}
	}

	stored := inst.Clone()
	now := s.nowFn()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.StoreVersion = 1
	s.sagas[inst.ID] = stored

	inst.CreatedAt = stored.CreatedAt
	inst.UpdatedAt = stored.UpdatedAt
	inst.StoreVersion = stored.StoreVersion
	return nil
}

// GetSaga returns one saga instance by ID.
func (s *MemoryStateStore) GetSaga(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	inst, ok := s.sagas[sagaID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: saga %s", ErrNotFound, sagaID)
	}
	return inst.Clone(), nil
}

// UpdateSaga applies mutate under optimistic concurrency.
func (s *MemoryStateStore) UpdateSaga(_ context.Context, sagaID string, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: saga %s", ErrNotFound, sagaID)
	}
	work, err := s.mutateChecked(cur, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	if !cur.Status.IsTerminal() && work.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: saga %s: terminal status requires FinalizeSaga", ErrConflict, sagaID)
	}
	s.sagas[sagaID] = work
	return work.Clone(), nil
}

// FinalizeSaga writes the terminal status, releases the saga's leases, and
// finalizes its idempotency outcome in one atomic section.
func (s *MemoryStateStore) FinalizeSaga(_ context.Context, sagaID string, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: saga %s", ErrNotFound, sagaID)
	}
	if cur.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: saga %s already finalized as %s", ErrConflict, sagaID, cur.Status)
	}
	work, err := s.mutateChecked(cur, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	if !work.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: saga %s: finalize requires a terminal status, got %s", ErrConflict, sagaID, work.Status)
	}
	if work.FinishedAt == nil {
		done := s.nowFn()
		work.FinishedAt = &done
	}

	for resource, lease := range s.locks {
		if lease.Owner == sagaID {
			delete(s.locks, resource)
		}
	}

	switch {
	case cur.IdempotencyKey != "" && work.IdempotencyKey == "":
		// The mutator dropped the key: release the reservation so the
		// caller can retry the operation under the same key.
		if entry, ok := s.idem[cur.IdempotencyKey]; ok && entry.SagaID == work.ID && entry.Outcome == nil {
			delete(s.idem, cur.IdempotencyKey)
		}
	case work.IdempotencyKey != "":
		key := work.IdempotencyKey
		outcome := outcomeFor(work)
		entry, ok := s.idem[key]
		if !ok || entry.SagaID == work.ID {
			finalized := s.nowFn()
			s.idem[key] = &IdempotencyEntry{
				Key:         key,
				SagaID:      work.ID,
				Outcome:     &outcome,
				CreatedAt:   s.creationTime(entry),
				FinalizedAt: &finalized,
			}
		}
	}

	s.sagas[sagaID] = work
	return work.Clone(), nil
}

func (s *MemoryStateStore) creationTime(entry *IdempotencyEntry) time.Time {
	if entry != nil {
		return entry.CreatedAt
	}
	return s.nowFn()
}

// mutateChecked clones cur, verifies the version token, applies mutate, and
// bumps the store version. Callers hold the write lock.
func (s *MemoryStateStore) mutateChecked(cur *Instance, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error) {
	if cur.StoreVersion != expectedVersion {
		return nil, fmt.Errorf("%w: saga %s at version %d, expected %d", ErrConflict, cur.ID, cur.StoreVersion, expectedVersion)
	}
	work := cur.Clone()
	if mutate != nil {
		if err := mutate(work); err != nil {
			return nil, err
		}
	}
	if cur.Status.IsTerminal() && work.Status != cur.Status {
		return nil, fmt.Errorf("%w: saga %s is terminal (%s)", ErrConflict, cur.ID, cur.Status)
	}
	work.ID = cur.ID
	work.StoreVersion = cur.StoreVersion + 1
	work.UpdatedAt = s.nowFn()
	return work, nil
}

// ListSagas lists saga instances with optional status, staleness, and
// pagination constraints. Results are ordered oldest-updated first.
func (s *MemoryStateStore) ListSagas(_ context.Context, filter ListFilter) ([]*Instance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Instance, 0, len(s.sagas))
	for _, inst := range s.sagas {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		all = append(all, inst.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.Before(all[j].UpdatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return all[offset:end], total, nil
}

// AcquireLock obtains a TTL lease on resource. Acquisition by the current
// owner extends the lease; an expired lease is reclaimable by any owner.
func (s *MemoryStateStore) AcquireLock(_ context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	if resource == "" {
		return Lease{}, fmt.Errorf("lock resource cannot be empty")
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lock TTL must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if cur, ok := s.locks[resource]; ok && cur.ExpiresAt.After(now) {
		if cur.Owner != owner {
			return Lease{}, fmt.Errorf("%w: %s held by saga %s", ErrLocked, resource, cur.Owner)
		}
		cur.ExpiresAt = now.Add(ttl)
		s.locks[resource] = cur
		return cur, nil
	}

	lease := Lease{
		Resource:   resource,
		Owner:      owner,
		Token:      newLeaseToken(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.locks[resource] = lease
	return lease, nil
}

// RenewLock extends a held lease. Renewal fails with ErrLeaseLost once the
// lease expired or the resource was reclaimed by another owner.
func (s *MemoryStateStore) RenewLock(_ context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lock TTL must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[lease.Resource]
	if !ok || cur.Token != lease.Token {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseLost, lease.Resource)
	}
	now := s.nowFn()
	if !cur.ExpiresAt.After(now) {
		delete(s.locks, lease.Resource)
		return Lease{}, fmt.Errorf("%w: %s expired", ErrLeaseLost, lease.Resource)
	}
	cur.ExpiresAt = now.Add(ttl)
	s.locks[lease.Resource] = cur
	return cur, nil
}

// ReleaseLock removes a held lease. Releasing an already-lost lease is a
// no-op.
func (s *MemoryStateStore) ReleaseLock(_ context.Context, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[lease.Resource]
	if ok && cur.Token == lease.Token {
		delete(s.locks, lease.Resource)
	}
	return nil
}

// ListLocksByOwner returns every lease currently held by owner.
func (s *MemoryStateStore) ListLocksByOwner(_ context.Context, owner string) ([]Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	leases := make([]Lease, 0)
	for _, lease := range s.locks {
		if lease.Owner == owner {
			leases = append(leases, lease)
		}
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Resource < leases[j].Resource })
	return leases, nil
}

// GetIdempotency returns the entry recorded for key.
func (s *MemoryStateStore) GetIdempotency(_ context.Context, key string) (*IdempotencyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.idem[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %q", ErrNotFound, key)
	}
	cp := *entry
	if entry.Outcome != nil {
		o := *entry.Outcome
		o.Value = cloneRaw(o.Value)
		cp.Outcome = &o
	}
	cp.FinalizedAt = cloneTime(entry.FinalizedAt)
	return &cp, nil
}
