package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	sagaKeyPrefix         = "saga:"
	sagaIndexStatusPrefix = "saga:index:status:"
	lockKeyPrefix         = "lock:"
	lockIndexOwnerPrefix  = "lock:index:owner:"
	idemKeyPrefix         = "idem:"
)

// BadgerStateStore persists saga state in Badger. Saga writes, lease
// releases, and idempotency outcomes that must land together run in one
// badger transaction.
type BadgerStateStore struct {
	db    *badger.DB
	nowFn func() time.Time
}

// BadgerStoreOption configures a BadgerStateStore.
type BadgerStoreOption func(*BadgerStateStore)

// WithBadgerClock overrides the store clock.
func WithBadgerClock(fn func() time.Time) BadgerStoreOption {
	return func(s *BadgerStateStore) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewBadgerStateStore creates a Badger-backed state store.
func NewBadgerStateStore(db *badger.DB, opts ...BadgerStoreOption) (*BadgerStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	s := &BadgerStateStore{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now returns the store clock reading.
func (s *BadgerStateStore) Now() time.Time {
	return s.nowFn()
}

// CreateSaga persists a new instance at "saga:{id}" plus its status index
// entry, and reserves the idempotency key in the same transaction.
func (s *BadgerStateStore) CreateSaga(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("saga instance requires an ID")
	}

	var stored *Instance
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := txn.Get([]byte(sagaDataKey(inst.ID))); err == nil {
			return fmt.Errorf("%w: saga %s already exists", ErrConflict, inst.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := s.nowFn()
		if key := inst.IdempotencyKey; key != "" {
			entry, err := s.getIdempotencyInTxn(txn, key)
			if err == nil {
				if entry.Outcome != nil {
					return &KeyFinalizedError{Key: key, Outcome: *entry.Outcome}
				}
				return &InProgressError{Key: key, SagaID: entry.SagaID}
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			reservation, err := json.Marshal(&IdempotencyEntry{
				Key:       key,
				SagaID:    inst.ID,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(idemDataKey(key)), reservation); err != nil {
				return err
			}
		}

		stored = inst.Clone()
		stored.CreatedAt = now
		stored.UpdatedAt = now
		stored.StoreVersion = 1
		return s.putInstanceInTxn(txn, stored, "")
	})
	if err != nil {
		return mapBadgerErr(err)
	}

	inst.CreatedAt = stored.CreatedAt
	inst.UpdatedAt = stored.UpdatedAt
	inst.StoreVersion = stored.StoreVersion
	return nil
}

// GetSaga loads one saga instance by ID.
func (s *BadgerStateStore) GetSaga(ctx context.Context, sagaID string) (*Instance, error) {
	var inst *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		loaded, err := s.getInstanceInTxn(txn, sagaID)
		if err != nil {
			return err
		}
		inst = loaded
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return inst, nil
}

// UpdateSaga applies mutate under optimistic concurrency and maintains the
// status index in the same transaction.
func (s *BadgerStateStore) UpdateSaga(ctx context.Context, sagaID string, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error) {
	var updated *Instance
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur, err := s.getInstanceInTxn(txn, sagaID)
		if err != nil {
			return err
		}
		work, err := s.mutateCheckedInTxn(cur, expectedVersion, mutate)
		if err != nil {
			return err
		}
		if !cur.Status.IsTerminal() && work.Status.IsTerminal() {
			return fmt.Errorf("%w: saga %s: terminal status requires FinalizeSaga", ErrConflict, sagaID)
		}
		if err := s.putInstanceInTxn(txn, work, string(cur.Status)); err != nil {
			return err
		}
		updated = work
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return updated, nil
}

// FinalizeSaga writes the terminal status, deletes every lease owned by the
// saga, and finalizes the idempotency outcome in one transaction.
func (s *BadgerStateStore) FinalizeSaga(ctx context.Context, sagaID string, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error) {
	var finalized *Instance
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur, err := s.getInstanceInTxn(txn, sagaID)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return fmt.Errorf("%w: saga %s already finalized as %s", ErrConflict, sagaID, cur.Status)
		}
		work, err := s.mutateCheckedInTxn(cur, expectedVersion, mutate)
		if err != nil {
			return err
		}
		if !work.Status.IsTerminal() {
			return fmt.Errorf("%w: saga %s: finalize requires a terminal status, got %s", ErrConflict, sagaID, work.Status)
		}
		if work.FinishedAt == nil {
			done := s.nowFn()
			work.FinishedAt = &done
		}

		if err := s.releaseOwnerLocksInTxn(txn, sagaID); err != nil {
			return err
		}

		switch {
		case cur.IdempotencyKey != "" && work.IdempotencyKey == "":
			// The mutator dropped the key: release the reservation so
			// the caller can retry the operation under the same key.
			if err := s.releaseIdempotencyInTxn(txn, cur.IdempotencyKey, work.ID); err != nil {
				return err
			}
		case work.IdempotencyKey != "":
			if err := s.finalizeIdempotencyInTxn(txn, work.IdempotencyKey, work); err != nil {
				return err
			}
		}

		if err := s.putInstanceInTxn(txn, work, string(cur.Status)); err != nil {
			return err
		}
		finalized = work
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return finalized, nil
}

// ListSagas queries instances by status index, with staleness filtering and
// pagination. Results are ordered oldest-updated first.
func (s *BadgerStateStore) ListSagas(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	instances := make([]*Instance, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := []byte(sagaStatusIndexPrefix(string(filter.Status)))
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				key := string(it.Item().Key())
				sagaID := strings.TrimPrefix(key, sagaStatusIndexPrefix(string(filter.Status)))
				inst, err := s.getInstanceInTxn(txn, sagaID)
				if err != nil {
					continue
				}
				instances = append(instances, inst)
			}
			return nil
		}

		prefix := []byte(sagaKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			key := string(it.Item().Key())
			if strings.HasPrefix(key, sagaIndexStatusPrefix) {
				continue
			}
			var inst Instance
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &inst) }); err != nil {
				continue
			}
			instances = append(instances, &inst)
		}
		return nil
	})
	if err != nil {
		return nil, 0, mapBadgerErr(err)
	}

	if !filter.UpdatedBefore.IsZero() {
		filtered := instances[:0]
		for _, inst := range instances {
			if inst.UpdatedAt.Before(filter.UpdatedBefore) {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	}
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].UpdatedAt.Equal(instances[j].UpdatedAt) {
			return instances[i].UpdatedAt.Before(instances[j].UpdatedAt)
		}
		return instances[i].ID < instances[j].ID
	})

	total := len(instances)
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
	return instances[offset:end], total, nil
}

// AcquireLock obtains a TTL lease on resource at "lock:{resource}" plus an
// owner index entry. Acquisition by the current owner extends the lease; an
// expired lease is reclaimable.
func (s *BadgerStateStore) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	if resource == "" {
		return Lease{}, fmt.Errorf("lock resource cannot be empty")
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lock TTL must be positive")
	}

	var lease Lease
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := s.nowFn()
		cur, err := s.getLeaseInTxn(txn, resource)
		switch {
		case err == nil && cur.ExpiresAt.After(now):
			if cur.Owner != owner {
				return fmt.Errorf("%w: %s held by saga %s", ErrLocked, resource, cur.Owner)
			}
			cur.ExpiresAt = now.Add(ttl)
			lease = cur
			return s.putLeaseInTxn(txn, lease)
		case err == nil:
			// Expired: clear the previous owner's index entry before
			// reclaiming.
			if delErr := txn.Delete([]byte(lockOwnerIndexKey(cur.Owner, resource))); delErr != nil {
				return delErr
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		lease = Lease{
			Resource:   resource,
			Owner:      owner,
			Token:      newLeaseToken(),
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		return s.putLeaseInTxn(txn, lease)
	})
	if err != nil {
		return Lease{}, mapBadgerErr(err)
	}
	return lease, nil
}

// RenewLock extends a held lease, failing with ErrLeaseLost once it expired
// or was reclaimed.
func (s *BadgerStateStore) RenewLock(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lock TTL must be positive")
	}

	var renewed Lease
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur, err := s.getLeaseInTxn(txn, lease.Resource)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrLeaseLost, lease.Resource)
			}
			return err
		}
		if cur.Token != lease.Token {
			return fmt.Errorf("%w: %s", ErrLeaseLost, lease.Resource)
		}
		now := s.nowFn()
		if !cur.ExpiresAt.After(now) {
			if delErr := s.deleteLeaseInTxn(txn, cur); delErr != nil {
				return delErr
			}
			return fmt.Errorf("%w: %s expired", ErrLeaseLost, lease.Resource)
		}
		cur.ExpiresAt = now.Add(ttl)
		renewed = cur
		return s.putLeaseInTxn(txn, renewed)
	})
	if err != nil {
		return Lease{}, mapBadgerErr(err)
	}
	return renewed, nil
}

// ReleaseLock removes a held lease. Releasing an already-lost lease is a
// no-op.
func (s *BadgerStateStore) ReleaseLock(ctx context.Context, lease Lease) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur, err := s.getLeaseInTxn(txn, lease.Resource)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if cur.Token != lease.Token {
			return nil
		}
		return s.deleteLeaseInTxn(txn, cur)
	})
	return mapBadgerErr(err)
}

// ListLocksByOwner returns every lease currently recorded for owner.
func (s *BadgerStateStore) ListLocksByOwner(ctx context.Context, owner string) ([]Lease, error) {
	leases := make([]Lease, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(lockOwnerIndexPrefix(owner))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			key := string(it.Item().Key())
			resource := strings.TrimPrefix(key, lockOwnerIndexPrefix(owner))
			lease, err := s.getLeaseInTxn(txn, resource)
			if err != nil || lease.Owner != owner {
				continue
			}
			leases = append(leases, lease)
		}
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Resource < leases[j].Resource })
	return leases, nil
}

// GetIdempotency returns the entry recorded for key.
func (s *BadgerStateStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyEntry, error) {
	var entry *IdempotencyEntry
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		loaded, err := s.getIdempotencyInTxn(txn, key)
		if err != nil {
			return err
		}
		entry = loaded
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return entry, nil
}

func (s *BadgerStateStore) mutateCheckedInTxn(cur *Instance, expectedVersion uint64, mutate func(*Instance) error) (*Instance, error) {
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

// putInstanceInTxn writes the instance and moves its status index entry
// when the status changed. oldStatus is empty for first writes.
func (s *BadgerStateStore) putInstanceInTxn(txn *badger.Txn, inst *Instance, oldStatus string) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(sagaDataKey(inst.ID)), data); err != nil {
		return err
	}
	if err := txn.Set([]byte(sagaStatusIndexKey(string(inst.Status), inst.ID)), []byte{}); err != nil {
		return err
	}
	if oldStatus != "" && oldStatus != string(inst.Status) {
		if err := txn.Delete([]byte(sagaStatusIndexKey(oldStatus, inst.ID))); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStateStore) getInstanceInTxn(txn *badger.Txn, sagaID string) (*Instance, error) {
	item, err := txn.Get([]byte(sagaDataKey(sagaID)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: saga %s", ErrNotFound, sagaID)
		}
		return nil, err
	}
	var inst Instance
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &inst) }); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BadgerStateStore) releaseOwnerLocksInTxn(txn *badger.Txn, owner string) error {
	prefix := []byte(lockOwnerIndexPrefix(owner))
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	resources := make([]string, 0)
	for it.Rewind(); it.Valid(); it.Next() {
		key := string(it.Item().Key())
		resources = append(resources, strings.TrimPrefix(key, lockOwnerIndexPrefix(owner)))
	}
	it.Close()

	for _, resource := range resources {
		lease, err := s.getLeaseInTxn(txn, resource)
		if err == nil && lease.Owner == owner {
			if err := txn.Delete([]byte(lockDataKey(resource))); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := txn.Delete([]byte(lockOwnerIndexKey(owner, resource))); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStateStore) finalizeIdempotencyInTxn(txn *badger.Txn, key string, inst *Instance) error {
	entry, err := s.getIdempotencyInTxn(txn, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if entry != nil && entry.SagaID != inst.ID {
		return nil
	}

	outcome := outcomeFor(inst)
	finalized := s.nowFn()
	createdAt := finalized
	if entry != nil {
		createdAt = entry.CreatedAt
	}
	data, err := json.Marshal(&IdempotencyEntry{
		Key:         key,
		SagaID:      inst.ID,
		Outcome:     &outcome,
		CreatedAt:   createdAt,
		FinalizedAt: &finalized,
	})
	if err != nil {
		return err
	}
	return txn.Set([]byte(idemDataKey(key)), data)
}

func (s *BadgerStateStore) releaseIdempotencyInTxn(txn *badger.Txn, key, sagaID string) error {
	entry, err := s.getIdempotencyInTxn(txn, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.SagaID != sagaID || entry.Outcome != nil {
		return nil
	}
	return txn.Delete([]byte(idemDataKey(key)))
}

func (s *BadgerStateStore) getIdempotencyInTxn(txn *badger.Txn, key string) (*IdempotencyEntry, error) {
	item, err := txn.Get([]byte(idemDataKey(key)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: idempotency key %q", ErrNotFound, key)
		}
		return nil, err
	}
	var entry IdempotencyEntry
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BadgerStateStore) getLeaseInTxn(txn *badger.Txn, resource string) (Lease, error) {
	item, err := txn.Get([]byte(lockDataKey(resource)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Lease{}, fmt.Errorf("%w: lock %s", ErrNotFound, resource)
		}
		return Lease{}, err
	}
	var lease Lease
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &lease) }); err != nil {
		return Lease{}, err
	}
	return lease, nil
}

func (s *BadgerStateStore) putLeaseInTxn(txn *badger.Txn, lease Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(lockDataKey(lease.Resource)), data); err != nil {
		return err
	}
	return txn.Set([]byte(lockOwnerIndexKey(lease.Owner, lease.Resource)), []byte{})
}

func (s *BadgerStateStore) deleteLeaseInTxn(txn *badger.Txn, lease Lease) error {
	if err := txn.Delete([]byte(lockDataKey(lease.Resource))); err != nil {
		return err
	}
	return txn.Delete([]byte(lockOwnerIndexKey(lease.Owner, lease.Resource)))
}

// mapBadgerErr converts badger transaction failures into the store error
// taxonomy. Saga-level sentinels pass through untouched.
func mapBadgerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent state store write", ErrConflict)
	}
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func sagaDataKey(sagaID string) string {
	return sagaKeyPrefix + sagaID
}

func sagaStatusIndexPrefix(status string) string {
	return sagaIndexStatusPrefix + status + ":"
}

func sagaStatusIndexKey(status, sagaID string) string {
	return sagaStatusIndexPrefix(status) + sagaID
}

func lockDataKey(resource string) string {
	return lockKeyPrefix + resource
}

func lockOwnerIndexPrefix(owner string) string {
	return lockIndexOwnerPrefix + owner + ":"
}

func lockOwnerIndexKey(owner, resource string) string {
	return lockOwnerIndexPrefix(owner) + resource
}

func idemDataKey(key string) string {
	return idemKeyPrefix + key
}
