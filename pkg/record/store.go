package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a record or draft row does not exist.
	ErrNotFound = errors.New("record: not found")

	// ErrExists is returned on insert when the row already exists.
	ErrExists = errors.New("record: already exists")

	// ErrUnavailable is returned when the backing store cannot serve the
	// request.
	ErrUnavailable = errors.New("record: store unavailable")
)

// ListFilter constrains list queries. Zero values mean no constraint.
type ListFilter struct {
	Type   string
	Status Status
	Limit  int
	Offset int
}

// Store persists record and draft rows. Implementations do not stamp
// timestamps: saga steps own them, so a compensation can restore a prior
// row byte for byte.
type Store interface {
	InsertRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	UpdateRecord(ctx context.Context, rec *Record) error
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context, filter ListFilter) ([]*Record, int, error)

	InsertDraft(ctx context.Context, draft *Draft) error
	GetDraft(ctx context.Context, id string) (*Draft, error)
	UpdateDraft(ctx context.Context, draft *Draft) error
	DeleteDraft(ctx context.Context, id string) error
	ListDrafts(ctx context.Context, filter ListFilter) ([]*Draft, int, error)

	Close() error
}

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	drafts  map[string]*Draft
}

// NewMemoryStore creates an empty in-memory row store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		drafts:  make(map[string]*Draft),
	}
}

// InsertRecord adds a new record row.
func (s *MemoryStore) InsertRecord(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: record %s", ErrExists, rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// GetRecord returns one record row by ID.
func (s *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// UpdateRecord replaces an existing record row.
func (s *MemoryStore) UpdateRecord(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// DeleteRecord removes a record row.
func (s *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// ListRecords lists record rows filtered by type and status, ordered by ID.
func (s *MemoryStore) ListRecords(_ context.Context, filter ListFilter) ([]*Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		all = append(all, rec.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	lo, hi := pageBounds(total, filter.Limit, filter.Offset)
	return all[lo:hi], total, nil
}

// InsertDraft adds a new draft row.
func (s *MemoryStore) InsertDraft(_ context.Context, draft *Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[draft.ID]; ok {
		return fmt.Errorf("%w: draft %s", ErrExists, draft.ID)
	}
	s.drafts[draft.ID] = draft.Clone()
	return nil
}

// GetDraft returns one draft row by ID.
func (s *MemoryStore) GetDraft(_ context.Context, id string) (*Draft, error) {
	s.mu.RLock()
	draft, ok := s.drafts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	return draft.Clone(), nil
}

// UpdateDraft replaces an existing draft row.
func (s *MemoryStore) UpdateDraft(_ context.Context, draft *Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[draft.ID]; !ok {
		return fmt.Errorf("%w: draft %s", ErrNotFound, draft.ID)
	}
	s.drafts[draft.ID] = draft.Clone()
	return nil
}

// DeleteDraft removes a draft row.
func (s *MemoryStore) DeleteDraft(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[id]; !ok {
		return fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	delete(s.drafts, id)
	return nil
}

// ListDrafts lists draft rows filtered by type, ordered by ID.
func (s *MemoryStore) ListDrafts(_ context.Context, filter ListFilter) ([]*Draft, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Draft, 0, len(s.drafts))
	for _, draft := range s.drafts {
		if filter.Type != "" && draft.Type != filter.Type {
			continue
		}
		all = append(all, draft.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	lo, hi := pageBounds(total, filter.Limit, filter.Offset)
	return all[lo:hi], total, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func pageBounds(total, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return offset, end
}
