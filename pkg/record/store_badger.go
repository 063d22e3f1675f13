package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	recordKeyPrefix            = "record:"
	recordIndexStatusKeyPrefix = "record:index:status:"
	recordIndexTypeKeyPrefix   = "record:index:type:"
	draftKeyPrefix             = "draft:"
	draftIndexTypeKeyPrefix    = "draft:index:type:"
)

// BadgerStore persists record and draft rows in Badger. Row writes and
// their index maintenance run in one transaction.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed row store on an open database.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

func recordDataKey(id string) string { return recordKeyPrefix + id }

func recordStatusIndexKey(status Status, id string) string {
	return recordIndexStatusKeyPrefix + string(status) + ":" + id
}

func recordTypeIndexKey(recordType, id string) string {
	return recordIndexTypeKeyPrefix + recordType + ":" + id
}

func draftDataKey(id string) string { return draftKeyPrefix + id }

func draftTypeIndexKey(draftType, id string) string {
	return draftIndexTypeKeyPrefix + draftType + ":" + id
}

// InsertRecord adds a new record row.
func (s *BadgerStore) InsertRecord(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(recordDataKey(rec.ID))); err == nil {
			return fmt.Errorf("%w: record %s", ErrExists, rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.putRecordInTxn(txn, rec, nil)
	})
	return mapRecordBadgerErr(err)
}

// GetRecord returns one record row by ID.
func (s *BadgerStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		loaded, err := s.getRecordInTxn(txn, id)
		if err != nil {
			return err
		}
		rec = loaded
		return nil
	})
	if err != nil {
		return nil, mapRecordBadgerErr(err)
	}
	return rec, nil
}

// UpdateRecord replaces an existing record row, moving its index entries
// when status or type changed.
func (s *BadgerStore) UpdateRecord(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		prior, err := s.getRecordInTxn(txn, rec.ID)
		if err != nil {
			return err
		}
		return s.putRecordInTxn(txn, rec, prior)
	})
	return mapRecordBadgerErr(err)
}

// DeleteRecord removes a record row and its index entries.
func (s *BadgerStore) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		prior, err := s.getRecordInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(recordDataKey(id))); err != nil {
			return err
		}
		if err := txn.Delete([]byte(recordStatusIndexKey(prior.Status, id))); err != nil {
			return err
		}
		return txn.Delete([]byte(recordTypeIndexKey(prior.Type, id)))
	})
	return mapRecordBadgerErr(err)
}

// ListRecords lists record rows filtered by type and status, ordered by ID.
func (s *BadgerStore) ListRecords(ctx context.Context, filter ListFilter) ([]*Record, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	var all []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := s.recordIDsInTxn(txn, filter.Status)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := s.getRecordInTxn(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if filter.Type != "" && rec.Type != filter.Type {
				continue
			}
			if filter.Status != "" && rec.Status != filter.Status {
				continue
			}
			all = append(all, rec)
		}
		return nil
	})
	if err != nil {
		return nil, 0, mapRecordBadgerErr(err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	lo, hi := pageBounds(total, filter.Limit, filter.Offset)
	return all[lo:hi], total, nil
}

// recordIDsInTxn collects candidate record IDs, via the status index when a
// status filter is set and a data scan otherwise.
func (s *BadgerStore) recordIDsInTxn(txn *badger.Txn, status Status) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	if status != "" {
		prefix := []byte(recordIndexStatusKeyPrefix + string(status) + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return ids, nil
	}

	prefix := []byte(recordKeyPrefix)
	indexPrefix := recordKeyPrefix + "index:"
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().Key())
		if strings.HasPrefix(key, indexPrefix) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, recordKeyPrefix))
	}
	return ids, nil
}

// InsertDraft adds a new draft row.
func (s *BadgerStore) InsertDraft(ctx context.Context, draft *Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(draftDataKey(draft.ID))); err == nil {
			return fmt.Errorf("%w: draft %s", ErrExists, draft.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.putDraftInTxn(txn, draft, nil)
	})
	return mapRecordBadgerErr(err)
}

// GetDraft returns one draft row by ID.
func (s *BadgerStore) GetDraft(ctx context.Context, id string) (*Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var draft *Draft
	err := s.db.View(func(txn *badger.Txn) error {
		loaded, err := s.getDraftInTxn(txn, id)
		if err != nil {
			return err
		}
		draft = loaded
		return nil
	})
	if err != nil {
		return nil, mapRecordBadgerErr(err)
	}
	return draft, nil
}

// UpdateDraft replaces an existing draft row.
func (s *BadgerStore) UpdateDraft(ctx context.Context, draft *Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		prior, err := s.getDraftInTxn(txn, draft.ID)
		if err != nil {
			return err
		}
		return s.putDraftInTxn(txn, draft, prior)
	})
	return mapRecordBadgerErr(err)
}

// DeleteDraft removes a draft row and its index entry.
func (s *BadgerStore) DeleteDraft(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		prior, err := s.getDraftInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(draftDataKey(id))); err != nil {
			return err
		}
		return txn.Delete([]byte(draftTypeIndexKey(prior.Type, id)))
	})
	return mapRecordBadgerErr(err)
}

// ListDrafts lists draft rows filtered by type, ordered by ID.
func (s *BadgerStore) ListDrafts(ctx context.Context, filter ListFilter) ([]*Draft, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	var all []*Draft
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		prefix := []byte(draftKeyPrefix)
		indexPrefix := draftKeyPrefix + "index:"
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			if strings.HasPrefix(key, indexPrefix) {
				continue
			}
			ids = append(ids, strings.TrimPrefix(key, draftKeyPrefix))
		}

		for _, id := range ids {
			draft, err := s.getDraftInTxn(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if filter.Type != "" && draft.Type != filter.Type {
				continue
			}
			all = append(all, draft)
		}
		return nil
	})
	if err != nil {
		return nil, 0, mapRecordBadgerErr(err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	lo, hi := pageBounds(total, filter.Limit, filter.Offset)
	return all[lo:hi], total, nil
}

// Close is a no-op: the caller owns the shared badger database.
func (s *BadgerStore) Close() error { return nil }

func (s *BadgerStore) getRecordInTxn(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get([]byte(recordDataKey(id)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
		}
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *BadgerStore) putRecordInTxn(txn *badger.Txn, rec *Record, prior *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if err := txn.Set([]byte(recordDataKey(rec.ID)), data); err != nil {
		return err
	}

	if prior != nil && prior.Status != rec.Status {
		if err := txn.Delete([]byte(recordStatusIndexKey(prior.Status, rec.ID))); err != nil {
			return err
		}
	}
	if prior != nil && prior.Type != rec.Type {
		if err := txn.Delete([]byte(recordTypeIndexKey(prior.Type, rec.ID))); err != nil {
			return err
		}
	}
	if err := txn.Set([]byte(recordStatusIndexKey(rec.Status, rec.ID)), nil); err != nil {
		return err
	}
	return txn.Set([]byte(recordTypeIndexKey(rec.Type, rec.ID)), nil)
}

func (s *BadgerStore) getDraftInTxn(txn *badger.Txn, id string) (*Draft, error) {
	item, err := txn.Get([]byte(draftDataKey(id)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: draft %s", ErrNotFound, id)
		}
		return nil, err
	}
	var draft Draft
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &draft)
	}); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", id, err)
	}
	return &draft, nil
}

func (s *BadgerStore) putDraftInTxn(txn *badger.Txn, draft *Draft, prior *Draft) error {
	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", draft.ID, err)
	}
	if err := txn.Set([]byte(draftDataKey(draft.ID)), data); err != nil {
		return err
	}
	if prior != nil && prior.Type != draft.Type {
		if err := txn.Delete([]byte(draftTypeIndexKey(prior.Type, draft.ID))); err != nil {
			return err
		}
	}
	return txn.Set([]byte(draftTypeIndexKey(draft.Type, draft.ID)), nil)
}

func mapRecordBadgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrBlockedWrites):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
