package index

import (
	"context"

	"github.com/CivicPress/civicpress-sub013/pkg/record"
)

type storeSource struct {
	store record.Store
}

// StoreSource adapts the record row store to the indexer Source.
func StoreSource(store record.Store) Source {
	return &storeSource{store: store}
}

func (s *storeSource) GetRecord(ctx context.Context, id string) (IndexableRecord, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return IndexableRecord{}, err
	}
	return IndexableRecord{
		ID:    rec.ID,
		Type:  rec.Type,
		Title: rec.Title,
		Body:  rec.Body,
	}, nil
}
