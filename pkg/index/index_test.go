package index

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type mapSource map[string]IndexableRecord

func (s mapSource) GetRecord(_ context.Context, id string) (IndexableRecord, error) {
	rec, ok := s[id]
	if !ok {
		return IndexableRecord{}, fmt.Errorf("record %s not found", id)
	}
	return rec, nil
}

func TestMemoryReindexAndSearch(t *testing.T) {
	source := mapSource{
		"noise-ordinance": {ID: "noise-ordinance", Type: "bylaw", Title: "Noise Ordinance", Body: "# Quiet hours after ten"},
		"parks-budget":    {ID: "parks-budget", Type: "resolution", Title: "Parks Budget", Body: "Annual parks funding"},
	}
	idx := NewMemory(source)
	ctx := context.Background()

	for id := range source {
		if err := idx.Reindex(ctx, id); err != nil {
			t.Fatalf("Reindex(%s) error = %v", id, err)
		}
	}

	if got := idx.Search("noise"); len(got) != 1 || got[0] != "noise-ordinance" {
		t.Errorf("Search(noise) = %v, want [noise-ordinance]", got)
	}
	if got := idx.Search("parks"); len(got) != 1 || got[0] != "parks-budget" {
		t.Errorf("Search(parks) = %v, want [parks-budget]", got)
	}
	if got := idx.Search("zoning"); len(got) != 0 {
		t.Errorf("Search(zoning) = %v, want empty", got)
	}
}

func TestMemoryReindexReplacesTerms(t *testing.T) {
	source := mapSource{"r1": {ID: "r1", Title: "Old Title", Body: "old body"}}
	idx := NewMemory(source)
	ctx := context.Background()

	if err := idx.Reindex(ctx, "r1"); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	source["r1"] = IndexableRecord{ID: "r1", Title: "New Title", Body: "new body"}
	if err := idx.Reindex(ctx, "r1"); err != nil {
		t.Fatalf("Reindex() after update error = %v", err)
	}

	if got := idx.Search("old"); len(got) != 0 {
		t.Errorf("Search(old) = %v, want stale terms dropped", got)
	}
	if got := idx.Search("new"); len(got) != 1 {
		t.Errorf("Search(new) = %v, want [r1]", got)
	}
}

func TestMemoryRemove(t *testing.T) {
	source := mapSource{"r1": {ID: "r1", Title: "Title", Body: "body"}}
	idx := NewMemory(source)
	ctx := context.Background()

	if err := idx.Reindex(ctx, "r1"); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if err := idx.Remove(ctx, "r1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if idx.Indexed("r1") {
		t.Error("record still indexed after Remove")
	}
	// Removing again is a no-op.
	if err := idx.Remove(ctx, "r1"); err != nil {
		t.Errorf("Remove() repeat error = %v", err)
	}
}

type failingIndexer struct{ err error }

func (f *failingIndexer) Reindex(context.Context, string) error { return f.err }
func (f *failingIndexer) Remove(context.Context, string) error  { return f.err }

func TestBreakerTripsOnSustainedFailure(t *testing.T) {
	inner := &failingIndexer{err: errors.New("indexer down")}
	breaker := NewBreaker(inner, BreakerSettings{
		MinRequests:  3,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = breaker.Reindex(ctx, "r1")
	}
	if breaker.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after sustained failures", breaker.State())
	}

	err := breaker.Reindex(ctx, "r1")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Reindex() error = %v, want fast-fail ErrOpenState", err)
	}
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	source := mapSource{"r1": {ID: "r1", Title: "Title", Body: "body"}}
	breaker := NewBreaker(NewMemory(source), BreakerSettings{})
	if err := breaker.Reindex(context.Background(), "r1"); err != nil {
		t.Fatalf("Reindex() through breaker error = %v", err)
	}
	if breaker.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", breaker.State())
	}
}
