// Package index is the derived indexing boundary behind the update_index
// saga step. Index failures are reported in the saga result envelope but
// never fail a record mutation; the row, the file, and the VCS commit are
// the authoritative stores.
package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Source reads the record a reindex request refers to. StoreSource adapts
// the record row store to it.
type Source interface {
	GetRecord(ctx context.Context, id string) (IndexableRecord, error)
}

// IndexableRecord is the slice of a record the indexer consumes.
type IndexableRecord struct {
	ID    string
	Type  string
	Title string
	Body  string
}

// Indexer maintains a derived lookup structure over published records.
type Indexer interface {
	Reindex(ctx context.Context, recordID string) error
	Remove(ctx context.Context, recordID string) error
}

// Memory is an in-process inverted index over record titles and bodies.
// It serves operator term lookups in single-node deployments and is the
// test double for the update_index step.
type Memory struct {
	source Source

	mu    sync.RWMutex
	terms map[string]map[string]struct{}
	docs  map[string][]string
}

// NewMemory creates an empty in-memory indexer reading records from
// source.
func NewMemory(source Source) *Memory {
	return &Memory{
		source: source,
		terms:  make(map[string]map[string]struct{}),
		docs:   make(map[string][]string),
	}
}

// Reindex replaces the indexed terms for one record.
func (m *Memory) Reindex(ctx context.Context, recordID string) error {
	if recordID == "" {
		return fmt.Errorf("index: record id cannot be empty")
	}
	rec, err := m.source.GetRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("index: load record %s: %w", recordID, err)
	}

	tokens := tokenize(rec.Title + " " + rec.Body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(recordID)
	for _, token := range tokens {
		ids, ok := m.terms[token]
		if !ok {
			ids = make(map[string]struct{})
			m.terms[token] = ids
		}
		ids[recordID] = struct{}{}
	}
	m.docs[recordID] = tokens
	return nil
}

// Remove drops a record from the index. Removing an unindexed record is a
// no-op.
func (m *Memory) Remove(_ context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(recordID)
	return nil
}

// Search returns the ids of records containing the term, sorted.
func (m *Memory) Search(term string) []string {
	tokens := tokenize(term)
	if len(tokens) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0)
	for id := range m.terms[tokens[0]] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Indexed reports whether a record is present in the index.
func (m *Memory) Indexed(recordID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[recordID]
	return ok
}

func (m *Memory) dropLocked(recordID string) {
	for _, token := range m.docs[recordID] {
		if ids, ok := m.terms[token]; ok {
			delete(ids, recordID)
			if len(ids) == 0 {
				delete(m.terms, token)
			}
		}
	}
	delete(m.docs, recordID)
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		tokens = append(tokens, field)
	}
	return tokens
}
