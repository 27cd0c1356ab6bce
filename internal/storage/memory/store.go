// Package memory keeps crawl records in process memory. It backs dry runs
// and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

// RunStore is an in-memory crawler.RunStore.
type RunStore struct {
	mu      sync.RWMutex
	records []crawler.DetailRecord
	saves   int
}

// NewRunStore seeds the store with records.
func NewRunStore(seed ...crawler.DetailRecord) *RunStore {
	return &RunStore{records: cloneAll(seed)}
}

// Load returns a copy of the current snapshot.
func (s *RunStore) Load(context.Context) ([]crawler.DetailRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.records), nil
}

// Save replaces the snapshot.
func (s *RunStore) Save(_ context.Context, records []crawler.DetailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = cloneAll(records)
	s.saves++
	return nil
}

// Saves reports how many snapshots were written.
func (s *RunStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Archive is an in-memory crawler.Archive.
type Archive struct {
	mu      sync.RWMutex
	records []crawler.DetailRecord
	index   map[string]struct{}
}

// NewArchive seeds the archive with records; duplicate URLs keep the first.
func NewArchive(seed ...crawler.DetailRecord) *Archive {
	a := &Archive{index: make(map[string]struct{})}
	for _, rec := range seed {
		a.add(rec)
	}
	return a
}

// Load returns a copy of every archived record in append order.
func (a *Archive) Load(context.Context) ([]crawler.DetailRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneAll(a.records), nil
}

// Append stores record unless its URL is already archived.
func (a *Archive) Append(_ context.Context, record crawler.DetailRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.add(record)
	return nil
}

// Contains reports whether url is archived.
func (a *Archive) Contains(url string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.index[url]
	return ok
}

// Close implements crawler.Archive.
func (a *Archive) Close() error {
	return nil
}

func (a *Archive) add(record crawler.DetailRecord) {
	if _, ok := a.index[record.URL]; ok {
		return
	}
	a.index[record.URL] = struct{}{}
	a.records = append(a.records, record.Clone())
}

func cloneAll(records []crawler.DetailRecord) []crawler.DetailRecord {
	out := make([]crawler.DetailRecord, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}
