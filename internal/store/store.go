// Package store holds the aggregated per-source directory listings.
//
// Every operation runs entirely under one mutex, so concurrent reports and
// list queries each see and produce a consistent map.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/folderagg/folderagg/internal/metrics"
	"github.com/folderagg/folderagg/pkg/diff"
	"github.com/folderagg/folderagg/pkg/protocol"
)

// record is the state kept for one source.
type record struct {
	lastUpdated time.Time
	files       []protocol.Item
}

// Store is the aggregator's source map.
type Store struct {
	mu         sync.Mutex
	sources    map[string]*record
	items      int
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store. Rows of sources that have not reported for
// longer than staleAfter are flagged stale by List.
func New(staleAfter time.Duration, opts ...Option) *Store {
	s := &Store{
		sources:    make(map[string]*record),
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Replace sets the complete listing for id. Used for First reports.
func (s *Store) Replace(id string, items []protocol.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(id)
	s.items -= len(rec.files)
	rec.files = diff.Dedupe(items)
	rec.lastUpdated = s.now()
	s.items += len(rec.files)
	s.publishSize()
}

// Apply merges a diff into the listing for id, starting from an empty
// listing if id is unknown (for example after it expired). Removals of
// items that are not present are ignored. The source's timestamp is
// refreshed even when d is empty.
func (s *Store) Apply(id string, d protocol.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(id)
	s.items -= len(rec.files)
	rec.files = diff.Apply(rec.files, d)
	rec.lastUpdated = s.now()
	s.items += len(rec.files)
	s.publishSize()
}

// List returns one row per item per source. Sources are ordered by id and
// items keep their stored order.
func (s *Store) List() []protocol.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rows := make([]protocol.Row, 0, s.items)
	for _, id := range s.sortedIDs() {
		rec := s.sources[id]
		stale := now.Sub(rec.lastUpdated) > s.staleAfter
		for _, item := range rec.files {
			rows = append(rows, protocol.Row{
				Name:  item.Name,
				Type:  item.Type,
				From:  id,
				Stale: stale,
			})
		}
	}
	return rows
}

// Sources summarises every source, ordered by id.
func (s *Store) Sources() []protocol.SourceSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]protocol.SourceSummary, 0, len(s.sources))
	for _, id := range s.sortedIDs() {
		rec := s.sources[id]
		age := now.Sub(rec.lastUpdated)
		out = append(out, protocol.SourceSummary{
			ID:          id,
			Items:       len(rec.files),
			LastUpdated: rec.lastUpdated,
			AgeMillis:   age.Milliseconds(),
			Stale:       age > s.staleAfter,
		})
	}
	return out
}

// Expire removes every source that has not reported for longer than
// threshold and returns their ids in sorted order.
func (s *Store) Expire(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []string
	for id, rec := range s.sources {
		if now.Sub(rec.lastUpdated) > threshold {
			s.items -= len(rec.files)
			delete(s.sources, id)
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		sort.Strings(expired)
		s.publishSize()
	}
	return expired
}

// Len returns the number of sources and the total number of items.
func (s *Store) Len() (sources, items int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources), s.items
}

// get returns the record for id, creating it if needed. Caller holds mu.
func (s *Store) get(id string) *record {
	rec, ok := s.sources[id]
	if !ok {
		rec = &record{}
		s.sources[id] = rec
	}
	return rec
}

// Caller holds mu.
func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Caller holds mu.
func (s *Store) publishSize() {
	metrics.SetStoreSize(len(s.sources), s.items)
}
