package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

var (
	// ErrNotFound is returned when no rows match a query.
	ErrNotFound = errors.New("no energy data for query")
)

// table holds rows of one kind keyed by document id.
type table map[string]energy.Row

// MemoryStore is a concurrency-safe in-memory operational store. It backs the
// "memory" backend and doubles as a test fake.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[energy.Kind]table
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[energy.Kind]table)}
}

// Upsert replaces the stored row unless it is identical or owned by a newer run.
func (s *MemoryStore) Upsert(_ context.Context, row energy.Row) (energy.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data[row.Key.Kind]
	if !ok {
		t = make(table)
		s.data[row.Key.Kind] = t
	}
	id := row.Key.DocID()
	existing, ok := t[id]
	switch {
	case !ok:
		t[id] = row
		return energy.OutcomeInserted, nil
	case existing.Hash == row.Hash:
		return energy.OutcomeUnchanged, nil
	case existing.RunAt.After(row.RunAt):
		return energy.OutcomeStale, nil
	default:
		t[id] = row
		return energy.OutcomeUpdated, nil
	}
}

// ChangedSince returns rows positioned after the checkpoint in (WrittenAt, DocID) order.
func (s *MemoryStore) ChangedSince(_ context.Context, kind energy.Kind, after energy.Checkpoint, limit int) ([]energy.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []energy.Row
	for _, row := range s.data[kind] {
		if after.Precedes(row) {
			out = append(out, row)
		}
	}
	sortByCursor(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune deletes rows whose observation time is before the cutoff.
func (s *MemoryStore) Prune(_ context.Context, kind energy.Kind, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pruneTable(s.data[kind], before), nil
}

// Get returns the stored row for a key.
func (s *MemoryStore) Get(key energy.IdentityKey) (energy.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.data[key.Kind][key.DocID()]
	if !ok {
		return energy.Row{}, ErrNotFound
	}
	return row, nil
}

// Rows returns every stored row of a kind ordered by observation time.
func (s *MemoryStore) Rows(kind energy.Kind) []energy.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRows(s.data[kind])
}

// MemoryAnalytics is an in-memory analytical store with per-kind checkpoints.
type MemoryAnalytics struct {
	mu          sync.RWMutex
	data        map[energy.Kind]table
	checkpoints map[energy.Kind]energy.Checkpoint

	// FailApply makes ApplyBatch fail, for exercising checkpoint retention.
	FailApply error
}

func NewMemoryAnalytics() *MemoryAnalytics {
	return &MemoryAnalytics{
		data:        make(map[energy.Kind]table),
		checkpoints: make(map[energy.Kind]energy.Checkpoint),
	}
}

func (s *MemoryAnalytics) Checkpoint(_ context.Context, kind energy.Kind) (energy.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[kind], nil
}

// ApplyBatch upserts rows, keeping a newer run's content, and moves the checkpoint.
func (s *MemoryAnalytics) ApplyBatch(_ context.Context, kind energy.Kind, rows []energy.Row, next energy.Checkpoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailApply != nil {
		return 0, s.FailApply
	}
	t, ok := s.data[kind]
	if !ok {
		t = make(table)
		s.data[kind] = t
	}
	applied := 0
	for _, row := range rows {
		id := row.Key.DocID()
		existing, ok := t[id]
		if ok && (existing.RunAt.After(row.RunAt) || existing.Hash == row.Hash) {
			continue
		}
		t[id] = row
		applied++
	}
	s.checkpoints[kind] = next
	return applied, nil
}

// Range returns rows for a zone between from and to (inclusive).
func (s *MemoryAnalytics) Range(_ context.Context, kind energy.Kind, zone string, from, to time.Time) ([]energy.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []energy.Row
	for _, row := range sortedRows(s.data[kind]) {
		dt := row.Key.Datetime
		if row.Key.Zone == zone && !dt.Before(from) && !dt.After(to) {
			result = append(result, row)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

func (s *MemoryAnalytics) Prune(_ context.Context, kind energy.Kind, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pruneTable(s.data[kind], before), nil
}

// Rows returns every row of a kind ordered by observation time.
func (s *MemoryAnalytics) Rows(kind energy.Kind) []energy.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRows(s.data[kind])
}

func pruneTable(t table, before time.Time) int64 {
	var n int64
	for id, row := range t {
		if row.Key.Datetime.Before(before) {
			delete(t, id)
			n++
		}
	}
	return n
}

func sortedRows(t table) []energy.Row {
	out := make([]energy.Row, 0, len(t))
	for _, row := range t {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Key.Datetime.Equal(out[j].Key.Datetime) {
			return out[i].Key.Datetime.Before(out[j].Key.Datetime)
		}
		return out[i].Key.Zone < out[j].Key.Zone
	})
	return out
}

func sortByCursor(rows []energy.Row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].WrittenAt.Equal(rows[j].WrittenAt) {
			return rows[i].WrittenAt.Before(rows[j].WrittenAt)
		}
		return rows[i].Key.DocID() < rows[j].Key.DocID()
	})
}
