package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. Suitable for tests and
// single-node development; protocol state does not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Kind]map[string]Record)}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("storage: record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.records[rec.Kind]
	if !ok {
		byID = make(map[string]Record)
		s.records[rec.Kind] = byID
	}
	if _, exists := byID[rec.ID]; exists {
		return fmt.Errorf("storage: %s/%s already exists: %w", rec.Kind, rec.ID, ErrConflict)
	}
	rec.Version = 1
	rec.UpdatedAt = time.Now().UTC()
	byID[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.records[rec.Kind]
	if !ok {
		return ErrNotFound
	}
	current, exists := byID[rec.ID]
	if !exists {
		return ErrNotFound
	}
	if current.Version != rec.Version {
		return fmt.Errorf("storage: %s/%s expected version %d, have %d: %w",
			rec.Kind, rec.ID, rec.Version, current.Version, ErrConflict)
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	byID[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[kind][id]; ok {
		return clone(rec), nil
	}
	return Record{}, ErrNotFound
}

func (s *MemoryStore) ListByIndex(ctx context.Context, kind Kind, indexKey string, since time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records[kind] {
		if rec.IndexKey == indexKey && !rec.UpdatedAt.Before(since) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ListAll(ctx context.Context, kind Kind) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records[kind]))
	for _, rec := range s.records[kind] {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// clone copies the record including its data slice so callers can't mutate
// stored state through the returned value.
func clone(rec Record) Record {
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data
	return rec
}

var _ Store = (*MemoryStore)(nil)
