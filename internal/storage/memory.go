package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu        sync.Mutex
	jobs      map[string]JobRecord
	incidents []Incident
	closed    bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{jobs: map[string]JobRecord{}}
}

func (s *memoryStore) LoadJob(ctx context.Context, name string) (JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return JobRecord{}, ErrClosed
	}
	rec, ok := s.jobs[name]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) SaveJob(ctx context.Context, rec JobRecord, expected uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := checkVersion(s.jobs, rec.Name, expected); err != nil {
		return err
	}
	s.jobs[rec.Name] = rec
	return nil
}

func (s *memoryStore) AppendIncident(ctx context.Context, in Incident) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.incidents = append(s.incidents, in)
	return nil
}

func (s *memoryStore) Incidents(ctx context.Context, limit int) ([]Incident, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return newestFirst(s.incidents, limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// checkVersion enforces the compare-and-swap contract against an in-memory map.
func checkVersion(jobs map[string]JobRecord, name string, expected uint64) error {
	cur, ok := jobs[name]
	switch {
	case !ok && expected == 0:
		return nil
	case ok && cur.Version == expected:
		return nil
	default:
		return ErrVersionConflict
	}
}

func newestFirst(in []Incident, limit int) []Incident {
	n := len(in)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Incident, 0, n)
	for i := len(in) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, in[i])
	}
	return out
}
