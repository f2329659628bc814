package idempotency

import (
	"context"
	"sync"
)

// MemStore is the in-process implementation of Store and PoisonCounter, used
// by tests and single-process deployments.
type MemStore struct {
	mu     sync.Mutex
	marks  map[string]struct{}
	counts map[string]int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		marks:  make(map[string]struct{}),
		counts: make(map[string]int64),
	}
}

func (s *MemStore) CheckAndMark(_ context.Context, orgID, dedupKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idemKey(orgID, dedupKey)
	if _, ok := s.marks[key]; ok {
		return true, nil
	}
	s.marks[key] = struct{}{}
	return false, nil
}

func (s *MemStore) Unmark(_ context.Context, orgID, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, idemKey(orgID, dedupKey))
	return nil
}

func (s *MemStore) Incr(_ context.Context, orgID, dedupKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := poisonKey(orgID, dedupKey)
	s.counts[key]++
	return s.counts[key], nil
}
