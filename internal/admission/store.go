package admission

import (
	"context"
	"sync"
	"time"
)

// CounterStore persists per-customer usage counters keyed by billing window.
//
// Add must be atomic per (customer, window): it adds cost and reports the new
// total, unless limit is non-negative and the total would exceed it, in which
// case the counter is unchanged, applied is false and used is the current
// total.
type CounterStore interface {
	Add(ctx context.Context, customer string, window time.Time, cost, limit int64) (used int64, applied bool, err error)
	Usage(ctx context.Context, customer string, window time.Time) (int64, error)
}

// MemoryStore keeps counters in process memory. Only the current window is
// retained per customer.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
}

type memoryCounter struct {
	window time.Time
	used   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]memoryCounter)}
}

func (s *MemoryStore) Add(_ context.Context, customer string, window time.Time, cost, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters[customer]
	if !c.window.Equal(window) {
		c = memoryCounter{window: window}
	}
	if limit >= 0 && c.used+cost > limit {
		s.counters[customer] = c
		return c.used, false, nil
	}
	c.used += cost
	s.counters[customer] = c
	return c.used, true, nil
}

func (s *MemoryStore) Usage(_ context.Context, customer string, window time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[customer]
	if !ok || !c.window.Equal(window) {
		return 0, nil
	}
	return c.used, nil
}
