package pipeline

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory status store for tests and ephemeral runs.
// All reads and writes operate on deep copies, so callers can never mutate
// the stored record outside Update.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, caseID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.Clone(), nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := c.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.cases[cp.ID] = cp
	return nil
}

// Update implements Store. The write lock makes the read-mutate-write cycle
// atomic; a mutate error leaves the stored record untouched.
func (m *MemoryStore) Update(_ context.Context, caseID string, mutate func(*Case) error) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}

	working := current.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}

	working.UpdatedAt = time.Now().UTC()
	m.cases[caseID] = working
	return working.Clone(), nil
}

// Len returns the number of stored cases.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cases)
}
