package profile

import (
	"context"
	"sync"
)

// MemoryStore keeps attributes in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	attrs map[string]*Attributes
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attrs: make(map[string]*Attributes)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Attributes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attrs[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, a *Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attrs[a.UserID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
