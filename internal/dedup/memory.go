package dedup

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	state map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string]string)}
}

func (m *MemoryStore) Begin(_ context.Context, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[signature]; ok {
		return false, nil
	}
	m.state[signature] = "processing"
	return true, nil
}

func (m *MemoryStore) Complete(_ context.Context, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[signature] = "completed"
	return nil
}

func (m *MemoryStore) Abandon(_ context.Context, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, signature)
	return nil
}

// State reports the recorded state of a signature, for assertions.
func (m *MemoryStore) State(signature string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[signature]
	return s, ok
}
