package breaker

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: map[string]Snapshot{}}
}

func (m *MemoryStore) Load(_ context.Context, name string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[name]
	if !ok {
		return Snapshot{State: StateClosed}, nil
	}
	return s, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, name string, expected int64, next Snapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state[name].Generation != expected {
		return false, nil
	}
	m.state[name] = next
	return true, nil
}
