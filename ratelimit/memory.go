package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*window
	cooldowns map[string]time.Time
	hits      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: map[string]*window{}, cooldowns: map[string]time.Time{}}
}

func (m *MemoryStore) Hit(_ context.Context, key string, length time.Duration, now time.Time) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
	if m.hits%1024 == 0 {
		m.sweepLocked(now)
	}
	w := m.counters[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(length)}
		m.counters[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

func (m *MemoryStore) PeekCooldown(_ context.Context, key string, now time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.cooldowns[key]
	if !ok || !now.Before(until) {
		return 0, nil
	}
	return until.Sub(now), nil
}

func (m *MemoryStore) ClaimCooldown(_ context.Context, key string, ttl time.Duration, now time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.cooldowns[key]; ok && now.Before(until) {
		return false, until.Sub(now), nil
	}
	m.cooldowns[key] = now.Add(ttl)
	return true, 0, nil
}

func (m *MemoryStore) ReleaseCooldown(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.cooldowns, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	m.counters = map[string]*window{}
	m.cooldowns = map[string]time.Time{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) sweepLocked(now time.Time) {
	for k, w := range m.counters {
		if !now.Before(w.resetAt) {
			delete(m.counters, k)
		}
	}
	for k, until := range m.cooldowns {
		if !now.Before(until) {
			delete(m.cooldowns, k)
		}
	}
}
