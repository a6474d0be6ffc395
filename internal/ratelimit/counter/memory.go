package counter

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for single-process deployments and tests.
// Expired keys are pruned lazily on access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value  int64
	expiry time.Time // zero means no expiry armed
}

// NewMemory returns an empty in-process counter store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// NewMemoryWithClock returns a store using the supplied time source.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

func (m *Memory) entry(key string) *memoryEntry {
	e, ok := m.entries[key]
	if ok && !e.expiry.IsZero() && m.now().After(e.expiry) {
		delete(m.entries, key)
		ok = false
	}
	if !ok {
		return nil
	}
	return e
}

// IncrBy atomically adds delta to the key and returns the new value.
func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.value += delta
	return e.value, nil
}

// Get returns the current value, or 0 for a missing key.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return 0, nil
	}
	return e.value, nil
}

// TTL returns the remaining lifetime of the key, negative when missing or
// unarmed.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return -2 * time.Second, nil
	}
	if e.expiry.IsZero() {
		return -1 * time.Second, nil
	}
	return e.expiry.Sub(m.now()), nil
}

// ExpireNX arms an expiry only if the key exists and has none.
func (m *Memory) ExpireNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil || !e.expiry.IsZero() {
		return false, nil
	}
	e.expiry = m.now().Add(ttl)
	return true, nil
}
