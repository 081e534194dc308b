package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryKV is an in-process KV. With a positive capacity the summed length of
// keys and values is bounded and Set fails with ErrCapacity beyond it, like a
// browser-style storage quota.
type MemoryKV struct {
	mu       sync.RWMutex
	data     map[string]string
	size     int
	capacity int
}

// NewMemoryKV returns an empty store; capacity <= 0 means unbounded.
func NewMemoryKV(capacity int) *MemoryKV {
	return &MemoryKV{data: make(map[string]string), capacity: capacity}
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements KV.
func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.size + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		size -= len(key) + len(old)
	}
	if m.capacity > 0 && size > m.capacity {
		return fmt.Errorf("set %s (%d bytes): %w", key, len(value), ErrCapacity)
	}
	m.data[key] = value
	m.size = size
	return nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.size -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

// Close implements KV.
func (m *MemoryKV) Close() error { return nil }
