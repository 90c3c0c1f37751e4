package cache

import (
	"sync"
	"sync/atomic"
)

// Memo is an append-only cache: an entry, once created, stays until Drain.
// Two lookups with equal keys return the identical value.
//
// Lookups take a read lock; creation double-checks under the write lock so
// concurrent misses on the same key create the value once.
//
// Memo is safe for concurrent use.
type Memo[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewMemo creates an empty Memo.
func NewMemo[K comparable, V any]() *Memo[K, V] {
	return &Memo[K, V]{entries: make(map[K]V)}
}

// Get returns the value for key if present.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	v, ok := m.entries[key]
	m.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the cached value for key, creating it on a miss.
// create runs under the write lock; a failed create caches nothing.
func (m *Memo[K, V]) GetOrCreate(key K, create func(K) (V, error)) (V, error) {
	m.mu.RLock()
	if v, ok := m.entries[key]; ok {
		m.mu.RUnlock()
		m.hits.Add(1)
		return v, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.entries[key]; ok {
		m.hits.Add(1)
		return v, nil
	}

	v, err := create(key)
	if err != nil {
		var zero V
		return zero, err
	}
	m.misses.Add(1)
	m.entries[key] = v
	return v, nil
}

// Len returns the number of entries.
func (m *Memo[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Drain removes and returns every value. Used when the owner shuts down.
func (m *Memo[K, V]) Drain() []V {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]V, 0, len(m.entries))
	for k, v := range m.entries {
		out = append(out, v)
		delete(m.entries, k)
	}
	return out
}

// Stats returns current statistics.
func (m *Memo[K, V]) Stats() Stats {
	hits, misses := m.hits.Load(), m.misses.Load()
	return Stats{
		Len:     m.Len(),
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}
