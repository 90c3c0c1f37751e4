package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

const (
	// DefaultShardCount is the number of shards for reduced lock contention.
	// Must be a power of 2 for fast modulo via bitwise AND.
	DefaultShardCount = 16

	// DefaultCapacity is the default maximum entries per shard.
	DefaultCapacity = 64

	shardMask = DefaultShardCount - 1
)

// Sharded is a thread-safe, sharded LRU cache.
//
// Entries evicted to respect the per-shard capacity, removed with Delete, or
// dropped by Clear are passed to the eviction callback, which lets values
// that own resources release them.
//
// Values the pinned predicate reports as in use are never evicted; a shard
// whose entries are all pinned grows past its capacity until they unpin.
type Sharded[K comparable, V any] struct {
	shards   [DefaultShardCount]*shard[K, V]
	hasher   Hasher[K]
	capacity int // per shard
	onEvict  func(K, V)
	pinned   func(V) bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*list.Element
	lru     *list.List // front = most recently used
}

type shardEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewSharded creates a sharded LRU with capacity entries per shard.
// If capacity <= 0, DefaultCapacity is used. onEvict may be nil.
func NewSharded[K comparable, V any](capacity int, hasher Hasher[K], onEvict func(K, V)) *Sharded[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Sharded[K, V]{
		hasher:   hasher,
		capacity: capacity,
		onEvict:  onEvict,
	}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{
			entries: make(map[K]*list.Element),
			lru:     list.New(),
		}
	}
	return c
}

// SetPinned installs the predicate that exempts values from eviction. It
// runs with the shard locked. Call it before the cache is shared.
func (c *Sharded[K, V]) SetPinned(pinned func(V) bool) {
	c.pinned = pinned
}

func (c *Sharded[K, V]) shardFor(key K) *shard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// Get returns the value for key and marks it recently used.
func (c *Sharded[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	s.lru.MoveToFront(el)
	v := el.Value.(*shardEntry[K, V]).value
	s.mu.Unlock()
	c.hits.Add(1)
	return v, true
}

// GetOrCreate returns the cached value or creates it. create runs with the
// shard locked so concurrent misses on one key create once. Evicted entries
// are reported after the lock is released.
func (c *Sharded[K, V]) GetOrCreate(key K, create func(K) (V, error)) (V, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		s.lru.MoveToFront(el)
		v := el.Value.(*shardEntry[K, V]).value
		s.mu.Unlock()
		c.hits.Add(1)
		return v, nil
	}

	v, err := create(key)
	if err != nil {
		s.mu.Unlock()
		var zero V
		return zero, err
	}
	c.misses.Add(1)

	var evicted []*shardEntry[K, V]
	for el := s.lru.Back(); el != nil && s.lru.Len() >= c.capacity; {
		prev := el.Prev()
		if e := el.Value.(*shardEntry[K, V]); c.pinned == nil || !c.pinned(e.value) {
			s.lru.Remove(el)
			delete(s.entries, e.key)
			evicted = append(evicted, e)
		}
		el = prev
	}
	s.entries[key] = s.lru.PushFront(&shardEntry[K, V]{key: key, value: v})
	s.mu.Unlock()

	c.evictions.Add(uint64(len(evicted)))
	c.notify(evicted)
	return v, nil
}

// Delete removes key and reports it to the eviction callback.
func (c *Sharded[K, V]) Delete(key K) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := s.lru.Remove(el).(*shardEntry[K, V])
	delete(s.entries, key)
	s.mu.Unlock()

	c.notify([]*shardEntry[K, V]{e})
	return true
}

// Clear removes every entry, reporting each to the eviction callback.
func (c *Sharded[K, V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		var dropped []*shardEntry[K, V]
		for el := s.lru.Front(); el != nil; el = el.Next() {
			dropped = append(dropped, el.Value.(*shardEntry[K, V]))
		}
		s.entries = make(map[K]*list.Element)
		s.lru.Init()
		s.mu.Unlock()
		c.notify(dropped)
	}
}

func (c *Sharded[K, V]) notify(entries []*shardEntry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range entries {
		c.onEvict(e.key, e.value)
	}
}

// Len returns the total number of entries across all shards.
func (c *Sharded[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Stats returns current cache statistics.
func (c *Sharded[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Len:       c.Len(),
		Capacity:  c.capacity * DefaultShardCount,
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate(hits, misses),
		Evictions: c.evictions.Load(),
	}
}
