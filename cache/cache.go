// Package cache provides the memoizing caches used by the device: an
// append-only Memo for objects keyed by a structural signature (render
// passes, pipeline layouts) and a sharded LRU for deduplicated objects that
// may be dropped and recreated (samplers).
package cache

import (
	"encoding/binary"
	"hash/fnv"
)

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int

	// Capacity is the maximum number of entries, or 0 when unbounded.
	Capacity int

	// Hits is the number of lookups served from the cache.
	Hits uint64

	// Misses is the number of lookups that created a new entry.
	Misses uint64

	// HitRate is Hits / (Hits + Misses), or 0 before the first lookup.
	HitRate float64

	// Evictions is the number of entries dropped to respect Capacity.
	Evictions uint64
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Hasher computes a hash for a key. Used by Sharded for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes the FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Uint32sHasher computes the FNV-1a hash of a sequence of 32-bit words.
// Structural keys made of enum values hash through it.
func Uint32sHasher(words ...uint32) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, w := range words {
		binary.LittleEndian.PutUint32(buf[:], w)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Uint64Hasher returns the key itself as the hash (identity hash).
func Uint64Hasher(u uint64) uint64 {
	return u
}
