package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type formatsKey struct {
	colors [4]uint32
	n      uint8
	depth  uint32
}

func TestMemoReturnsIdenticalValue(t *testing.T) {
	m := NewMemo[formatsKey, *int]()
	created := 0
	create := func(formatsKey) (*int, error) {
		created++
		v := created
		return &v, nil
	}

	k1 := formatsKey{colors: [4]uint32{1, 2}, n: 2}
	k2 := formatsKey{colors: [4]uint32{2, 1}, n: 2}

	a, err := m.GetOrCreate(k1, create)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, _ := m.GetOrCreate(k1, create)
	if a != b {
		t.Error("equal keys returned different values")
	}
	c, _ := m.GetOrCreate(k2, create)
	if c == a {
		t.Error("reordered key returned the same value")
	}
	if created != 2 {
		t.Errorf("create ran %d times, want 2", created)
	}

	s := m.Stats()
	if s.Len != 2 || s.Hits != 1 || s.Misses != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestMemoCreateErrorNotCached(t *testing.T) {
	m := NewMemo[string, int]()
	boom := errors.New("boom")

	if _, err := m.GetOrCreate("k", func(string) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if m.Len() != 0 {
		t.Fatal("failed create was cached")
	}
	v, err := m.GetOrCreate("k", func(string) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("retry = %d, %v", v, err)
	}
}

func TestMemoConcurrentCreateOnce(t *testing.T) {
	m := NewMemo[string, *int]()
	var calls atomic.Int32
	results := make([]*int, 32)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := m.GetOrCreate("shared", func(string) (*int, error) {
				calls.Add(1)
				return new(int), nil
			})
			results[i] = v
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("create ran %d times", calls.Load())
	}
	for _, r := range results[1:] {
		if r != results[0] {
			t.Fatal("goroutines observed different values")
		}
	}
}

func TestMemoDrain(t *testing.T) {
	m := NewMemo[int, int]()
	for i := range 5 {
		_, _ = m.GetOrCreate(i, func(k int) (int, error) { return k * 10, nil })
	}
	vals := m.Drain()
	if len(vals) != 5 {
		t.Errorf("Drain returned %d values", len(vals))
	}
	if m.Len() != 0 {
		t.Errorf("Len after Drain = %d", m.Len())
	}
}

func TestShardedEvictionCallback(t *testing.T) {
	var evicted []int
	// Identity hash on a constant keeps every key in shard 0.
	c := NewSharded[int, int](2, func(int) uint64 { return 0 }, func(k, _ int) {
		evicted = append(evicted, k)
	})
	create := func(k int) (int, error) { return k, nil }

	_, _ = c.GetOrCreate(1, create)
	_, _ = c.GetOrCreate(2, create)
	if _, ok := c.Get(1); !ok { // 1 becomes most recent
		t.Fatal("Get(1) missed")
	}
	_, _ = c.GetOrCreate(3, create)

	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("evicted = %v, want [2]", evicted)
	}
	if _, ok := c.Get(2); ok {
		t.Error("evicted key still cached")
	}

	if !c.Delete(1) {
		t.Error("Delete(1) = false")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
	if len(evicted) != 3 {
		t.Errorf("callback saw %v, want 3 keys", evicted)
	}
	if s := c.Stats(); s.Evictions != 1 || s.Misses != 4 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestShardedPinnedNotEvicted(t *testing.T) {
	var evicted []int
	c := NewSharded[int, int](1, func(int) uint64 { return 0 }, func(k, _ int) {
		evicted = append(evicted, k)
	})
	inUse := map[int]bool{1: true}
	c.SetPinned(func(v int) bool { return inUse[v] })
	create := func(k int) (int, error) { return k, nil }

	_, _ = c.GetOrCreate(1, create)
	_, _ = c.GetOrCreate(2, create) // 1 is pinned, so the shard grows
	if len(evicted) != 0 {
		t.Fatalf("evicted = %v, want none", evicted)
	}
	if _, ok := c.Get(1); !ok {
		t.Fatal("pinned key evicted")
	}

	// 2 is idle and least recently used.
	_, _ = c.GetOrCreate(3, create)
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("evicted = %v, want [2]", evicted)
	}

	inUse[1] = false
	_, _ = c.GetOrCreate(4, create)
	if c.Len() != 1 {
		t.Errorf("Len = %d after unpinning, want 1", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Error("unpinned key survived eviction")
	}
}

func TestHashers(t *testing.T) {
	if StringHasher("a") == StringHasher("b") {
		t.Error("StringHasher collision on a/b")
	}
	if Uint32sHasher(1, 2) == Uint32sHasher(2, 1) {
		t.Error("Uint32sHasher ignores order")
	}
	if Uint64Hasher(9) != 9 {
		t.Error("Uint64Hasher is not identity")
	}
}
