// Package bindless implements the slot tables behind the bindless descriptor
// arrays.
//
// Each table is a fixed-capacity array of slots. A slot holds a non-owning
// (weak) reference to a resource together with a generation counter. Holding
// a slot never keeps the resource alive; owners free the slot when the
// resource is destroyed, which bumps the generation so stale handles resolve
// to nothing instead of to whatever later occupies the slot.
//
// Freed slots are not handed out again until all GPU work submitted before
// the free has completed. Shaders read slots by index at execution time, so
// reusing an index earlier could let in-flight work see a different
// resource.
package bindless

import (
	"errors"
	"fmt"
	"sync"
	"weak"
)

// ErrTableFull is returned by Register when every slot is occupied or
// waiting for reuse.
var ErrTableFull = errors.New("bindless: table full")

// Handle identifies one occupancy of a slot.
type Handle struct {
	Index uint32
	Gen   uint32
}

// String returns the handle as index@generation.
func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.Index, h.Gen)
}

// Config configures a Table.
type Config struct {
	// Capacity is the number of slots. Must be positive.
	Capacity int

	// Reuse enables handing out freed slots again once the work that could
	// still observe them has completed. When false every Register appends.
	Reuse bool
}

// Stats is a point-in-time view of a table.
type Stats struct {
	Capacity  int
	HighWater int // slots ever handed out
	Live      int // occupied slots
	Free      int // slots ready for reuse
	Retired   int // freed slots waiting for GPU completion
}

type slot[T any] struct {
	ref      weak.Pointer[T]
	gen      uint32
	occupied bool
}

type retiredSlot struct {
	index  uint32
	serial uint64
}

// Table is a generation-counted slot array of weak references to T.
// Table is safe for concurrent use.
type Table[T any] struct {
	mu       sync.Mutex
	slots    []slot[T]
	capacity int
	reuse    bool
	free     []uint32
	retired  []retiredSlot
	live     int
}

// New creates an empty table.
func New[T any](cfg Config) *Table[T] {
	if cfg.Capacity <= 0 {
		panic(fmt.Sprintf("bindless: invalid capacity %d", cfg.Capacity))
	}
	return &Table[T]{
		slots:    make([]slot[T], 0, cfg.Capacity),
		capacity: cfg.Capacity,
		reuse:    cfg.Reuse,
	}
}

// Register places a weak reference to p in a slot and returns its handle.
func (t *Table[T]) Register(p *T) (Handle, error) {
	if p == nil {
		panic("bindless: register nil resource")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	switch {
	case t.reuse && len(t.free) > 0:
		n := len(t.free)
		index = t.free[n-1]
		t.free = t.free[:n-1]
	case len(t.slots) < t.capacity:
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	default:
		return Handle{}, fmt.Errorf("%w: %d slots", ErrTableFull, t.capacity)
	}

	s := &t.slots[index]
	s.ref = weak.Make(p)
	s.occupied = true
	t.live++
	return Handle{Index: index, Gen: s.gen}, nil
}

// Free releases the slot of h. serial is the last submission that may still
// read the slot; the index becomes reusable after Reclaim observes it.
// Freeing a stale handle is a no-op and reports false.
func (t *Table[T]) Free(h Handle, serial uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(h.Index) >= len(t.slots) {
		return false
	}
	s := &t.slots[h.Index]
	if !s.occupied || s.gen != h.Gen {
		return false
	}
	s.ref = weak.Pointer[T]{}
	s.occupied = false
	s.gen++
	t.live--
	if t.reuse {
		t.retired = append(t.retired, retiredSlot{index: h.Index, serial: serial})
	}
	return true
}

// Reclaim makes every slot retired at or before completed reusable and
// returns how many were reclaimed.
func (t *Table[T]) Reclaim(completed uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	kept := t.retired[:0]
	for _, r := range t.retired {
		if r.serial <= completed {
			t.free = append(t.free, r.index)
			n++
			continue
		}
		kept = append(kept, r)
	}
	t.retired = kept
	return n
}

// Resolve returns the resource behind h, or false when the slot was freed,
// reused, or the resource has been collected.
func (t *Table[T]) Resolve(h Handle) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(h.Index) >= len(t.slots) {
		return nil, false
	}
	s := t.slots[h.Index]
	if !s.occupied || s.gen != h.Gen {
		return nil, false
	}
	p := s.ref.Value()
	return p, p != nil
}

// Each calls fn for every slot below the high-water mark in index order.
// p is nil for slots that do not resolve. fn runs with the table locked and
// must not call back into the table.
func (t *Table[T]) Each(fn func(index uint32, p *T)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		var p *T
		if t.slots[i].occupied {
			p = t.slots[i].ref.Value()
		}
		fn(uint32(i), p)
	}
}

// Capacity returns the number of slots.
func (t *Table[T]) Capacity() int { return t.capacity }

// Stats returns current occupancy counters.
func (t *Table[T]) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Capacity:  t.capacity,
		HighWater: len(t.slots),
		Live:      t.live,
		Free:      len(t.free),
		Retired:   len(t.retired),
	}
}
