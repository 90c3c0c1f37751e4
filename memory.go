package rhi

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// MemoryStats contains device memory usage statistics.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes, or 0 when unlimited.
	TotalBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// AvailableBytes is the remaining budget, or 0 when unlimited.
	AvailableBytes uint64

	// BufferCount is the number of live buffers.
	BufferCount int

	// TextureCount is the number of live textures, backbuffers excluded.
	TextureCount int

	// Utilization is the fraction of the budget in use (0.0 to 1.0), or 0
	// when unlimited.
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	if s.TotalBytes == 0 {
		return fmt.Sprintf("Memory[%d KB used, %d buffers, %d textures]",
			s.UsedBytes/1024, s.BufferCount, s.TextureCount)
	}
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, %d buffers, %d textures]",
		s.Utilization*100,
		s.UsedBytes/1024,
		s.TotalBytes/1024,
		s.BufferCount,
		s.TextureCount)
}

// memoryTracker accounts allocations against an optional budget.
// It is safe for concurrent use.
type memoryTracker struct {
	mu       sync.Mutex
	budget   uint64
	used     uint64
	buffers  int
	textures int
}

func newMemoryTracker(budget uint64) *memoryTracker {
	return &memoryTracker{budget: budget}
}

// reserve books size bytes for a new resource of kind, or fails with
// ErrMemoryBudgetExceeded.
func (m *memoryTracker) reserve(kind Kind, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.budget > 0 && m.used+size > m.budget {
		return fmt.Errorf("%w: %s of %d bytes with %d/%d in use",
			ErrMemoryBudgetExceeded, kind, size, m.used, m.budget)
	}
	m.used += size
	switch kind {
	case KindBuffer:
		m.buffers++
	case KindTexture:
		m.textures++
	}
	return nil
}

// free returns a reservation made by reserve.
func (m *memoryTracker) free(kind Kind, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.used -= min(size, m.used)
	switch kind {
	case KindBuffer:
		m.buffers--
	case KindTexture:
		m.textures--
	}
}

func (m *memoryTracker) stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MemoryStats{
		TotalBytes:   m.budget,
		UsedBytes:    m.used,
		BufferCount:  m.buffers,
		TextureCount: m.textures,
	}
	if m.budget > 0 {
		s.AvailableBytes = m.budget - min(m.used, m.budget)
		s.Utilization = float64(m.used) / float64(m.budget)
	}
	return s
}

// bytesPerTexel returns the storage size of one texel of format.
// Unknown formats are counted as 4 bytes.
func bytesPerTexel(f gputypes.TextureFormat) uint64 {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 4
	}
}
