package rhi

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/pushconst"
)

// arenaChunkSize is the size of one uniform arena chunk.
const arenaChunkSize = 64 << 10

// arenaChunk is a uniform buffer carved into per-draw constant blocks.
// The chunk's bind group binds pushconst.MaxSize bytes at a dynamic offset.
type arenaChunk struct {
	buf   hal.Buffer
	group hal.BindGroup
	used  uint64
}

// uniformArena hands out chunks to recordings. Draw constants are written
// into the recording's current chunk and bound with a dynamic offset; the
// chunk returns to the arena when the recording is reclaimed, so a region
// is never rewritten while the GPU may still read it.
type uniformArena struct {
	dev   *Device
	align uint64

	mu      sync.Mutex
	free    []*arenaChunk
	created int
}

func newUniformArena(d *Device, align uint64) *uniformArena {
	if align == 0 {
		align = 256
	}
	return &uniformArena{dev: d, align: align}
}

func (a *uniformArena) acquire() (*arenaChunk, error) {
	a.mu.Lock()
	if n := len(a.free); n > 0 {
		c := a.free[n-1]
		a.free[n-1] = nil
		a.free = a.free[:n-1]
		a.mu.Unlock()
		return c, nil
	}
	a.created++
	a.mu.Unlock()

	d := a.dev
	buf, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label: d.label("constants arena"),
		Size:  arenaChunkSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: constants arena: %w", ErrResourceCreate, err)
	}
	group, err := d.raw.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  d.label("constants arena"),
		Layout: d.constantsLayout,
		Entries: []gputypes.BindGroupEntry{{
			Binding:  0,
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Size: pushconst.MaxSize},
		}},
	})
	if err != nil {
		d.raw.DestroyBuffer(buf)
		return nil, fmt.Errorf("%w: constants arena: %w", ErrResourceCreate, err)
	}
	slogger().Debug("rhi: constants chunk created", "size", arenaChunkSize)
	return &arenaChunk{buf: buf, group: group}, nil
}

func (a *uniformArena) release(c *arenaChunk) {
	c.used = 0
	a.mu.Lock()
	a.free = append(a.free, c)
	a.mu.Unlock()
}

// write stores data in c at the next aligned offset and returns the offset,
// or false when c is full.
func (a *uniformArena) write(c *arenaChunk, data []byte) (uint32, bool, error) {
	off := (c.used + a.align - 1) &^ (a.align - 1)
	if off+pushconst.MaxSize > arenaChunkSize {
		return 0, false, nil
	}
	d := a.dev
	d.queueMu.Lock()
	err := d.queue.WriteBuffer(c.buf, off, data)
	d.queueMu.Unlock()
	if err != nil {
		return 0, false, fmt.Errorf("rhi: write constants: %w", err)
	}
	c.used = off + pushconst.MaxSize
	return uint32(off), true, nil
}

func (a *uniformArena) destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.free {
		a.dev.raw.DestroyBindGroup(c.group)
		a.dev.raw.DestroyBuffer(c.buf)
	}
	a.free = nil
}
