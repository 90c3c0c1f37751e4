package rhi

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/bindless"
)

// MemoryType selects where a resource lives.
type MemoryType uint8

const (
	// MemoryDeviceLocal is GPU memory, reachable from the host only through
	// copies.
	MemoryDeviceLocal MemoryType = iota

	// MemoryHostVisible is mappable memory the host can read and write.
	MemoryHostVisible
)

// String returns the memory type name.
func (m MemoryType) String() string {
	switch m {
	case MemoryDeviceLocal:
		return "device-local"
	case MemoryHostVisible:
		return "host-visible"
	default:
		return fmt.Sprintf("MemoryType(%d)", m)
	}
}

// bufferUsage adds the usages implied by the memory type.
func (m MemoryType) bufferUsage(u gputypes.BufferUsage) gputypes.BufferUsage {
	u |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if m == MemoryHostVisible {
		u |= gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite
	}
	return u
}

// Buffer is a linear GPU allocation.
//
// Storage buffers are registered in the bindless buffer table; their slot is
// available through BindlessIndex. Host-visible buffers can be written and
// read directly with Write and Read.
type Buffer struct {
	refCounted

	dev    *Device
	raw    hal.Buffer
	size   uint64
	usage  gputypes.BufferUsage
	memory MemoryType

	slot       bindless.Handle
	registered bool
}

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the effective usage flags, including those implied by the
// memory type.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

// Memory returns the memory type.
func (b *Buffer) Memory() MemoryType { return b.memory }

// Raw returns the underlying HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// BindlessIndex returns the bindless table index, or false for buffers
// that are not shader-visible.
func (b *Buffer) BindlessIndex() (uint32, bool) {
	return b.slot.Index, b.registered
}

// Write copies data into a host-visible buffer at offset.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	dst, unmap, err := b.mapRange(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	defer unmap()
	copy(dst, data)
	return nil
}

// Read copies len(dst) bytes starting at offset out of a host-visible
// buffer. Callers must wait for any GPU work writing the buffer first.
func (b *Buffer) Read(offset uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	src, unmap, err := b.mapRange(offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	defer unmap()
	copy(dst, src)
	return nil
}

func (b *Buffer) mapRange(offset, size uint64) ([]byte, func(), error) {
	if b.memory != MemoryHostVisible {
		return nil, nil, fmt.Errorf("rhi: buffer %q is not host-visible", b.label)
	}
	if offset+size > b.size {
		return nil, nil, fmt.Errorf("rhi: range [%d, %d) outside buffer %q of %d bytes",
			offset, offset+size, b.label, b.size)
	}
	m, err := b.dev.raw.MapBuffer(b.raw, offset, size)
	if err != nil {
		return nil, nil, fmt.Errorf("rhi: map buffer %q: %w", b.label, err)
	}
	unmap := func() {
		if err := b.dev.raw.UnmapBuffer(b.raw); err != nil {
			slogger().Warn("rhi: unmap buffer", "label", b.label, "error", err)
		}
	}
	return unsafe.Slice((*byte)(m.Ptr), size), unmap, nil
}

// CreateBuffer creates a buffer of size bytes.
//
// MemoryHostVisible buffers get MapRead|MapWrite|CopySrc|CopyDst added to
// usage; MemoryDeviceLocal buffers get CopySrc|CopyDst. Buffers with
// Storage usage are registered in the bindless buffer table.
func (d *Device) CreateBuffer(usage gputypes.BufferUsage, mem MemoryType, size uint64) (*Buffer, error) {
	return d.createBuffer("buffer", usage, mem, size, true)
}

func (d *Device) createBuffer(label string, usage gputypes.BufferUsage, mem MemoryType, size uint64, register bool) (*Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrResourceCreate, label)
	}
	if err := d.memory.reserve(KindBuffer, size); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceCreate, err)
	}

	usage = mem.bufferUsage(usage)
	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label: d.label(label),
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		d.memory.free(KindBuffer, size)
		return nil, fmt.Errorf("%w: buffer %q: %w", ErrResourceCreate, label, err)
	}

	b := &Buffer{dev: d, raw: raw, size: size, usage: usage, memory: mem}
	b.init(KindBuffer, label, b.destroy)

	if register && usage&gputypes.BufferUsageStorage != 0 {
		h, err := d.bindless.buffers.Register(b)
		if err != nil {
			d.raw.DestroyBuffer(raw)
			d.memory.free(KindBuffer, size)
			return nil, fmt.Errorf("%w: buffer %q: %w", ErrResourceCreate, label, err)
		}
		b.slot, b.registered = h, true
	}

	slogger().Debug("rhi: buffer created",
		"label", label, "size", size, "memory", mem, "slot", b.slot, "bindless", b.registered)
	return b, nil
}

func (b *Buffer) destroy() {
	d := b.dev
	if d.gone.Load() {
		return
	}
	native := func() {
		d.raw.DestroyBuffer(b.raw)
		d.memory.free(KindBuffer, b.size)
	}
	if !b.registered {
		native()
		return
	}
	d.bindless.retire(func(serial uint64) { d.bindless.buffers.Free(b.slot, serial) }, native)
}
