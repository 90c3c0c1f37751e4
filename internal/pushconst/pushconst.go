// Package pushconst packs bindless references into the small per-draw constant
// block that shaders read instead of per-draw descriptor bindings.
//
// A block is at most MaxSize bytes and is made of 32-bit slots. Buffer
// constants occupy one slot holding (bindless index << 16) | element index;
// textures and samplers occupy one slot holding the bare bindless index.
package pushconst

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// MaxSize is the largest block a pipeline may declare, in bytes.
const MaxSize = 128

// SlotSize is the size of one packed reference.
const SlotSize = 4

// MaxIndex is the largest bindless index or element index a slot can carry.
const MaxIndex = 0xFFFF

// Layout errors.
var (
	// ErrMisaligned is returned when a slot offset is not 4-byte aligned.
	ErrMisaligned = errors.New("pushconst: slot offset not 4-byte aligned")

	// ErrOutOfRange is returned when a slot does not fit in the declared block.
	ErrOutOfRange = errors.New("pushconst: slot outside block")

	// ErrOverlap is returned when two named slots share an offset.
	ErrOverlap = errors.New("pushconst: slots overlap")
)

// PackBuffer encodes a buffer constant reference.
// Element indices wider than 16 bits are truncated; a bindless index wider
// than 16 bits cannot be addressed by shaders and panics.
func PackBuffer(index, element uint32) uint32 {
	if index > MaxIndex {
		panic(fmt.Sprintf("pushconst: bindless index %d exceeds 16 bits", index))
	}
	return index<<16 | element&MaxIndex
}

// UnpackBuffer is the inverse of PackBuffer.
func UnpackBuffer(v uint32) (index, element uint32) {
	return v >> 16, v & MaxIndex
}

// PackIndex encodes a texture or sampler reference.
func PackIndex(index uint32) uint32 {
	if index > MaxIndex {
		panic(fmt.Sprintf("pushconst: bindless index %d exceeds 16 bits", index))
	}
	return index
}

// SlotKind says what a named slot refers to.
type SlotKind uint8

const (
	// SlotConstants is a buffer constant: bindless buffer index plus element.
	SlotConstants SlotKind = iota
	// SlotTexture is a bindless texture index.
	SlotTexture
	// SlotSampler is a bindless sampler index.
	SlotSampler
)

// String returns the slot kind name.
func (k SlotKind) String() string {
	switch k {
	case SlotConstants:
		return "constants"
	case SlotTexture:
		return "texture"
	case SlotSampler:
		return "sampler"
	default:
		return fmt.Sprintf("SlotKind(%d)", uint8(k))
	}
}

// Slot is one named entry of a layout.
type Slot struct {
	Name   string
	Offset uint32
	Kind   SlotKind
}

// Layout maps names to slot offsets inside a block of Size bytes.
// A Layout is immutable after creation and safe for concurrent use.
type Layout struct {
	size  uint32
	slots map[string]Slot
}

// NewLayout validates slots against size and builds a layout.
// A size above MaxSize is a programming error and panics.
func NewLayout(size uint32, slots []Slot) (*Layout, error) {
	if size > MaxSize {
		panic(fmt.Sprintf("pushconst: block of %d bytes exceeds %d", size, MaxSize))
	}
	l := &Layout{size: size, slots: make(map[string]Slot, len(slots))}
	used := make(map[uint32]string, len(slots))
	for _, s := range slots {
		if s.Offset%SlotSize != 0 {
			return nil, fmt.Errorf("%w: %q at %d", ErrMisaligned, s.Name, s.Offset)
		}
		if s.Offset+SlotSize > size {
			return nil, fmt.Errorf("%w: %q at %d, block is %d bytes", ErrOutOfRange, s.Name, s.Offset, size)
		}
		if other, ok := used[s.Offset]; ok {
			return nil, fmt.Errorf("%w: %q and %q at %d", ErrOverlap, other, s.Name, s.Offset)
		}
		used[s.Offset] = s.Name
		l.slots[s.Name] = s
	}
	return l, nil
}

// Size returns the declared block size in bytes.
func (l *Layout) Size() uint32 { return l.size }

// Lookup returns the slot registered under name.
func (l *Layout) Lookup(name string) (Slot, bool) {
	s, ok := l.slots[name]
	return s, ok
}

// Slots returns all slots ordered by offset.
func (l *Layout) Slots() []Slot {
	out := make([]Slot, 0, len(l.slots))
	for _, s := range l.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Block is the staging copy of one draw's constants.
// The zero value is an empty block; it is not safe for concurrent use.
type Block struct {
	data [MaxSize]byte
	size uint32
}

// Reset clears the block and sizes it to size bytes.
func (b *Block) Reset(size uint32) {
	if size > MaxSize {
		panic(fmt.Sprintf("pushconst: block of %d bytes exceeds %d", size, MaxSize))
	}
	b.data = [MaxSize]byte{}
	b.size = size
}

// Put stores v in the slot at offset.
func (b *Block) Put(offset, v uint32) {
	if offset+SlotSize > b.size {
		panic(fmt.Sprintf("pushconst: write at %d outside %d-byte block", offset, b.size))
	}
	binary.LittleEndian.PutUint32(b.data[offset:], v)
}

// Get returns the slot value at offset.
func (b *Block) Get(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(b.data[offset:])
}

// Size returns the current block size.
func (b *Block) Size() uint32 { return b.size }

// Bytes returns the staged bytes. The slice aliases the block.
func (b *Block) Bytes() []byte { return b.data[:b.size] }
