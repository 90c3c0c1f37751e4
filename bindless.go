package rhi

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/bindless"
)

// Bind group indices shared by every pipeline layout.
const (
	groupBuffers   = 0
	groupTextures  = 1
	groupSamplers  = 2
	groupConstants = 3
)

// BindlessStats reports occupancy of the three bindless tables.
type BindlessStats struct {
	Buffers  bindless.Stats
	Textures bindless.Stats
	Samplers bindless.Stats

	// Rebuilds counts UpdateBindless calls that produced new bind groups.
	Rebuilds uint64

	// PendingDestroys counts native objects whose destruction waits for the
	// bind groups that reference them to retire.
	PendingDestroys int
}

// groupSet is one immutable generation of the three bindless bind groups.
// Recordings that bind it hold a reference; the set is destroyed once it is
// no longer current and the last recording has completed.
type groupSet struct {
	gen    uint64
	groups [3]hal.BindGroup
	refs   int // guarded by bindlessSet.mu
}

// grave is a native destruction deferred until every bind group set that
// may reference the object has been destroyed.
type grave struct {
	gen     uint64
	destroy func()
}

// bindlessSet owns the bindless tables, their bind group layouts and the
// current bind groups.
type bindlessSet struct {
	dev *Device

	buffers  *bindless.Table[Buffer]
	textures *bindless.Table[Texture]
	samplers *bindless.Table[Sampler]

	layouts [3]hal.BindGroupLayout

	nullBuffer  *Buffer
	nullTexture *Texture
	nullSampler *Sampler

	mu       sync.Mutex
	current  *groupSet
	live     []*groupSet // ordered by gen, current last
	graves   []grave
	nextGen  uint64
	rebuilds uint64
}

func newBindlessSet(d *Device, o *options) *bindlessSet {
	return &bindlessSet{
		dev:      d,
		buffers:  bindless.New[Buffer](bindless.Config{Capacity: o.bufferSlots, Reuse: o.slotReuse}),
		textures: bindless.New[Texture](bindless.Config{Capacity: o.textureSlots, Reuse: o.slotReuse}),
		samplers: bindless.New[Sampler](bindless.Config{Capacity: o.samplerSlots, Reuse: o.slotReuse}),
	}
}

// init creates the bind group layouts and the null resources, then builds
// the first bind group set.
func (s *bindlessSet) init() error {
	d := s.dev
	tables := [3]struct {
		name  string
		count int
		entry func(binding uint32) gputypes.BindGroupLayoutEntry
	}{
		{"bindless buffers", s.buffers.Capacity(), func(b uint32) gputypes.BindGroupLayoutEntry {
			return gputypes.BindGroupLayoutEntry{
				Binding:    b,
				Visibility: gputypes.ShaderStagesVertexFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			}
		}},
		{"bindless textures", s.textures.Capacity(), func(b uint32) gputypes.BindGroupLayoutEntry {
			return gputypes.BindGroupLayoutEntry{
				Binding:    b,
				Visibility: gputypes.ShaderStagesVertexFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			}
		}},
		{"bindless samplers", s.samplers.Capacity(), func(b uint32) gputypes.BindGroupLayoutEntry {
			return gputypes.BindGroupLayoutEntry{
				Binding:    b,
				Visibility: gputypes.ShaderStagesVertexFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			}
		}},
	}
	for i, t := range tables {
		entries := make([]gputypes.BindGroupLayoutEntry, t.count)
		for b := range entries {
			entries[b] = t.entry(uint32(b))
		}
		layout, err := d.raw.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   d.label(t.name),
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("%w: %s layout: %w", ErrDeviceCreate, t.name, err)
		}
		s.layouts[i] = layout
	}

	var err error
	if s.nullBuffer, err = d.createBuffer("null buffer", gputypes.BufferUsageStorage, MemoryDeviceLocal, 256, false); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceCreate, err)
	}
	if s.nullSampler, err = d.createSampler("null sampler", SamplerDescription{}.normalized(), false); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceCreate, err)
	}
	if s.nullTexture, err = d.createTexture(TextureDescription{
		Label:  "null texture",
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Width:  1, Height: 1, Depth: 1,
	}, false); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceCreate, err)
	}
	if err := d.WriteTexture(s.nullTexture, []byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceCreate, err)
	}

	return s.rebuild()
}

// rebuild writes every slot, substituting the null resource for slots that
// are free, stale or collected, and makes the result current.
func (s *bindlessSet) rebuild() error {
	d := s.dev
	var due []func()
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		runAll(due)
	}()

	var entries [3][]gputypes.BindGroupEntry

	nullBuf := gputypes.BufferBinding{Buffer: s.nullBuffer.raw.NativeHandle(), Size: s.nullBuffer.size}
	entries[groupBuffers] = fill(s.buffers.Capacity(), gputypes.BindingResource(nullBuf))
	s.buffers.Each(func(i uint32, b *Buffer) {
		if b != nil {
			entries[groupBuffers][i].Resource = gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Size: b.size}
		}
	})

	nullView := gputypes.TextureViewBinding{TextureView: s.nullTexture.view.NativeHandle()}
	entries[groupTextures] = fill(s.textures.Capacity(), gputypes.BindingResource(nullView))
	s.textures.Each(func(i uint32, t *Texture) {
		if t != nil {
			entries[groupTextures][i].Resource = gputypes.TextureViewBinding{TextureView: t.view.NativeHandle()}
		}
	})

	nullSampler := gputypes.SamplerBinding{Sampler: s.nullSampler.raw.NativeHandle()}
	entries[groupSamplers] = fill(s.samplers.Capacity(), gputypes.BindingResource(nullSampler))
	s.samplers.Each(func(i uint32, sm *Sampler) {
		if sm != nil {
			entries[groupSamplers][i].Resource = gputypes.SamplerBinding{Sampler: sm.raw.NativeHandle()}
		}
	})

	set := &groupSet{gen: s.nextGen, refs: 1}
	names := [3]string{"bindless buffers", "bindless textures", "bindless samplers"}
	for i := range set.groups {
		g, err := d.raw.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   d.label(names[i]),
			Layout:  s.layouts[i],
			Entries: entries[i],
		})
		if err != nil {
			for _, created := range set.groups[:i] {
				d.raw.DestroyBindGroup(created)
			}
			return fmt.Errorf("%w: %s: %w", ErrResourceCreate, names[i], err)
		}
		set.groups[i] = g
	}
	s.nextGen++
	s.rebuilds++

	old := s.current
	s.current = set
	s.live = append(s.live, set)
	if old != nil {
		due = s.releaseLocked(old)
	}
	slogger().Debug("rhi: bindless rebuilt",
		"generation", set.gen,
		"buffers", s.buffers.Stats().HighWater,
		"textures", s.textures.Stats().HighWater,
		"samplers", s.samplers.Stats().HighWater)
	return nil
}

func fill(n int, r gputypes.BindingResource) []gputypes.BindGroupEntry {
	out := make([]gputypes.BindGroupEntry, n)
	for i := range out {
		out[i] = gputypes.BindGroupEntry{Binding: uint32(i), Resource: r}
	}
	return out
}

// acquireNewer returns last unchanged when it is still current, otherwise
// the current set with an added reference.
func (s *bindlessSet) acquireNewer(last *groupSet) *groupSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == last {
		return last
	}
	s.current.refs++
	return s.current
}

// release drops a reference taken by acquireNewer.
func (s *bindlessSet) release(set *groupSet) {
	s.mu.Lock()
	due := s.releaseLocked(set)
	s.mu.Unlock()
	runAll(due)
}

// releaseLocked drops a reference and returns the deferred destructions
// that became due. Callers run them after unlocking: destroying a texture
// releases its sampler, which re-enters retire.
func (s *bindlessSet) releaseLocked(set *groupSet) []func() {
	set.refs--
	if set.refs > 0 {
		return nil
	}
	if set.refs < 0 {
		panic(fmt.Sprintf("rhi: bindless generation %d released twice", set.gen))
	}
	for _, g := range set.groups {
		s.dev.raw.DestroyBindGroup(g)
	}
	for i, l := range s.live {
		if l == set {
			s.live = append(s.live[:i], s.live[i+1:]...)
			break
		}
	}
	return s.dueLocked()
}

// retire frees a slot and defers the native destruction until no live bind
// group set can still reference the object.
func (s *bindlessSet) retire(free func(serial uint64), destroy func()) {
	serial := s.dev.lastSerial.Load()
	s.mu.Lock()
	free(serial)
	gen := uint64(0)
	if s.current != nil {
		gen = s.current.gen
	}
	s.graves = append(s.graves, grave{gen: gen, destroy: destroy})
	due := s.dueLocked()
	s.mu.Unlock()
	runAll(due)
}

// dueLocked removes and returns every deferred destruction older than the
// oldest live set.
func (s *bindlessSet) dueLocked() []func() {
	oldest := s.nextGen
	if len(s.live) > 0 {
		oldest = s.live[0].gen
	}
	var due []func()
	kept := s.graves[:0]
	for _, g := range s.graves {
		if g.gen < oldest {
			due = append(due, g.destroy)
			continue
		}
		kept = append(kept, g)
	}
	clear(s.graves[len(kept):])
	s.graves = kept
	return due
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// reclaim makes slots freed before completed reusable.
func (s *bindlessSet) reclaim(completed uint64) {
	s.buffers.Reclaim(completed)
	s.textures.Reclaim(completed)
	s.samplers.Reclaim(completed)
}

func (s *bindlessSet) stats() BindlessStats {
	s.mu.Lock()
	rebuilds, pending := s.rebuilds, len(s.graves)
	s.mu.Unlock()
	return BindlessStats{
		Buffers:         s.buffers.Stats(),
		Textures:        s.textures.Stats(),
		Samplers:        s.samplers.Stats(),
		Rebuilds:        rebuilds,
		PendingDestroys: pending,
	}
}

// destroy tears everything down. Called from Device.Close after the queue
// is idle.
func (s *bindlessSet) destroy() {
	s.mu.Lock()
	for _, set := range s.live {
		for _, g := range set.groups {
			s.dev.raw.DestroyBindGroup(g)
		}
	}
	s.live = nil
	s.current = nil
	s.nextGen++
	graves := s.graves
	s.graves = nil
	s.mu.Unlock()

	for _, g := range graves {
		g.destroy()
	}
	if s.nullBuffer != nil {
		s.nullBuffer.Release()
	}
	if s.nullTexture != nil {
		s.nullTexture.Release()
	}
	if s.nullSampler != nil {
		s.nullSampler.Release()
	}
	for _, l := range s.layouts {
		if l != nil {
			s.dev.raw.DestroyBindGroupLayout(l)
		}
	}
}
