package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/cache"
	"github.com/gogpu/rhi/internal/bindless"
)

// SamplerDescription describes a texture sampler. The zero value is a
// clamp-to-edge sampler with linear filtering.
type SamplerDescription struct {
	AddressU, AddressV, AddressW gputypes.AddressMode

	MinFilter, MagFilter, MipmapFilter gputypes.FilterMode

	// Compare enables depth comparison when not CompareFunctionUndefined.
	Compare gputypes.CompareFunction

	// Anisotropy is the maximum anisotropy; 0 and 1 disable it.
	Anisotropy uint16
}

func (s SamplerDescription) normalized() SamplerDescription {
	for _, m := range []*gputypes.AddressMode{&s.AddressU, &s.AddressV, &s.AddressW} {
		if *m == gputypes.AddressModeUndefined {
			*m = gputypes.AddressModeClampToEdge
		}
	}
	for _, f := range []*gputypes.FilterMode{&s.MinFilter, &s.MagFilter, &s.MipmapFilter} {
		if *f == gputypes.FilterModeUndefined {
			*f = gputypes.FilterModeLinear
		}
	}
	if s.Anisotropy == 0 {
		s.Anisotropy = 1
	}
	return s
}

func hashSampler(s SamplerDescription) uint64 {
	return cache.Uint32sHasher(
		uint32(s.AddressU), uint32(s.AddressV), uint32(s.AddressW),
		uint32(s.MinFilter), uint32(s.MagFilter), uint32(s.MipmapFilter),
		uint32(s.Compare), uint32(s.Anisotropy),
	)
}

// Sampler is a texture sampler registered in the bindless sampler table.
//
// Samplers are deduplicated: equal descriptions share one native sampler
// and one slot while any owner holds it.
type Sampler struct {
	refCounted

	dev  *Device
	raw  hal.Sampler
	desc SamplerDescription

	slot       bindless.Handle
	registered bool
}

// Description returns the normalized description.
func (s *Sampler) Description() SamplerDescription { return s.desc }

// Raw returns the underlying HAL sampler.
func (s *Sampler) Raw() hal.Sampler { return s.raw }

// BindlessIndex returns the bindless sampler table index.
func (s *Sampler) BindlessIndex() uint32 { return s.slot.Index }

// CreateSampler returns a sampler for desc. The caller owns one reference.
func (d *Device) CreateSampler(desc SamplerDescription) (*Sampler, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	desc = desc.normalized()
	create := func(desc SamplerDescription) (*Sampler, error) {
		return d.createSampler("sampler", desc, true)
	}
	for {
		// The cache owns the first reference and releases it on eviction.
		s, err := d.samplers.GetOrCreate(desc, create)
		if err != nil {
			return nil, err
		}
		// An entry evicted after the lookup may already be destroyed; the
		// next lookup creates a fresh one.
		if s.tryRetain() {
			return s, nil
		}
	}
}

func (d *Device) createSampler(label string, desc SamplerDescription, register bool) (*Sampler, error) {
	raw, err := d.raw.CreateSampler(&hal.SamplerDescriptor{
		Label:        d.label(label),
		AddressModeU: desc.AddressU,
		AddressModeV: desc.AddressV,
		AddressModeW: desc.AddressW,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MipmapFilter,
		LodMinClamp:  0,
		LodMaxClamp:  32,
		Compare:      desc.Compare,
		Anisotropy:   desc.Anisotropy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sampler: %w", ErrResourceCreate, err)
	}

	s := &Sampler{dev: d, raw: raw, desc: desc}
	s.init(KindSampler, label, s.destroy)
	if register {
		h, err := d.bindless.samplers.Register(s)
		if err != nil {
			d.raw.DestroySampler(raw)
			return nil, fmt.Errorf("%w: sampler: %w", ErrResourceCreate, err)
		}
		s.slot, s.registered = h, true
	}
	return s, nil
}

// tryRetain adds an owner unless the sampler is already destroyed.
func (s *Sampler) tryRetain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Sampler) destroy() {
	d := s.dev
	if d.gone.Load() {
		return
	}
	native := func() { d.raw.DestroySampler(s.raw) }
	if !s.registered {
		native()
		return
	}
	d.bindless.retire(func(serial uint64) { d.bindless.samplers.Free(s.slot, serial) }, native)
}
