package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/bindless"
)

// TextureDescription describes a texture and the sampler it is read with.
type TextureDescription struct {
	Label string
	Usage gputypes.TextureUsage

	// Memory must be MemoryDeviceLocal. Textures are filled through
	// WriteTexture or buffer copies, never mapped.
	Memory MemoryType

	Format gputypes.TextureFormat

	Width, Height uint32

	// Depth is the depth or array layer count. Zero is treated as 1.
	Depth uint32

	// Wrap applies to all three address modes of the texture's sampler.
	Wrap gputypes.AddressMode

	MinFilter, MagFilter gputypes.FilterMode
}

// Texture is a GPU image with a default view and a sampler built from its
// wrap and filter settings.
//
// Textures with TextureBinding usage are registered in the bindless texture
// table, and their sampler in the sampler table.
type Texture struct {
	refCounted

	dev     *Device
	raw     hal.Texture
	view    hal.TextureView
	sampler *Sampler
	desc    TextureDescription

	slot       bindless.Handle
	registered bool

	// backbuffer textures belong to the swapchain; their native texture is
	// never destroyed by the recorder.
	backbuffer bool
}

// Format returns the texel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.desc.Format }

// Size returns width and height in texels.
func (t *Texture) Size() Extent { return Extent{t.desc.Width, t.desc.Height} }

// Depth returns the depth or array layer count.
func (t *Texture) Depth() uint32 { return t.desc.Depth }

// Usage returns the usage flags.
func (t *Texture) Usage() gputypes.TextureUsage { return t.desc.Usage }

// Description returns the description the texture was created with.
func (t *Texture) Description() TextureDescription { return t.desc }

// Raw returns the underlying HAL texture.
func (t *Texture) Raw() hal.Texture { return t.raw }

// View returns the default texture view.
func (t *Texture) View() hal.TextureView { return t.view }

// Sampler returns the texture's sampler, or nil for backbuffers.
func (t *Texture) Sampler() *Sampler { return t.sampler }

// BindlessIndex returns the bindless texture table index, or false for
// textures that are not shader-visible.
func (t *Texture) BindlessIndex() (uint32, bool) {
	return t.slot.Index, t.registered
}

// IsBackbuffer reports whether the texture is a swapchain image.
func (t *Texture) IsBackbuffer() bool { return t.backbuffer }

func (t *Texture) byteSize() uint64 {
	return uint64(t.desc.Width) * uint64(t.desc.Height) * uint64(t.desc.Depth) * bytesPerTexel(t.desc.Format)
}

// CreateTexture creates a texture, its default view and its sampler.
func (d *Device) CreateTexture(desc TextureDescription) (*Texture, error) {
	if desc.Label == "" {
		desc.Label = "texture"
	}
	return d.createTexture(desc, true)
}

func (d *Device) createTexture(desc TextureDescription, register bool) (*Texture, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc.Depth == 0 {
		desc.Depth = 1
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: texture %q has zero size %dx%d",
			ErrResourceCreate, desc.Label, desc.Width, desc.Height)
	}
	if desc.Format == gputypes.TextureFormatUndefined {
		return nil, fmt.Errorf("%w: texture %q has no format", ErrResourceCreate, desc.Label)
	}
	if desc.Memory != MemoryDeviceLocal {
		return nil, fmt.Errorf("%w: texture %q: %v memory is not supported for textures",
			ErrResourceCreate, desc.Label, desc.Memory)
	}

	t := &Texture{dev: d, desc: desc}
	size := t.byteSize()
	if err := d.memory.reserve(KindTexture, size); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceCreate, err)
	}

	raw, err := d.raw.CreateTexture(&hal.TextureDescriptor{
		Label:         d.label(desc.Label),
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: desc.Depth},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		d.memory.free(KindTexture, size)
		return nil, fmt.Errorf("%w: texture %q: %w", ErrResourceCreate, desc.Label, err)
	}
	t.raw = raw

	view, err := d.raw.CreateTextureView(raw, &hal.TextureViewDescriptor{
		Label:           d.label(desc.Label + " view"),
		Format:          desc.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		d.raw.DestroyTexture(raw)
		d.memory.free(KindTexture, size)
		return nil, fmt.Errorf("%w: texture %q view: %w", ErrResourceCreate, desc.Label, err)
	}
	t.view = view

	shaderVisible := register && desc.Usage&gputypes.TextureUsageTextureBinding != 0
	if shaderVisible {
		t.sampler, err = d.CreateSampler(SamplerDescription{
			AddressU:  desc.Wrap,
			AddressV:  desc.Wrap,
			AddressW:  desc.Wrap,
			MinFilter: desc.MinFilter,
			MagFilter: desc.MagFilter,
		})
		if err != nil {
			t.destroyNative()
			return nil, err
		}
	}

	t.init(KindTexture, desc.Label, t.destroy)

	if shaderVisible {
		h, err := d.bindless.textures.Register(t)
		if err != nil {
			t.destroyNative()
			return nil, fmt.Errorf("%w: texture %q: %w", ErrResourceCreate, desc.Label, err)
		}
		t.slot, t.registered = h, true
	}

	slogger().Debug("rhi: texture created",
		"label", desc.Label,
		"format", desc.Format,
		"width", desc.Width,
		"height", desc.Height,
		"slot", t.slot,
		"bindless", t.registered)
	return t, nil
}

func (t *Texture) destroyNative() {
	d := t.dev
	d.raw.DestroyTextureView(t.view)
	d.raw.DestroyTexture(t.raw)
	d.memory.free(KindTexture, t.byteSize())
	if t.sampler != nil {
		t.sampler.Release()
	}
}

func (t *Texture) destroy() {
	d := t.dev
	if d.gone.Load() {
		return
	}
	switch {
	case t.backbuffer:
		// The swapchain owns the image; only the view belongs to us.
		d.raw.DestroyTextureView(t.view)
	case t.registered:
		d.bindless.retire(func(serial uint64) { d.bindless.textures.Free(t.slot, serial) }, t.destroyNative)
	default:
		t.destroyNative()
	}
}

// WriteTexture uploads tightly packed texel data covering the whole first
// layer of t.
func (d *Device) WriteTexture(t *Texture, data []byte) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	bpt := bytesPerTexel(t.desc.Format)
	want := uint64(t.desc.Width) * uint64(t.desc.Height) * bpt
	if uint64(len(data)) < want {
		return fmt.Errorf("rhi: texture %q upload has %d bytes, need %d", t.label, len(data), want)
	}

	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	err := d.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.raw, MipLevel: 0, Aspect: gputypes.TextureAspectAll},
		data,
		&hal.ImageDataLayout{BytesPerRow: t.desc.Width * uint32(bpt), RowsPerImage: t.desc.Height},
		&hal.Extent3D{Width: t.desc.Width, Height: t.desc.Height, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return fmt.Errorf("rhi: write texture %q: %w", t.label, err)
	}
	return nil
}
