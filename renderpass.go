package rhi

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
)

// MaxColorAttachments is the maximum number of color attachments of a
// render pass.
const MaxColorAttachments = 8

// passKey is the structural signature of a render pass: the ordered color
// formats plus the depth format.
type passKey struct {
	colors [MaxColorAttachments]gputypes.TextureFormat
	n      uint8
	depth  gputypes.TextureFormat
}

func makePassKey(colors []gputypes.TextureFormat, depth gputypes.TextureFormat) passKey {
	if len(colors) > MaxColorAttachments {
		panic(fmt.Sprintf("rhi: %d color attachments, max %d", len(colors), MaxColorAttachments))
	}
	k := passKey{n: uint8(len(colors)), depth: depth}
	copy(k.colors[:], colors)
	return k
}

// RenderPass describes the attachment formats a pipeline renders into.
// Render passes are cached: equal ordered format lists return the
// identical *RenderPass.
type RenderPass struct {
	refCounted

	colors []gputypes.TextureFormat
	depth  gputypes.TextureFormat
}

// ColorFormats returns the color attachment formats in order.
func (p *RenderPass) ColorFormats() []gputypes.TextureFormat {
	return slices.Clone(p.colors)
}

// DepthFormat returns the depth/stencil format, or TextureFormatUndefined.
func (p *RenderPass) DepthFormat() gputypes.TextureFormat { return p.depth }

// HasDepth reports whether the pass has a depth/stencil attachment.
func (p *RenderPass) HasDepth() bool { return p.depth != gputypes.TextureFormatUndefined }

// CreateRenderPass returns the render pass for the ordered color formats
// and optional depth format (TextureFormatUndefined for none). The caller
// owns one reference; the device cache keeps the pass alive until Close.
func (d *Device) CreateRenderPass(colorFormats []gputypes.TextureFormat, depthFormat gputypes.TextureFormat) (*RenderPass, error) {
	p, err := d.getOrCreateRenderPass(colorFormats, depthFormat)
	if err != nil {
		return nil, err
	}
	p.Retain()
	return p, nil
}

// getOrCreateRenderPass returns the cached pass without adding an owner.
func (d *Device) getOrCreateRenderPass(colorFormats []gputypes.TextureFormat, depthFormat gputypes.TextureFormat) (*RenderPass, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	for i, f := range colorFormats {
		if f == gputypes.TextureFormatUndefined || f.IsDepthStencil() {
			return nil, fmt.Errorf("%w: color attachment %d has format %v", ErrRenderPassCreate, i, f)
		}
	}
	if depthFormat != gputypes.TextureFormatUndefined && !depthFormat.IsDepthStencil() {
		return nil, fmt.Errorf("%w: depth attachment has format %v", ErrRenderPassCreate, depthFormat)
	}
	if len(colorFormats) > MaxColorAttachments {
		return nil, fmt.Errorf("%w: %d color attachments, max %d",
			ErrRenderPassCreate, len(colorFormats), MaxColorAttachments)
	}

	return d.renderPasses.GetOrCreate(makePassKey(colorFormats, depthFormat), func(k passKey) (*RenderPass, error) {
		p := &RenderPass{
			colors: slices.Clone(k.colors[:k.n]),
			depth:  k.depth,
		}
		p.init(KindRenderPass, "render pass", nil)
		slogger().Debug("rhi: render pass created", "colors", p.colors, "depth", p.depth)
		return p, nil
	})
}

// RenderPassCacheStats returns render pass cache statistics.
func (d *Device) RenderPassCacheStats() CacheStats {
	return d.renderPasses.Stats()
}

// splitAttachments separates color attachments from the depth/stencil one.
func splitAttachments(attachments []*Texture) (colors []*Texture, depth *Texture) {
	for _, a := range attachments {
		if a.Format().IsDepthStencil() {
			if depth != nil {
				panic("rhi: more than one depth/stencil attachment")
			}
			depth = a
			continue
		}
		colors = append(colors, a)
	}
	return colors, depth
}
