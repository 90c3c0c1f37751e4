// Package barrier holds the closed set of texture layout transitions the
// recorder may emit and their translation to native usage transitions.
package barrier

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Layout is the access state of a texture's memory.
type Layout uint8

const (
	// Undefined discards previous contents.
	Undefined Layout = iota
	// TransferDst is the destination of copy commands.
	TransferDst
	// ShaderReadOnly is sampled by shaders.
	ShaderReadOnly
	// ColorAttachment is rendered to as a color target.
	ColorAttachment
	// DepthAttachment is rendered to as a depth/stencil target.
	DepthAttachment
	// Present is owned by the presentation engine.
	Present
)

var layoutNames = [...]string{
	Undefined:       "Undefined",
	TransferDst:     "TransferDst",
	ShaderReadOnly:  "ShaderReadOnly",
	ColorAttachment: "ColorAttachment",
	DepthAttachment: "DepthAttachment",
	Present:         "Present",
}

// String returns the layout name.
func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

// usage maps a layout to the native texture usage it corresponds to.
// Present has no native usage: the presentation transition is performed by
// the backend when the surface texture is presented.
func (l Layout) usage() gputypes.TextureUsage {
	switch l {
	case TransferDst:
		return gputypes.TextureUsageCopyDst
	case ShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case ColorAttachment, DepthAttachment:
		return gputypes.TextureUsageRenderAttachment
	default:
		return 0
	}
}

type pair struct{ old, next Layout }

// legal enumerates every transition the recorder supports.
var legal = map[pair]struct{}{
	{Undefined, TransferDst}:          {},
	{TransferDst, ShaderReadOnly}:     {},
	{ColorAttachment, ShaderReadOnly}: {},
	{ColorAttachment, Present}:        {},
	{Undefined, Present}:              {},
	{Undefined, DepthAttachment}:      {},
	{Undefined, ColorAttachment}:      {},
}

// Allowed reports whether old -> new is a supported transition.
func Allowed(old, next Layout) bool {
	_, ok := legal[pair{old, next}]
	return ok
}

// Transition builds the native barrier for old -> new on tex.
// The second result is false when the transition needs no native command
// (transitions into Present). Unsupported pairs panic: a wrong layout
// silently corrupts rendering, so it is never treated as recoverable.
func Transition(tex hal.Texture, format gputypes.TextureFormat, old, next Layout) (hal.TextureBarrier, bool) {
	if !Allowed(old, next) {
		panic(fmt.Sprintf("barrier: unsupported layout transition %s -> %s", old, next))
	}
	if next == Present {
		return hal.TextureBarrier{}, false
	}
	aspect := gputypes.TextureAspectAll
	if next == DepthAttachment && format.HasDepth() && !format.HasStencil() {
		aspect = gputypes.TextureAspectDepthOnly
	}
	return hal.TextureBarrier{
		Texture: tex,
		Range:   hal.TextureRange{Aspect: aspect},
		Usage: hal.TextureUsageTransition{
			OldUsage: old.usage(),
			NewUsage: next.usage(),
		},
	}, true
}
