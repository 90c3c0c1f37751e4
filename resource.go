package rhi

import (
	"fmt"
	"sync/atomic"
)

// Kind identifies the type of a Resource.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindTexture
	KindSampler
	KindPipeline
	KindRenderPass
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	case KindSampler:
		return "sampler"
	case KindPipeline:
		return "pipeline"
	case KindRenderPass:
		return "render pass"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Resource is implemented by *Buffer, *Texture, *Sampler, *Pipeline and
// *RenderPass. The set is closed; switch on Kind and type-assert to reach
// the concrete type.
type Resource interface {
	Kind() Kind
	Label() string

	// Retain adds an owner.
	Retain()

	// Release drops an owner. The native object is destroyed when the last
	// owner releases it.
	Release()

	resource() *refCounted
}

// refCounted carries the shared ownership state embedded in every
// resource. The creator holds the first reference.
type refCounted struct {
	kind    Kind
	label   string
	refs    atomic.Int32
	destroy func()
}

func (r *refCounted) init(kind Kind, label string, destroy func()) {
	r.kind = kind
	r.label = label
	r.destroy = destroy
	r.refs.Store(1)
}

func (r *refCounted) resource() *refCounted { return r }

// Kind returns the resource kind.
func (r *refCounted) Kind() Kind { return r.kind }

// Label returns the debug label.
func (r *refCounted) Label() string { return r.label }

// Retain adds an owner. Retaining a destroyed resource panics.
func (r *refCounted) Retain() {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("rhi: Retain on destroyed %s %q", r.kind, r.label))
	}
}

// Release drops an owner and destroys the native object with the last one.
// Releasing more times than retained panics.
func (r *refCounted) Release() {
	n := r.refs.Add(-1)
	switch {
	case n == 0:
		slogger().Debug("rhi: destroy", "kind", r.kind, "label", r.label)
		if r.destroy != nil {
			r.destroy()
		}
	case n < 0:
		panic(fmt.Sprintf("rhi: Release on destroyed %s %q", r.kind, r.label))
	}
}

// RefCount returns the current number of owners.
func (r *refCounted) RefCount() int32 { return r.refs.Load() }

// Color is a linear RGBA color with components in [0, 1].
type Color struct {
	R, G, B, A float64
}

// Common colors.
var (
	Black       = Color{0, 0, 0, 1}
	White       = Color{1, 1, 1, 1}
	Red         = Color{1, 0, 0, 1}
	Green       = Color{0, 1, 0, 1}
	Blue        = Color{0, 0, 1, 1}
	Transparent = Color{0, 0, 0, 0}
)

// Extent is a width/height pair in texels.
type Extent struct {
	Width, Height uint32
}
