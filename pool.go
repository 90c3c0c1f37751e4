package rhi

import (
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// encoderPool recycles command encoders across recordings. Encoders keep
// their native allocators (command pools, command allocators) between
// uses; an encoder returns to the pool only after the GPU has finished the
// command buffer it produced and ResetAll has run.
//
// The pool replaces per-thread command pools: any goroutine may take any
// encoder, and a recording keeps its encoder until reclaimed.
type encoderPool struct {
	mu    sync.Mutex
	free  []hal.CommandEncoder
	raw   hal.Device
	label string

	created int
}

func newEncoderPool(raw hal.Device, label string) *encoderPool {
	return &encoderPool{raw: raw, label: label}
}

// poolManagedSetter is implemented by HAL encoders that behave differently
// when their lifetime is managed by a pool (Vulkan).
type poolManagedSetter interface {
	SetPoolManaged(managed bool)
}

// acquire returns an idle encoder, creating one when the pool is empty.
func (p *encoderPool) acquire() (hal.CommandEncoder, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		enc := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return enc, nil
	}
	p.created++
	p.mu.Unlock()

	enc, err := p.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: p.label})
	if err != nil {
		return nil, fmt.Errorf("%w: command encoder: %w", ErrResourceCreate, err)
	}
	if setter, ok := enc.(poolManagedSetter); ok {
		setter.SetPoolManaged(true)
	}
	return enc, nil
}

// release returns an encoder whose command buffers have been reset.
func (p *encoderPool) release(enc hal.CommandEncoder) {
	p.mu.Lock()
	p.free = append(p.free, enc)
	p.mu.Unlock()
}

// stats returns the number of idle encoders and the number ever created.
func (p *encoderPool) stats() (idle, created int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.created
}

func (p *encoderPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, enc := range p.free {
		enc.Destroy()
	}
	p.free = nil
}
