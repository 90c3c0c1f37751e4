package rhi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/cache"
	"github.com/gogpu/rhi/internal/pushconst"
	"github.com/gogpu/rhi/internal/work"
)

// CacheStats reports hits, misses and size of a device cache.
type CacheStats = cache.Stats

// WorkStats reports submission counters of a device.
type WorkStats = work.Stats

// Device owns one logical GPU device and its graphics queue. It is the
// factory for every resource and the only place work is submitted.
//
// A Device is safe for concurrent use. Recording happens on
// CommandRecorders, one per goroutine.
type Device struct {
	opts    options
	backend string

	instance hal.Instance
	surface  hal.Surface
	adapter  hal.Adapter
	info     gputypes.AdapterInfo
	limits   gputypes.Limits

	raw   hal.Device
	queue hal.Queue

	// queueMu serializes Submit, WriteBuffer, WriteTexture, Present and
	// PollCompleted on the queue.
	queueMu    sync.Mutex
	lastSerial atomic.Uint64

	work     *work.Queue
	encoders *encoderPool
	arena    *uniformArena

	memory   *memoryTracker
	bindless *bindlessSet

	constantsLayout hal.BindGroupLayout
	pipelineLayouts *cache.Memo[bool, hal.PipelineLayout]
	renderPasses    *cache.Memo[passKey, *RenderPass]
	samplers        *cache.Sharded[SamplerDescription, *Sampler]

	swapchain *swapchain

	recorders atomic.Uint64
	closed    atomic.Bool
	gone      atomic.Bool // native device destroyed
}

// Open creates a Device.
//
// Without options it opens the highest-priority backend that yields a
// device (see AvailableBackends), with no surface and default bindless
// capacities.
func Open(opts ...Option) (*Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	d := &Device{opts: o, limits: gputypes.DefaultLimits()}
	if o.halDevice != nil {
		if o.halQueue == nil {
			return nil, fmt.Errorf("%w: WithHAL needs both a device and a queue", ErrDeviceCreate)
		}
		d.backend = "hal"
		d.raw, d.queue = o.halDevice, o.halQueue
	} else {
		res, err := openBackend(&o)
		if err != nil {
			return nil, err
		}
		d.backend = res.backend
		d.instance = res.instance
		d.surface = res.surface
		d.adapter = res.adapter.Adapter
		d.info = res.adapter.Info
		if l := res.adapter.Capabilities.Limits; l.MinUniformBufferOffsetAlignment != 0 {
			d.limits = l
		}
		d.raw, d.queue = res.device, res.queue
	}

	d.memory = newMemoryTracker(o.memoryBudget)
	d.work = work.NewQueue(queuePoller{d})
	d.encoders = newEncoderPool(d.raw, d.label("recorder"))
	d.renderPasses = cache.NewMemo[passKey, *RenderPass]()
	d.pipelineLayouts = cache.NewMemo[bool, hal.PipelineLayout]()
	d.samplers = cache.NewSharded(max(1, o.samplerSlots/cache.DefaultShardCount), hashSampler,
		func(_ SamplerDescription, s *Sampler) { s.Release() })
	// The cache holds one reference; any other owner keeps the entry.
	d.samplers.SetPinned(func(s *Sampler) bool { return s.RefCount() > 1 })
	d.bindless = newBindlessSet(d, &o)

	if err := d.init(); err != nil {
		d.teardown()
		return nil, err
	}

	slogger().Info("rhi: device opened",
		"backend", d.backend,
		"adapter", d.info.Name,
		"buffers", o.bufferSlots,
		"textures", o.textureSlots,
		"samplers", o.samplerSlots,
		"slotReuse", o.slotReuse)
	return d, nil
}

func (d *Device) init() error {
	layout, err := d.raw.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: d.label("constants"),
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
			Buffer: &gputypes.BufferBindingLayout{
				Type:             gputypes.BufferBindingTypeUniform,
				HasDynamicOffset: true,
				MinBindingSize:   pushconst.MaxSize,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: constants layout: %w", ErrDeviceCreate, err)
	}
	d.constantsLayout = layout
	d.arena = newUniformArena(d, uint64(d.limits.MinUniformBufferOffsetAlignment))

	if err := d.bindless.init(); err != nil {
		return err
	}

	if d.surface != nil {
		d.swapchain = newSwapchain(d)
		if err := d.swapchain.configure(); err != nil && !errors.Is(err, hal.ErrZeroArea) {
			return fmt.Errorf("%w: configure surface: %w", ErrDeviceCreate, err)
		}
	}
	return nil
}

// queuePoller polls the queue under the queue mutex; backends do not make
// PollCompleted safe against a concurrent Submit.
type queuePoller struct{ d *Device }

func (p queuePoller) PollCompleted() uint64 {
	p.d.queueMu.Lock()
	defer p.d.queueMu.Unlock()
	return p.d.queue.PollCompleted()
}

// Close waits for all submitted work, then destroys every object the device
// owns. Resources still held by the caller become inert: releasing them
// after Close does nothing. Close is idempotent.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.waitIdle(context.Background())
	d.teardown()
	slogger().Info("rhi: device closed", "backend", d.backend)
	return err
}

// teardown destroys owned objects in dependency order. It tolerates a
// partially initialized device.
func (d *Device) teardown() {
	d.closed.Store(true)
	if d.swapchain != nil {
		d.swapchain.destroy()
	}
	if d.samplers != nil {
		d.samplers.Clear()
	}
	if d.renderPasses != nil {
		for _, p := range d.renderPasses.Drain() {
			p.Release()
		}
	}
	if d.pipelineLayouts != nil {
		for _, l := range d.pipelineLayouts.Drain() {
			d.raw.DestroyPipelineLayout(l)
		}
	}
	if d.arena != nil {
		d.arena.destroy()
	}
	if d.bindless != nil {
		d.bindless.destroy()
	}
	if d.constantsLayout != nil {
		d.raw.DestroyBindGroupLayout(d.constantsLayout)
	}
	if d.encoders != nil {
		d.encoders.destroy()
	}
	d.gone.Store(true)

	d.raw.Destroy()
	if d.surface != nil {
		d.surface.Destroy()
	}
	if d.adapter != nil {
		d.adapter.Destroy()
	}
	if d.instance != nil {
		d.instance.Destroy()
	}
}

func (d *Device) checkOpen() error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	return nil
}

// label prefixes native object labels with the device label.
func (d *Device) label(s string) string {
	if d.opts.label == "" {
		return s
	}
	return d.opts.label + ": " + s
}

// Backend returns the name of the backend the device was opened on, or
// "hal" for devices opened WithHAL.
func (d *Device) Backend() string { return d.backend }

// Info returns the adapter description. It is the zero value for devices
// opened WithHAL.
func (d *Device) Info() gputypes.AdapterInfo { return d.info }

// Limits returns the device limits.
func (d *Device) Limits() gputypes.Limits { return d.limits }

// Raw returns the underlying HAL device.
func (d *Device) Raw() hal.Device { return d.raw }

// MemoryStats returns buffer and texture memory accounting.
func (d *Device) MemoryStats() MemoryStats { return d.memory.stats() }

// Bindless returns occupancy of the bindless tables.
func (d *Device) Bindless() BindlessStats { return d.bindless.stats() }

// WorkStats returns submission counters.
func (d *Device) WorkStats() WorkStats { return d.work.Stats() }

// UpdateBindless rebuilds the buffer, texture and sampler bind groups from
// the current slots. Slots whose resource is gone are written with the null
// resource of their kind. Call it after creating or releasing shader-visible
// resources and before submitting work that indexes them.
//
// Recordings keep the bind groups they were recorded with; the previous
// generation is destroyed once the last of them completes.
func (d *Device) UpdateBindless() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.bindless.rebuild()
}

// RemoveFinishedWork reclaims every submission the GPU has completed,
// whichever goroutine submitted it: encoders return to the pool, resources
// retained by the recordings are released and freed bindless slots whose
// retire serial completed become reusable. It returns the number of
// submissions reclaimed. Incomplete submissions are never touched.
func (d *Device) RemoveFinishedWork() int {
	n, completed := d.work.RemoveFinished()
	d.bindless.reclaim(completed)
	if n > 0 {
		slogger().Debug("rhi: work reclaimed", "count", n, "completed", completed)
	}
	return n
}

// WaitForIdle blocks until every submission has completed, then reclaims
// all of them.
func (d *Device) WaitForIdle() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.waitIdle(context.Background())
}

func (d *Device) waitIdle(ctx context.Context) error {
	if err := d.raw.WaitIdle(); err != nil {
		return fmt.Errorf("rhi: wait idle: %w", err)
	}
	if err := d.work.WaitAll(ctx); err != nil {
		return fmt.Errorf("rhi: wait idle: %w", err)
	}
	d.RemoveFinishedWork()
	return nil
}

// NewCommandRecorder returns a recorder in the initial state. Call Begin
// before recording.
func (d *Device) NewCommandRecorder() *CommandRecorder {
	n := d.recorders.Add(1)
	return &CommandRecorder{
		dev:   d,
		label: fmt.Sprintf("recorder %d", n),
	}
}

// pipelineLayout returns the shared layout: the three bindless groups,
// plus the constants group when withConstants is set.
func (d *Device) pipelineLayout(withConstants bool) (hal.PipelineLayout, error) {
	return d.pipelineLayouts.GetOrCreate(withConstants, func(withConstants bool) (hal.PipelineLayout, error) {
		groups := []hal.BindGroupLayout{
			d.bindless.layouts[groupBuffers],
			d.bindless.layouts[groupTextures],
			d.bindless.layouts[groupSamplers],
		}
		label := "pipeline layout"
		if withConstants {
			groups = append(groups, d.constantsLayout)
			label = "pipeline layout with constants"
		}
		l, err := d.raw.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            d.label(label),
			BindGroupLayouts: groups,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: layout: %w", ErrPipelineCreate, err)
		}
		return l, nil
	})
}
