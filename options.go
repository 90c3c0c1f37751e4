package rhi

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/pushconst"
)

// Default bindless table capacities.
const (
	DefaultBufferSlots  = 64
	DefaultTextureSlots = 128
	DefaultSamplerSlots = 16
)

// MaxBindlessSlots is the largest table capacity. Slot indices travel in
// 16 bits of a push constant word.
const MaxBindlessSlots = pushconst.MaxIndex + 1

// AdapterPreference selects between adapters when several are exposed.
type AdapterPreference uint8

const (
	// PreferHighPerformance picks a discrete GPU, then an integrated one.
	PreferHighPerformance AdapterPreference = iota

	// PreferLowPower picks an integrated GPU, then a discrete one.
	PreferLowPower
)

// Option configures a Device during Open.
//
// Example:
//
//	// Headless software device
//	dev, err := rhi.Open(rhi.WithBackend(rhi.BackendSoftware))
//
//	// Windowed device with a bigger texture table
//	dev, err := rhi.Open(
//		rhi.WithWindow(win),
//		rhi.WithSurfaceHandles(display, window),
//		rhi.WithBindlessCapacity(256, 4096, 64),
//	)
type Option func(*options)

// options holds configuration for Device creation.
type options struct {
	backend    string
	preference AdapterPreference

	window        gpucontext.WindowProvider
	displayHandle uintptr
	windowHandle  uintptr
	wantSurface   bool
	presentMode   gputypes.PresentMode

	bufferSlots  int
	textureSlots int
	samplerSlots int
	slotReuse    bool

	memoryBudget uint64
	label        string

	halDevice hal.Device
	halQueue  hal.Queue
}

// defaultOptions returns the default device options.
func defaultOptions() options {
	return options{
		preference:   PreferHighPerformance,
		presentMode:  gputypes.PresentModeFifo,
		bufferSlots:  DefaultBufferSlots,
		textureSlots: DefaultTextureSlots,
		samplerSlots: DefaultSamplerSlots,
		slotReuse:    true,
		label:        "rhi",
	}
}

// WithBackend forces a single backend by name (BackendVulkan,
// BackendSoftware, BackendNoop or a name added with RegisterBackend).
// Without it, backends are tried in priority order.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithAdapterPreference sets how adapters are ranked.
func WithAdapterPreference(p AdapterPreference) Option {
	return func(o *options) {
		o.preference = p
	}
}

// WithWindow sets the window whose size drives swapchain configuration.
// Without a window, the swapchain is never resized.
func WithWindow(w gpucontext.WindowProvider) Option {
	return func(o *options) {
		o.window = w
	}
}

// WithSurfaceHandles requests a presentation surface for the given native
// display and window handles. Zero handles create a headless surface on
// backends that support one.
func WithSurfaceHandles(display, window uintptr) Option {
	return func(o *options) {
		o.displayHandle = display
		o.windowHandle = window
		o.wantSurface = true
	}
}

// WithPresentMode sets the swapchain present mode. Default: Fifo.
func WithPresentMode(m gputypes.PresentMode) Option {
	return func(o *options) {
		o.presentMode = m
	}
}

// WithBindlessCapacity sets the number of buffer, texture and sampler slots.
// Non-positive values keep the defaults. Open fails if any exceeds
// MaxBindlessSlots.
func WithBindlessCapacity(buffers, textures, samplers int) Option {
	return func(o *options) {
		if buffers > 0 {
			o.bufferSlots = buffers
		}
		if textures > 0 {
			o.textureSlots = textures
		}
		if samplers > 0 {
			o.samplerSlots = samplers
		}
	}
}

// WithSlotReuse controls whether freed bindless slots are reused once the
// GPU has finished all work submitted before the free. With reuse off,
// every registration takes a fresh slot. Default: on.
func WithSlotReuse(enabled bool) Option {
	return func(o *options) {
		o.slotReuse = enabled
	}
}

// WithMemoryBudget caps the bytes of buffer and texture memory the device
// may allocate. Zero means unlimited.
func WithMemoryBudget(bytes uint64) Option {
	return func(o *options) {
		o.memoryBudget = bytes
	}
}

// WithLabel sets the debug label prefix for native objects.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithHAL wraps an already opened HAL device and queue instead of creating
// an instance. The Device takes ownership and destroys them on Close.
// A device opened this way has no surface.
func WithHAL(device hal.Device, queue hal.Queue) Option {
	return func(o *options) {
		o.halDevice = device
		o.halQueue = queue
	}
}

// validate reports option values Open cannot honor.
func (o *options) validate() error {
	for _, c := range []struct {
		table string
		slots int
	}{
		{"buffer", o.bufferSlots},
		{"texture", o.textureSlots},
		{"sampler", o.samplerSlots},
	} {
		if c.slots > MaxBindlessSlots {
			return fmt.Errorf("%w: %d %s slots exceed the maximum of %d",
				ErrDeviceCreate, c.slots, c.table, MaxBindlessSlots)
		}
	}
	return nil
}
