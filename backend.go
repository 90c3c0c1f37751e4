package rhi

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/gogpu/wgpu/hal/software"
)

// Backend names.
const (
	// BackendVulkan is the hardware Vulkan backend.
	BackendVulkan = "vulkan"

	// BackendSoftware is the CPU rasterizer. It executes copies and clears
	// immediately and supports headless surfaces.
	BackendSoftware = "software"

	// BackendNoop accepts every call and renders nothing. Useful for
	// lifetime and ordering tests.
	BackendNoop = "noop"
)

// backendPriority is the selection order when no backend is forced.
// Vulkan > Software > Noop (hardware first, noop never renders).
var backendPriority = []string{BackendVulkan, BackendSoftware, BackendNoop}

var backends = gpucontext.NewRegistry[hal.Backend](
	gpucontext.WithPriority(backendPriority...),
)

func init() {
	backends.Register(BackendSoftware, func() hal.Backend { return software.API{} })
	backends.Register(BackendNoop, func() hal.Backend { return noop.API{} })
}

// RegisterBackend registers a HAL backend under name. Registered names are
// tried after the built-in ones unless forced with WithBackend.
// If a backend with the same name is already registered, it is replaced.
func RegisterBackend(name string, factory func() hal.Backend) {
	backends.Register(name, factory)
}

// AvailableBackends returns registered backend names in selection order.
func AvailableBackends() []string {
	names := backends.Available()
	slices.SortFunc(names, func(a, b string) int {
		pa, pb := priorityOf(a), priorityOf(b)
		if pa != pb {
			return pa - pb
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return names
}

func priorityOf(name string) int {
	if i := slices.Index(backendPriority, name); i >= 0 {
		return i
	}
	return len(backendPriority)
}

// opened is the result of bringing up one backend.
type opened struct {
	backend  string
	instance hal.Instance
	surface  hal.Surface
	adapter  hal.ExposedAdapter
	device   hal.Device
	queue    hal.Queue
}

// openBackend tries each candidate backend until one yields a device.
// Instance failures fall through to the next backend; when every backend
// fails the error is ErrInstanceCreate if no instance could be created at
// all and ErrDeviceCreate otherwise.
func openBackend(o *options) (*opened, error) {
	candidates := AvailableBackends()
	if o.backend != "" {
		if !backends.Has(o.backend) {
			return nil, fmt.Errorf("%w: backend %q not registered", ErrInstanceCreate, o.backend)
		}
		candidates = []string{o.backend}
	}

	var (
		instanceErrs []error
		deviceErrs   []error
	)
	for _, name := range candidates {
		b := backends.Get(name)
		if b == nil {
			continue
		}
		res, instErr, devErr := tryBackend(name, b, o)
		if res != nil {
			return res, nil
		}
		if instErr != nil {
			slogger().Warn("rhi: backend unavailable", "backend", name, "error", instErr)
			instanceErrs = append(instanceErrs, instErr)
		}
		if devErr != nil {
			slogger().Warn("rhi: no usable device", "backend", name, "error", devErr)
			deviceErrs = append(deviceErrs, devErr)
		}
	}

	if len(deviceErrs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrDeviceCreate, errors.Join(deviceErrs...))
	}
	if len(instanceErrs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInstanceCreate, errors.Join(instanceErrs...))
	}
	return nil, fmt.Errorf("%w: no backends registered", ErrInstanceCreate)
}

func tryBackend(name string, b hal.Backend, o *options) (res *opened, instErr, devErr error) {
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%s: create instance: %w", name, err), nil
	}

	var surface hal.Surface
	if o.wantSurface {
		surface, err = instance.CreateSurface(o.displayHandle, o.windowHandle)
		if err != nil {
			instance.Destroy()
			return nil, nil, fmt.Errorf("%s: create surface: %w", name, err)
		}
	}

	adapters := instance.EnumerateAdapters(surface)
	if len(adapters) == 0 {
		destroySurface(surface, instance)
		return nil, nil, fmt.Errorf("%s: no GPU adapters found", name)
	}
	selected := pickAdapter(adapters, o.preference)

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		destroySurface(surface, instance)
		return nil, nil, fmt.Errorf("%s: open device: %w", name, err)
	}

	slogger().Info("rhi: adapter selected",
		"backend", name,
		"adapter", selected.Info.Name,
		"type", selected.Info.DeviceType)

	return &opened{
		backend:  name,
		instance: instance,
		surface:  surface,
		adapter:  selected,
		device:   openDev.Device,
		queue:    openDev.Queue,
	}, nil, nil
}

func destroySurface(surface hal.Surface, instance hal.Instance) {
	if surface != nil {
		surface.Destroy()
	}
	instance.Destroy()
}

// pickAdapter ranks adapters by preference; ties keep enumeration order.
func pickAdapter(adapters []hal.ExposedAdapter, pref AdapterPreference) hal.ExposedAdapter {
	rank := func(t gputypes.DeviceType) int {
		switch t {
		case gputypes.DeviceTypeDiscreteGPU:
			if pref == PreferLowPower {
				return 1
			}
			return 0
		case gputypes.DeviceTypeIntegratedGPU:
			if pref == PreferLowPower {
				return 0
			}
			return 1
		case gputypes.DeviceTypeVirtualGPU:
			return 2
		default:
			return 3
		}
	}
	best := 0
	for i := 1; i < len(adapters); i++ {
		if rank(adapters[i].Info.DeviceType) < rank(adapters[best].Info.DeviceType) {
			best = i
		}
	}
	return adapters[best]
}
