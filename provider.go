package rhi

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

var _ gpucontext.DeviceProvider = (*Device)(nil)

// Device returns the HAL device, so a *Device can be handed to libraries
// that accept a gpucontext.DeviceProvider.
func (d *Device) Device() gpucontext.Device { return d.raw }

// Queue returns the HAL queue. Callers that submit through it directly
// bypass receipt tracking.
func (d *Device) Queue() gpucontext.Queue { return d.queue }

// SurfaceFormat returns the swapchain format, or TextureFormatUndefined for
// a headless device.
func (d *Device) SurfaceFormat() gputypes.TextureFormat {
	if d.swapchain == nil {
		return gputypes.TextureFormatUndefined
	}
	return d.swapchain.config.Format
}

// Adapter returns the HAL adapter, or nil for devices opened WithHAL.
func (d *Device) Adapter() gpucontext.Adapter {
	if d.adapter == nil {
		return nil
	}
	return d.adapter
}

// AdapterInfo returns the adapter name and type.
func (d *Device) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: d.info.Name, Type: adapterType(d.info.DeviceType)}
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}
