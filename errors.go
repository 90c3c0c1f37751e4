package rhi

import (
	"errors"
	"fmt"
)

// Creation errors. Failures are returned wrapped with the underlying HAL
// error, so both errors.Is(err, ErrResourceCreate) and errors.Is against
// the HAL sentinel succeed.
var (
	// ErrInstanceCreate is returned when no backend could create an instance
	// (driver library missing or incompatible).
	ErrInstanceCreate = errors.New("rhi: instance creation failed")

	// ErrDeviceCreate is returned when no adapter satisfies the device
	// requirements or opening the logical device fails.
	ErrDeviceCreate = errors.New("rhi: device creation failed")

	// ErrResourceCreate is returned when a buffer, texture, sampler or view
	// cannot be created.
	ErrResourceCreate = errors.New("rhi: resource creation failed")

	// ErrPipelineCreate is returned when a shader module, pipeline layout or
	// render pipeline cannot be created. It wraps ErrResourceCreate.
	ErrPipelineCreate = fmt.Errorf("%w: pipeline", ErrResourceCreate)

	// ErrRenderPassCreate is returned when a render pass cannot be created.
	// It wraps ErrResourceCreate.
	ErrRenderPassCreate = fmt.Errorf("%w: render pass", ErrResourceCreate)
)

// Usage errors.
var (
	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("rhi: device closed")

	// ErrNoSurface is returned by AcquireBackbuffer and Display on a device
	// opened without a window surface.
	ErrNoSurface = errors.New("rhi: device has no surface")

	// ErrForeignReceipt is returned when a receipt from another device is
	// passed as a wait dependency.
	ErrForeignReceipt = errors.New("rhi: receipt belongs to another device")

	// ErrMemoryBudgetExceeded is returned when an allocation would exceed
	// the budget set with WithMemoryBudget. It is wrapped in
	// ErrResourceCreate.
	ErrMemoryBudgetExceeded = errors.New("rhi: memory budget exceeded")
)
