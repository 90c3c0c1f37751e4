package rhi

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/gogpu/wgpu/hal/software"
)

// openDevice opens a device on the named built-in backend and closes it
// when the test ends.
func openDevice(t *testing.T, backend string, opts ...Option) *Device {
	t.Helper()
	d, err := Open(append([]Option{WithBackend(backend)}, opts...)...)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", backend, err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return d
}

// openHAL opens a HAL device on api and returns it with its queue.
func openHAL(t *testing.T, api hal.Backend) (hal.Device, hal.Queue) {
	t.Helper()
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	t.Cleanup(instance.Destroy)
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("no adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return openDev.Device, openDev.Queue
}

// gatedQueue reports completion only up to gate, so tests control when the
// GPU "finishes" a submission.
type gatedQueue struct {
	hal.Queue
	gate atomic.Uint64
}

func (q *gatedQueue) PollCompleted() uint64 {
	return min(q.Queue.PollCompleted(), q.gate.Load())
}

func (q *gatedQueue) open() { q.gate.Store(^uint64(0)) }

// openGated opens a noop device whose queue completes nothing until the
// gate is opened. The gate is opened before the device closes.
func openGated(t *testing.T, opts ...Option) (*Device, *gatedQueue) {
	t.Helper()
	raw, queue := openHAL(t, noop.API{})
	q := &gatedQueue{Queue: queue}
	d, err := Open(append([]Option{WithHAL(raw, q)}, opts...)...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		q.open()
		if err := d.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return d, q
}

// captureDevice records bind group descriptors passed to the HAL.
type captureDevice struct {
	hal.Device

	mu     sync.Mutex
	groups []*hal.BindGroupDescriptor
}

func (c *captureDevice) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	c.mu.Lock()
	c.groups = append(c.groups, desc)
	c.mu.Unlock()
	return c.Device.CreateBindGroup(desc)
}

// last returns the most recent bind group descriptor with the given label.
func (c *captureDevice) last(label string) *hal.BindGroupDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.groups) - 1; i >= 0; i-- {
		if c.groups[i].Label == label {
			return c.groups[i]
		}
	}
	return nil
}

func TestOpenNoop(t *testing.T) {
	d := openDevice(t, BackendNoop)

	if d.Backend() != BackendNoop {
		t.Errorf("Backend() = %q, want %q", d.Backend(), BackendNoop)
	}
	if d.Raw() == nil {
		t.Error("Raw() = nil")
	}
	if d.Limits().MinUniformBufferOffsetAlignment == 0 {
		t.Error("limits not initialized")
	}
	if got := d.Bindless().Rebuilds; got != 1 {
		t.Errorf("Rebuilds = %d after Open, want 1", got)
	}
	if d.SurfaceFormat() != gputypes.TextureFormatUndefined {
		t.Errorf("SurfaceFormat() = %v on headless device", d.SurfaceFormat())
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(WithBackend("no-such-backend"))
	if !errors.Is(err, ErrInstanceCreate) {
		t.Fatalf("Open error = %v, want ErrInstanceCreate", err)
	}
}

func TestOpenHALNeedsQueue(t *testing.T) {
	raw, _ := openHAL(t, noop.API{})
	_, err := Open(WithHAL(raw, nil))
	if !errors.Is(err, ErrDeviceCreate) {
		t.Fatalf("Open error = %v, want ErrDeviceCreate", err)
	}
	raw.Destroy()
}

func TestAvailableBackendsOrder(t *testing.T) {
	names := AvailableBackends()
	sw := slices.Index(names, BackendSoftware)
	nop := slices.Index(names, BackendNoop)
	if sw < 0 || nop < 0 {
		t.Fatalf("AvailableBackends() = %v, missing built-ins", names)
	}
	if sw > nop {
		t.Errorf("software after noop in %v", names)
	}
	if vk := slices.Index(names, BackendVulkan); vk >= 0 && vk > sw {
		t.Errorf("vulkan after software in %v", names)
	}
}

func TestRegisterBackend(t *testing.T) {
	RegisterBackend("test-noop", func() hal.Backend { return noop.API{} })
	d := openDevice(t, "test-noop")
	if d.Backend() != "test-noop" {
		t.Errorf("Backend() = %q, want test-noop", d.Backend())
	}
	if !slices.Contains(AvailableBackends(), "test-noop") {
		t.Error("registered backend not listed")
	}
}

func TestPickAdapter(t *testing.T) {
	adapters := []hal.ExposedAdapter{
		{Info: gputypes.AdapterInfo{Name: "cpu", DeviceType: gputypes.DeviceTypeCPU}},
		{Info: gputypes.AdapterInfo{Name: "igpu", DeviceType: gputypes.DeviceTypeIntegratedGPU}},
		{Info: gputypes.AdapterInfo{Name: "dgpu", DeviceType: gputypes.DeviceTypeDiscreteGPU}},
	}
	tests := []struct {
		pref AdapterPreference
		want string
	}{
		{PreferHighPerformance, "dgpu"},
		{PreferLowPower, "igpu"},
	}
	for _, tt := range tests {
		if got := pickAdapter(adapters, tt.pref).Info.Name; got != tt.want {
			t.Errorf("pickAdapter(%v) = %q, want %q", tt.pref, got, tt.want)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d, err := Open(WithBackend(BackendNoop))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	buf, err := d.CreateBuffer(gputypes.BufferUsageStorage, MemoryDeviceLocal, 64)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// Releasing after Close must not touch the destroyed device.
	buf.Release()

	if _, err := d.CreateBuffer(0, MemoryHostVisible, 16); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateBuffer after Close = %v, want ErrDeviceClosed", err)
	}
	if err := d.UpdateBindless(); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("UpdateBindless after Close = %v, want ErrDeviceClosed", err)
	}
	if err := d.NewCommandRecorder().Begin(); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Begin after Close = %v, want ErrDeviceClosed", err)
	}
}

func TestMemoryBudget(t *testing.T) {
	d := openDevice(t, BackendNoop, WithMemoryBudget(4096))

	base := d.MemoryStats().UsedBytes
	buf, err := d.CreateBuffer(0, MemoryHostVisible, 1024)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	if got := d.MemoryStats().UsedBytes; got != base+1024 {
		t.Errorf("UsedBytes = %d, want %d", got, base+1024)
	}

	_, err = d.CreateBuffer(0, MemoryHostVisible, 4096)
	if !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Fatalf("over-budget error = %v, want ErrMemoryBudgetExceeded", err)
	}
	if !errors.Is(err, ErrResourceCreate) {
		t.Errorf("over-budget error %v does not wrap ErrResourceCreate", err)
	}

	buf.Release()
	if got := d.MemoryStats().UsedBytes; got != base {
		t.Errorf("UsedBytes after Release = %d, want %d", got, base)
	}
}

func TestCreateBufferZeroSize(t *testing.T) {
	d := openDevice(t, BackendNoop)
	if _, err := d.CreateBuffer(0, MemoryHostVisible, 0); !errors.Is(err, ErrResourceCreate) {
		t.Errorf("zero-size buffer error = %v, want ErrResourceCreate", err)
	}
}

func TestCreateTextureValidation(t *testing.T) {
	d := openDevice(t, BackendNoop)
	tests := []struct {
		name string
		desc TextureDescription
	}{
		{"zero width", TextureDescription{Format: gputypes.TextureFormatRGBA8Unorm, Height: 4}},
		{"no format", TextureDescription{Width: 4, Height: 4}},
		{"host visible", TextureDescription{
			Format: gputypes.TextureFormatRGBA8Unorm, Width: 4, Height: 4, Memory: MemoryHostVisible,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.CreateTexture(tt.desc); !errors.Is(err, ErrResourceCreate) {
				t.Errorf("CreateTexture error = %v, want ErrResourceCreate", err)
			}
		})
	}
}

func TestHostVisibleReadWrite(t *testing.T) {
	d := openDevice(t, BackendNoop)
	buf, err := d.CreateBuffer(0, MemoryHostVisible, 16)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer buf.Release()

	if err := buf.Write(4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := make([]byte, 4)
	if err := buf.Read(4, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !slices.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("Read = %v", got)
	}
	if err := buf.Write(14, []byte{1, 2, 3, 4}); err == nil {
		t.Error("Write past the end succeeded")
	}

	local, err := d.CreateBuffer(0, MemoryDeviceLocal, 16)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer local.Release()
	if err := local.Write(0, []byte{1}); err == nil {
		t.Error("Write to device-local buffer succeeded")
	}
}

func TestDeviceProvider(t *testing.T) {
	d := openDevice(t, BackendSoftware)

	var p gpucontext.DeviceProvider = d
	if p.Device() == nil || p.Queue() == nil {
		t.Fatal("provider returned nil device or queue")
	}
	if p.Adapter() == nil {
		t.Error("Adapter() = nil for an enumerated adapter")
	}
	info := p.AdapterInfo()
	if info.Type != gpucontext.AdapterTypeSoftware {
		t.Errorf("AdapterInfo().Type = %v, want Software", info.Type)
	}
	if info.Name == "" {
		t.Error("AdapterInfo().Name is empty")
	}
}

func TestDeviceProviderHAL(t *testing.T) {
	raw, queue := openHAL(t, software.API{})
	d, err := Open(WithHAL(raw, queue))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	if d.Backend() != "hal" {
		t.Errorf("Backend() = %q, want hal", d.Backend())
	}
	if d.Adapter() != nil {
		t.Error("Adapter() != nil for a WithHAL device")
	}
	if got := d.AdapterInfo().Type; got != gpucontext.AdapterTypeUnknown {
		t.Errorf("AdapterInfo().Type = %v, want Unknown", got)
	}
}
