package rhi

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/software"
)

// testWindow is a gpucontext.WindowProvider with a settable size.
type testWindow struct {
	w, h    atomic.Int32
	redraws atomic.Int32
}

func newTestWindow(w, h int) *testWindow {
	win := &testWindow{}
	win.resize(w, h)
	return win
}

func (w *testWindow) resize(width, height int) {
	w.w.Store(int32(width))
	w.h.Store(int32(height))
}

func (w *testWindow) Size() (int, int)     { return int(w.w.Load()), int(w.h.Load()) }
func (w *testWindow) ScaleFactor() float64 { return 1 }
func (w *testWindow) RequestRedraw()       { w.redraws.Add(1) }

// openWindowed opens a software device with a headless surface.
func openWindowed(t *testing.T, win *testWindow) *Device {
	t.Helper()
	return openDevice(t, BackendSoftware, WithWindow(win), WithSurfaceHandles(0, 0))
}

func TestSwapchainFormat(t *testing.T) {
	d := openWindowed(t, newTestWindow(64, 32))
	if got := d.SurfaceFormat(); got != gputypes.TextureFormatBGRA8Unorm {
		t.Errorf("SurfaceFormat() = %v, want BGRA8Unorm", got)
	}

	bb, err := d.AcquireBackbuffer()
	if err != nil {
		t.Fatalf("AcquireBackbuffer failed: %v", err)
	}
	if !bb.IsBackbuffer() {
		t.Error("IsBackbuffer() = false")
	}
	if got := bb.Size(); got != (Extent{64, 32}) {
		t.Errorf("backbuffer size = %v, want 64x32", got)
	}
	if bb.Sampler() != nil {
		t.Error("backbuffer has a sampler")
	}
	if _, ok := bb.BindlessIndex(); ok {
		t.Error("backbuffer registered in the bindless table")
	}

	again, err := d.AcquireBackbuffer()
	if err != nil {
		t.Fatal(err)
	}
	if again != bb {
		t.Error("second acquire before Display returned a different image")
	}
}

func TestSwapchainClearAndDisplay(t *testing.T) {
	d := openWindowed(t, newTestWindow(16, 16))

	bb, err := d.AcquireBackbuffer()
	if err != nil {
		t.Fatal(err)
	}
	rec := d.NewCommandRecorder()
	record(t, rec, func() {
		if err := rec.BeginRenderPass(bb); err != nil {
			t.Fatal(err)
		}
		rec.ClearColor(Red)
		rec.EndRenderPass()
		rec.ResourceBarrierTexture(bb, LayoutColorAttachment, LayoutPresent)
	})
	receipt, err := d.Submit(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Display(receipt); err != nil {
		t.Fatalf("Display failed: %v", err)
	}

	// The surface reports RGBA regardless of its BGRA storage.
	fb := d.surface.(*software.Surface).GetFramebuffer()
	if len(fb) != 16*16*4 {
		t.Fatalf("framebuffer = %d bytes, want %d", len(fb), 16*16*4)
	}
	if got := fb[:4]; got[0] != 255 || got[1] != 0 || got[2] != 0 || got[3] != 255 {
		t.Errorf("first pixel = %v, want [255 0 0 255]", got)
	}

	if err := receipt.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := bb.RefCount(); got != 0 {
		t.Errorf("presented backbuffer RefCount = %d, want 0", got)
	}

	next, err := d.AcquireBackbuffer()
	if err != nil {
		t.Fatal(err)
	}
	if next == bb {
		t.Error("acquire after Display returned the presented image")
	}
}

func TestDisplayWithoutAcquire(t *testing.T) {
	d := openWindowed(t, newTestWindow(16, 16))
	if err := d.Display(); !errors.Is(err, errNotAcquired) {
		t.Errorf("Display without an acquired backbuffer = %v", err)
	}
}

func TestSwapchainConcurrentAcquireDisplay(t *testing.T) {
	d := openWindowed(t, newTestWindow(16, 16))

	const workers = 8
	got := make([]*Texture, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Go(func() {
			bb, err := d.AcquireBackbuffer()
			if err != nil {
				t.Error(err)
			}
			got[i] = bb
		})
	}
	wg.Wait()
	for i, bb := range got {
		if bb == nil || bb != got[0] {
			t.Fatalf("worker %d acquired %p, want %p", i, bb, got[0])
		}
	}

	var presented, refused atomic.Int32
	for range workers {
		wg.Go(func() {
			switch err := d.Display(); {
			case err == nil:
				presented.Add(1)
			case errors.Is(err, errNotAcquired):
				refused.Add(1)
			default:
				t.Error(err)
			}
		})
	}
	wg.Wait()
	if presented.Load() != 1 || refused.Load() != workers-1 {
		t.Errorf("presented %d, refused %d; want 1 and %d", presented.Load(), refused.Load(), workers-1)
	}
}

func TestSwapchainResize(t *testing.T) {
	win := newTestWindow(32, 32)
	d := openWindowed(t, win)

	win.resize(48, 24)
	if err := d.Resize(); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	bb, err := d.AcquireBackbuffer()
	if err != nil {
		t.Fatal(err)
	}
	if got := bb.Size(); got != (Extent{48, 24}) {
		t.Errorf("backbuffer size after Resize = %v, want 48x24", got)
	}

	// A minimized window has no area to configure.
	win.resize(0, 0)
	if err := d.Resize(); err == nil {
		t.Error("Resize to zero area succeeded")
	}
}

func TestHeadlessHasNoSurface(t *testing.T) {
	d := openDevice(t, BackendSoftware)
	if _, err := d.AcquireBackbuffer(); !errors.Is(err, ErrNoSurface) {
		t.Errorf("AcquireBackbuffer = %v, want ErrNoSurface", err)
	}
	if err := d.Resize(); !errors.Is(err, ErrNoSurface) {
		t.Errorf("Resize = %v, want ErrNoSurface", err)
	}
	if err := d.Display(); !errors.Is(err, ErrNoSurface) {
		t.Errorf("Display = %v, want ErrNoSurface", err)
	}
}
