package rhi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Swapchain size used when the device has no window provider.
const (
	defaultSurfaceWidth  = 800
	defaultSurfaceHeight = 600
)

// maxAcquireAttempts bounds reconfigure-and-retry loops on stale surfaces.
const maxAcquireAttempts = 3

// swapchain owns the surface configuration and the most recently acquired
// image.
type swapchain struct {
	dev *Device

	mu       sync.Mutex // guards config, current and acquired
	config   hal.SurfaceConfiguration
	current  *Texture
	acquired hal.SurfaceTexture
}

func newSwapchain(d *Device) *swapchain {
	format := gputypes.TextureFormatBGRA8Unorm
	if d.adapter != nil {
		if caps := d.adapter.SurfaceCapabilities(d.surface); caps != nil && len(caps.Formats) > 0 {
			format = caps.Formats[0]
		}
	}
	return &swapchain{
		dev: d,
		config: hal.SurfaceConfiguration{
			Format:      format,
			Usage:       gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
			PresentMode: d.opts.presentMode,
			AlphaMode:   gputypes.CompositeAlphaModeOpaque,
		},
	}
}

// size returns the window size in pixels.
func (s *swapchain) size() (uint32, uint32) {
	w := s.dev.opts.window
	if w == nil {
		return defaultSurfaceWidth, defaultSurfaceHeight
	}
	width, height := w.Size()
	return uint32(max(width, 0)), uint32(max(height, 0))
}

// resize reconfigures the surface for the window's current size.
func (s *swapchain) resize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configure()
}

// configure (re)creates the swapchain images at the window's current size.
// The caller holds s.mu or has not shared the swapchain yet.
func (s *swapchain) configure() error {
	d := s.dev
	s.config.Width, s.config.Height = s.size()
	if err := d.surface.Configure(d.raw, &s.config); err != nil {
		return err
	}
	slogger().Debug("rhi: surface configured",
		"width", s.config.Width,
		"height", s.config.Height,
		"format", s.config.Format,
		"presentMode", s.config.PresentMode)
	return nil
}

// acquire waits for the next image. A stale surface is reconfigured and
// the acquire retried.
func (s *swapchain) acquire() (*Texture, error) {
	d := s.dev
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current, nil
	}
	var lastErr error
	for range maxAcquireAttempts {
		st, err := d.surface.AcquireTexture(nil)
		switch {
		case err == nil && !st.Suboptimal:
			return s.wrap(st.Texture)
		case err == nil:
			d.surface.DiscardTexture(st.Texture)
			lastErr = errors.New("suboptimal surface")
		case errors.Is(err, hal.ErrSurfaceOutdated), errors.Is(err, hal.ErrSurfaceLost):
			lastErr = err
		default:
			return nil, fmt.Errorf("rhi: acquire backbuffer: %w", err)
		}
		slogger().Debug("rhi: recreating swapchain", "reason", lastErr)
		if err := s.configure(); err != nil {
			return nil, fmt.Errorf("rhi: reconfigure surface: %w", err)
		}
	}
	return nil, fmt.Errorf("rhi: acquire backbuffer: %w", lastErr)
}

// wrap builds the backbuffer Texture for an acquired image. The swapchain
// holds one reference until the image is presented.
func (s *swapchain) wrap(st hal.SurfaceTexture) (*Texture, error) {
	d := s.dev
	view, err := d.raw.CreateTextureView(st, &hal.TextureViewDescriptor{
		Label:           d.label("backbuffer view"),
		Format:          s.config.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		d.surface.DiscardTexture(st)
		return nil, fmt.Errorf("%w: backbuffer view: %w", ErrResourceCreate, err)
	}
	t := &Texture{
		dev:  d,
		raw:  st,
		view: view,
		desc: TextureDescription{
			Label:  "backbuffer",
			Usage:  s.config.Usage,
			Format: s.config.Format,
			Width:  s.config.Width,
			Height: s.config.Height,
			Depth:  1,
		},
		backbuffer: true,
	}
	t.init(KindTexture, "backbuffer", t.destroy)
	s.current, s.acquired = t, st
	return t, nil
}

// errNotAcquired is returned by Display when no backbuffer is outstanding.
var errNotAcquired = errors.New("rhi: Display without an acquired backbuffer")

// present queues the acquired image. Presentation failures reconfigure the
// swapchain and are not reported.
func (s *swapchain) present() error {
	d := s.dev
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return errNotAcquired
	}
	t, st := s.current, s.acquired
	s.current, s.acquired = nil, nil

	d.queueMu.Lock()
	err := d.queue.Present(d.surface, st, nil)
	d.queueMu.Unlock()
	t.Release()

	if err != nil {
		slogger().Warn("rhi: present failed, recreating swapchain", "err", err)
		if err := s.configure(); err != nil && !errors.Is(err, hal.ErrZeroArea) {
			slogger().Warn("rhi: reconfigure surface", "err", err)
		}
	}
	return nil
}

func (s *swapchain) destroy() {
	d := s.dev
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		d.surface.DiscardTexture(s.acquired)
		s.current.Release()
		s.current, s.acquired = nil, nil
	}
	d.surface.Unconfigure(d.raw)
}

// AcquireBackbuffer returns the swapchain image to render into next,
// blocking until the presentation engine releases one. Calling it again
// before Display returns the same image. The swapchain owns the texture;
// recordings that use it retain it as usual.
//
// A stale surface (window resized or lost) is reconfigured transparently.
func (d *Device) AcquireBackbuffer() (*Texture, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if d.swapchain == nil {
		return nil, ErrNoSurface
	}
	return d.swapchain.acquire()
}

// Display presents the most recently acquired backbuffer after the work
// identified by waitOn. Submissions on the graphics queue complete in
// order, so presenting behind them satisfies the dependency.
func (d *Device) Display(waitOn ...Receipt) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if d.swapchain == nil {
		return ErrNoSurface
	}
	if _, err := d.checkReceipts(waitOn); err != nil {
		return err
	}
	if err := d.swapchain.present(); err != nil {
		return err
	}
	d.RemoveFinishedWork()
	return nil
}

// Resize reconfigures the swapchain for the window's current size. The
// next AcquireBackbuffer would do the same on a stale surface; Resize
// avoids the failed acquire.
func (d *Device) Resize() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if d.swapchain == nil {
		return ErrNoSurface
	}
	return d.swapchain.resize()
}
