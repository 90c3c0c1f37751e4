package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/barrier"
	"github.com/gogpu/rhi/internal/pushconst"
)

// Layout is the access state of a texture, used by ResourceBarrierTexture.
type Layout = barrier.Layout

// Texture layouts.
const (
	LayoutUndefined       = barrier.Undefined
	LayoutTransferDst     = barrier.TransferDst
	LayoutShaderReadOnly  = barrier.ShaderReadOnly
	LayoutColorAttachment = barrier.ColorAttachment
	LayoutDepthAttachment = barrier.DepthAttachment
	LayoutPresent         = barrier.Present
)

type recorderState uint8

const (
	stateInitial recorderState = iota
	stateRecording
	stateRenderPass
	stateEnded
)

func (s recorderState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateRecording:
		return "recording"
	case stateRenderPass:
		return "render pass"
	case stateEnded:
		return "ended"
	default:
		return fmt.Sprintf("recorderState(%d)", uint8(s))
	}
}

// recording is everything one command buffer keeps alive until the GPU
// has finished it.
type recording struct {
	dev       *Device
	encoder   hal.CommandEncoder
	cmd       hal.CommandBuffer
	resources []Resource
	views     []hal.TextureView
	chunks    []*arenaChunk
	sets      []*groupSet
}

func (r *recording) retain(res Resource) {
	res.Retain()
	r.resources = append(r.resources, res)
}

// bindSet returns the current bindless set, holding a reference for the
// lifetime of the recording.
func (r *recording) bindSet() *groupSet {
	var last *groupSet
	if n := len(r.sets); n > 0 {
		last = r.sets[n-1]
	}
	s := r.dev.bindless.acquireNewer(last)
	if s != last {
		r.sets = append(r.sets, s)
	}
	return s
}

// constants copies a constant block into the recording's arena and returns
// the chunk and dynamic offset to bind.
func (r *recording) constants(data []byte) (*arenaChunk, uint32, error) {
	a := r.dev.arena
	if n := len(r.chunks); n > 0 {
		c := r.chunks[n-1]
		off, ok, err := a.write(c, data)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			return c, off, nil
		}
	}
	c, err := a.acquire()
	if err != nil {
		return nil, 0, err
	}
	r.chunks = append(r.chunks, c)
	off, _, err := a.write(c, data)
	if err != nil {
		return nil, 0, err
	}
	return c, off, nil
}

// discard drops a recording that will never be submitted.
func (r *recording) discard() {
	if r.cmd == nil && !r.dev.gone.Load() {
		r.encoder.DiscardEncoding()
	}
	r.reclaim()
}

// reclaim returns the encoder to the pool and releases every resource the
// recording retained. Submitted recordings are reclaimed only after the GPU
// has completed them.
func (r *recording) reclaim() {
	d := r.dev
	if !d.gone.Load() {
		if r.cmd != nil {
			r.encoder.ResetAll([]hal.CommandBuffer{r.cmd})
		}
		d.encoders.release(r.encoder)
		for _, v := range r.views {
			d.raw.DestroyTextureView(v)
		}
		for _, c := range r.chunks {
			d.arena.release(c)
		}
		for _, s := range r.sets {
			d.bindless.release(s)
		}
	}
	for _, res := range r.resources {
		res.Release()
	}
	*r = recording{}
}

// CommandRecorder records GPU commands into a command buffer.
//
// A recorder moves through Initial → Recording → (RenderPass ↔ Recording)
// → Ended → (submitted) → Initial. Calling an operation in the wrong state
// panics. A recorder is not safe for concurrent use; use one recorder per
// goroutine.
type CommandRecorder struct {
	dev   *Device
	label string
	state recorderState
	rec   *recording
	err   error

	pass       *RenderPass
	colorViews []hal.TextureView
	depth      *Texture
	depthView  hal.TextureView
	extent     Extent
	viewport   Extent
	native     hal.RenderPassEncoder
	colorClear *Color
	depthClear *float32
	dirty      bool

	pipeline    *Pipeline
	block       pushconst.Block
	vertex      *Buffer
	index       *Buffer
	indexFormat gputypes.IndexFormat
}

// Label returns the recorder's debug label.
func (r *CommandRecorder) Label() string { return r.label }

func (r *CommandRecorder) expect(want recorderState, op string) {
	if r.state != want {
		panic(fmt.Sprintf("rhi: %s: %s called in state %s, want %s", r.label, op, r.state, want))
	}
}

// Begin starts a new recording. A previous recording that was ended but
// never submitted is discarded.
func (r *CommandRecorder) Begin() error {
	if r.state == stateRecording || r.state == stateRenderPass {
		panic(fmt.Sprintf("rhi: %s: Begin called in state %s", r.label, r.state))
	}
	d := r.dev
	if err := d.checkOpen(); err != nil {
		return err
	}
	if r.rec != nil {
		r.rec.discard()
		r.rec = nil
	}
	enc, err := d.encoders.acquire()
	if err != nil {
		return err
	}
	if err := enc.BeginEncoding(d.label(r.label)); err != nil {
		enc.Destroy()
		return fmt.Errorf("rhi: %s: begin encoding: %w", r.label, err)
	}
	r.rec = &recording{dev: d, encoder: enc}
	r.err = nil
	r.state = stateRecording
	return nil
}

// End finishes the recording. The recorder can then be passed to
// SubmitGraphics. An error recorded by an earlier Draw is returned here and
// the recording is discarded.
func (r *CommandRecorder) End() error {
	r.expect(stateRecording, "End")
	if err := r.err; err != nil {
		r.Discard()
		return err
	}
	cmd, err := r.rec.encoder.EndEncoding()
	if err != nil {
		r.Discard()
		return fmt.Errorf("rhi: %s: end encoding: %w", r.label, err)
	}
	r.rec.cmd = cmd
	r.state = stateEnded
	return nil
}

// Discard drops the current recording, releasing everything it retained,
// and returns the recorder to the initial state.
func (r *CommandRecorder) Discard() {
	if r.native != nil {
		r.native.End()
	}
	r.resetPass()
	if r.rec != nil {
		r.rec.discard()
		r.rec = nil
	}
	r.err = nil
	r.state = stateInitial
}

// take hands the ended recording to a submission.
func (r *CommandRecorder) take() *recording {
	r.expect(stateEnded, "SubmitGraphics")
	if r.rec == nil {
		panic(fmt.Sprintf("rhi: %s: recording submitted twice", r.label))
	}
	rec := r.rec
	r.rec = nil
	r.state = stateInitial
	return rec
}

// ResourceBarrierTexture records a layout transition of tex. Transitions to
// LayoutPresent record nothing; presentation performs them. An illegal
// transition panics.
func (r *CommandRecorder) ResourceBarrierTexture(tex *Texture, old, next Layout) {
	r.expect(stateRecording, "ResourceBarrierTexture")
	b, ok := barrier.Transition(tex.raw, tex.Format(), old, next)
	r.rec.retain(tex)
	if ok {
		r.rec.encoder.TransitionTextures([]hal.TextureBarrier{b})
	}
}

// CopyBufferToTexture copies tightly packed texel rows from src into the
// whole of dst. dst must be in LayoutTransferDst.
func (r *CommandRecorder) CopyBufferToTexture(src *Buffer, dst *Texture) {
	r.expect(stateRecording, "CopyBufferToTexture")
	bpr := dst.desc.Width * uint32(bytesPerTexel(dst.Format()))
	need := uint64(bpr) * uint64(dst.desc.Height) * uint64(dst.desc.Depth)
	if src.size < need {
		panic(fmt.Sprintf("rhi: CopyBufferToTexture: buffer %q has %d bytes, texture %q needs %d",
			src.label, src.size, dst.label, need))
	}
	r.rec.retain(src)
	r.rec.retain(dst)
	r.rec.encoder.CopyBufferToTexture(src.raw, dst.raw, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: bpr, RowsPerImage: dst.desc.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: dst.raw, Aspect: gputypes.TextureAspectAll},
		Size:         hal.Extent3D{Width: dst.desc.Width, Height: dst.desc.Height, DepthOrArrayLayers: dst.desc.Depth},
	}})
}

// CopyTextureToBuffer copies the whole of src into dst as tightly packed
// rows.
func (r *CommandRecorder) CopyTextureToBuffer(src *Texture, dst *Buffer) {
	r.expect(stateRecording, "CopyTextureToBuffer")
	bpr := src.desc.Width * uint32(bytesPerTexel(src.Format()))
	need := uint64(bpr) * uint64(src.desc.Height) * uint64(src.desc.Depth)
	if dst.size < need {
		panic(fmt.Sprintf("rhi: CopyTextureToBuffer: buffer %q has %d bytes, texture %q needs %d",
			dst.label, dst.size, src.label, need))
	}
	r.rec.retain(src)
	r.rec.retain(dst)
	r.rec.encoder.CopyTextureToBuffer(src.raw, dst.raw, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: bpr, RowsPerImage: src.desc.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: src.raw, Aspect: gputypes.TextureAspectAll},
		Size:         hal.Extent3D{Width: src.desc.Width, Height: src.desc.Height, DepthOrArrayLayers: src.desc.Depth},
	}})
}

// CopyBufferToBuffer copies the whole of src into dst. The sizes must match.
func (r *CommandRecorder) CopyBufferToBuffer(src, dst *Buffer) {
	r.expect(stateRecording, "CopyBufferToBuffer")
	if src.size != dst.size {
		panic(fmt.Sprintf("rhi: CopyBufferToBuffer: size mismatch %d != %d", src.size, dst.size))
	}
	r.rec.retain(src)
	r.rec.retain(dst)
	r.rec.encoder.CopyBufferToBuffer(src.raw, dst.raw, []hal.BufferCopy{{Size: src.size}})
}

// BeginRenderPass starts a render pass over attachments. Color attachments
// keep their order; at most one depth attachment may be given. Attachment
// contents are loaded unless ClearColor or ClearDepth is called.
func (r *CommandRecorder) BeginRenderPass(attachments ...*Texture) error {
	r.expect(stateRecording, "BeginRenderPass")
	if len(attachments) == 0 {
		panic("rhi: BeginRenderPass: no attachments")
	}
	d := r.dev
	colors, depth := splitAttachments(attachments)
	formats := make([]gputypes.TextureFormat, len(colors))
	for i, c := range colors {
		formats[i] = c.Format()
	}
	depthFormat := gputypes.TextureFormatUndefined
	if depth != nil {
		depthFormat = depth.Format()
	}
	pass, err := d.getOrCreateRenderPass(formats, depthFormat)
	if err != nil {
		panic(fmt.Sprintf("rhi: BeginRenderPass: %v", err))
	}

	views := make([]hal.TextureView, 0, len(attachments))
	for _, t := range attachments {
		v, err := d.raw.CreateTextureView(t.raw, &hal.TextureViewDescriptor{
			Label:           d.label(t.label + " attachment"),
			Format:          t.Format(),
			Dimension:       gputypes.TextureViewDimension2D,
			Aspect:          gputypes.TextureAspectAll,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		})
		if err != nil {
			for _, created := range views {
				d.raw.DestroyTextureView(created)
			}
			return fmt.Errorf("%w: attachment view %q: %w", ErrResourceCreate, t.label, err)
		}
		views = append(views, v)
	}
	r.rec.views = append(r.rec.views, views...)
	for _, t := range attachments {
		r.rec.retain(t)
	}

	r.pass = pass
	r.colorViews = r.colorViews[:0]
	for i, t := range attachments {
		if t == depth {
			r.depth, r.depthView = t, views[i]
			continue
		}
		r.colorViews = append(r.colorViews, views[i])
	}
	r.extent = attachments[0].Size()
	r.viewport = attachments[len(attachments)-1].Size()
	r.dirty = true
	r.state = stateRenderPass
	return nil
}

// ClearColor clears every color attachment of the active pass.
func (r *CommandRecorder) ClearColor(c Color) {
	r.expect(stateRenderPass, "ClearColor")
	if len(r.colorViews) == 0 {
		return
	}
	r.restart()
	r.colorClear = &c
}

// ClearDepth clears the depth attachment, and its stencil to zero. Without
// a depth attachment it does nothing.
func (r *CommandRecorder) ClearDepth(depth float32) {
	r.expect(stateRenderPass, "ClearDepth")
	if r.depthView == nil {
		return
	}
	r.restart()
	r.depthClear = &depth
}

// restart ends the native pass so the next one can begin with clear ops.
func (r *CommandRecorder) restart() {
	if r.native != nil {
		r.native.End()
		r.native = nil
		r.dirty = true
	}
}

// ensurePass begins the native render pass with any pending clears.
func (r *CommandRecorder) ensurePass() hal.RenderPassEncoder {
	if r.native != nil {
		return r.native
	}
	desc := &hal.RenderPassDescriptor{Label: r.dev.label(r.label + " pass")}
	for _, v := range r.colorViews {
		a := hal.RenderPassColorAttachment{
			View:    v,
			LoadOp:  gputypes.LoadOpLoad,
			StoreOp: gputypes.StoreOpStore,
		}
		if r.colorClear != nil {
			a.LoadOp = gputypes.LoadOpClear
			a.ClearValue = r.colorClear.native()
		}
		desc.ColorAttachments = append(desc.ColorAttachments, a)
	}
	if r.depthView != nil {
		ds := &hal.RenderPassDepthStencilAttachment{
			View:         r.depthView,
			DepthLoadOp:  gputypes.LoadOpLoad,
			DepthStoreOp: gputypes.StoreOpStore,
		}
		stencil := r.depth.Format().HasStencil()
		if stencil {
			ds.StencilLoadOp = gputypes.LoadOpLoad
			ds.StencilStoreOp = gputypes.StoreOpStore
		}
		if r.depthClear != nil {
			ds.DepthLoadOp = gputypes.LoadOpClear
			ds.DepthClearValue = *r.depthClear
			if stencil {
				ds.StencilLoadOp = gputypes.LoadOpClear
			}
		}
		desc.DepthStencilAttachment = ds
	}
	r.colorClear, r.depthClear = nil, nil
	r.native = r.rec.encoder.BeginRenderPass(desc)
	r.dirty = true
	return r.native
}

// EndRenderPass ends the active pass, applying clears that no draw
// consumed.
func (r *CommandRecorder) EndRenderPass() {
	r.expect(stateRenderPass, "EndRenderPass")
	if r.err == nil {
		r.ensurePass()
	}
	if r.native != nil {
		r.native.End()
	}
	r.resetPass()
	r.state = stateRecording
}

func (r *CommandRecorder) resetPass() {
	r.pass = nil
	r.colorViews = r.colorViews[:0]
	r.depth, r.depthView = nil, nil
	r.native = nil
	r.colorClear, r.depthClear = nil, nil
	r.pipeline = nil
	r.vertex, r.index = nil, nil
	r.indexFormat = gputypes.IndexFormatUndefined
	r.dirty = false
}

// BindPipeline makes p current for subsequent draws and resets the
// constant block. p must have been created for the active pass's
// attachment formats.
func (r *CommandRecorder) BindPipeline(p *Pipeline) {
	r.expect(stateRenderPass, "BindPipeline")
	if p.pass != r.pass {
		panic(fmt.Sprintf("rhi: BindPipeline: pipeline %q does not match the active render pass", p.label))
	}
	r.rec.retain(p)
	r.pipeline = p
	r.block.Reset(p.layout.Size())
	for _, s := range p.statics {
		r.block.Put(s.offset, pushconst.PackIndex(s.sampler.BindlessIndex()))
	}
	r.dirty = true
}

func (r *CommandRecorder) requirePipeline(op string) *Pipeline {
	r.expect(stateRenderPass, op)
	if r.pipeline == nil {
		panic(fmt.Sprintf("rhi: %s: %s without a bound pipeline", r.label, op))
	}
	return r.pipeline
}

// BindVertexBuffer binds buf as the vertex stream for subsequent draws.
func (r *CommandRecorder) BindVertexBuffer(buf *Buffer) {
	r.requirePipeline("BindVertexBuffer")
	r.rec.retain(buf)
	r.vertex = buf
	r.dirty = true
}

// BindIndexBuffer binds buf as the index stream for DrawIndexed.
func (r *CommandRecorder) BindIndexBuffer(buf *Buffer, format gputypes.IndexFormat) {
	r.requirePipeline("BindIndexBuffer")
	r.rec.retain(buf)
	r.index, r.indexFormat = buf, format
	r.dirty = true
}

// BindConstants writes a reference to element of buf into the named
// constants slot. Names the pipeline does not declare are ignored.
func (r *CommandRecorder) BindConstants(name string, buf *Buffer, element uint32) {
	p := r.requirePipeline("BindConstants")
	slot, ok := p.layout.Lookup(name)
	if !ok {
		return
	}
	if slot.Kind != pushconst.SlotConstants {
		panic(fmt.Sprintf("rhi: BindConstants: %q is a %s slot", name, slot.Kind))
	}
	idx, ok := buf.BindlessIndex()
	if !ok {
		panic(fmt.Sprintf("rhi: BindConstants: buffer %q is not shader visible", buf.label))
	}
	r.rec.retain(buf)
	r.block.Put(slot.Offset, pushconst.PackBuffer(idx, element))
}

// BindTexture writes the bindless index of tex into the named slot. A
// sampler slot receives the index of the texture's own sampler. Names the
// pipeline does not declare are ignored.
func (r *CommandRecorder) BindTexture(name string, tex *Texture) {
	p := r.requirePipeline("BindTexture")
	slot, ok := p.layout.Lookup(name)
	if !ok {
		return
	}
	var v uint32
	switch slot.Kind {
	case pushconst.SlotTexture:
		idx, ok := tex.BindlessIndex()
		if !ok {
			panic(fmt.Sprintf("rhi: BindTexture: texture %q is not shader visible", tex.label))
		}
		v = pushconst.PackIndex(idx)
	case pushconst.SlotSampler:
		if tex.sampler == nil {
			panic(fmt.Sprintf("rhi: BindTexture: texture %q has no sampler", tex.label))
		}
		v = pushconst.PackIndex(tex.sampler.BindlessIndex())
	default:
		panic(fmt.Sprintf("rhi: BindTexture: %q is a %s slot", name, slot.Kind))
	}
	r.rec.retain(tex)
	r.block.Put(slot.Offset, v)
}

// Draw draws vertexCount vertices starting at firstVertex.
func (r *CommandRecorder) Draw(vertexCount, firstVertex uint32) {
	if enc := r.prepareDraw("Draw"); enc != nil {
		enc.Draw(vertexCount, 1, firstVertex, 0)
	}
}

// DrawIndexed draws indexCount indices starting at firstIndex of the bound
// index buffer.
func (r *CommandRecorder) DrawIndexed(indexCount, firstIndex uint32) {
	if r.index == nil && r.state == stateRenderPass {
		panic(fmt.Sprintf("rhi: %s: DrawIndexed without an index buffer", r.label))
	}
	if enc := r.prepareDraw("DrawIndexed"); enc != nil {
		enc.DrawIndexed(indexCount, 1, firstIndex, 0, 0)
	}
}

// prepareDraw flushes dirty state and the constant block. It returns nil
// when the draw records nothing.
func (r *CommandRecorder) prepareDraw(op string) hal.RenderPassEncoder {
	p := r.requirePipeline(op)
	if p.cullAll || r.err != nil {
		return nil
	}
	enc := r.ensurePass()
	if r.dirty {
		enc.SetPipeline(p.raw)
		set := r.rec.bindSet()
		for i, g := range set.groups {
			enc.SetBindGroup(uint32(i), g, nil)
		}
		enc.SetViewport(0, 0, float32(r.viewport.Width), float32(r.viewport.Height), 0, 1)
		enc.SetScissorRect(0, 0,
			min(r.viewport.Width, r.extent.Width),
			min(r.viewport.Height, r.extent.Height))
		if r.vertex != nil {
			enc.SetVertexBuffer(0, r.vertex.raw, 0)
		}
		if r.index != nil {
			enc.SetIndexBuffer(r.index.raw, r.indexFormat, 0)
		}
		r.dirty = false
	}
	if p.layout.Size() > 0 {
		c, off, err := r.rec.constants(r.block.Bytes())
		if err != nil {
			r.err = fmt.Errorf("rhi: %s: %s: %w", r.label, op, err)
			return nil
		}
		enc.SetBindGroup(groupConstants, c.group, []uint32{off})
	}
	return enc
}

func (c Color) native() gputypes.Color {
	return gputypes.Color{R: c.R, G: c.G, B: c.B, A: c.A}
}
