package rhi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/pushconst"
)

// ShaderStage is the stage a shader binary runs in.
type ShaderStage uint8

const (
	// ShaderStageVertex is a vertex shader.
	ShaderStageVertex ShaderStage = iota
	// ShaderStagePixel is a pixel (fragment) shader.
	ShaderStagePixel
)

// String returns the stage name.
func (s ShaderStage) String() string {
	switch s {
	case ShaderStageVertex:
		return "vertex"
	case ShaderStagePixel:
		return "pixel"
	default:
		return fmt.Sprintf("ShaderStage(%d)", s)
	}
}

// ShaderBinary is a compiled shader. Code is SPIR-V and is passed to the
// backend without inspection.
type ShaderBinary struct {
	Stage      ShaderStage
	EntryPoint string
	Code       []byte
}

// VertexAttribute is the type of one vertex input. Attributes are packed in
// order into a single vertex buffer.
type VertexAttribute uint8

const (
	VertexFloat VertexAttribute = iota // float32
	VertexVec2                         // 2 x float32
	VertexVec3                         // 3 x float32
	VertexVec4                         // 4 x float32
	VertexColor                        // 4 x unorm8
)

// Size returns the attribute size in bytes.
func (a VertexAttribute) Size() uint64 {
	switch a {
	case VertexFloat, VertexColor:
		return 4
	case VertexVec2:
		return 8
	case VertexVec3:
		return 12
	case VertexVec4:
		return 16
	default:
		panic(fmt.Sprintf("rhi: unknown vertex attribute %d", a))
	}
}

func (a VertexAttribute) format() gputypes.VertexFormat {
	switch a {
	case VertexFloat:
		return gputypes.VertexFormatFloat32
	case VertexVec2:
		return gputypes.VertexFormatFloat32x2
	case VertexVec3:
		return gputypes.VertexFormatFloat32x3
	case VertexVec4:
		return gputypes.VertexFormatFloat32x4
	case VertexColor:
		return gputypes.VertexFormatUnorm8x4
	default:
		panic(fmt.Sprintf("rhi: unknown vertex attribute %d", a))
	}
}

// DrawMode selects the primitive topology.
type DrawMode uint8

const (
	DrawFill  DrawMode = iota // triangle list
	DrawLine                  // line list
	DrawPoint                 // point list
)

func (m DrawMode) topology() gputypes.PrimitiveTopology {
	switch m {
	case DrawLine:
		return gputypes.PrimitiveTopologyLineList
	case DrawPoint:
		return gputypes.PrimitiveTopologyPointList
	default:
		return gputypes.PrimitiveTopologyTriangleList
	}
}

// CullMode is a bitmask of faces to cull.
type CullMode uint8

const (
	CullNone  CullMode = 0
	CullFront CullMode = 1 << 0
	CullBack  CullMode = 1 << 1
)

// WriteMask is a bitmask of color channels written by a pipeline.
// The zero value writes all channels.
type WriteMask uint8

const (
	WriteRed   WriteMask = 1 << 0
	WriteGreen WriteMask = 1 << 1
	WriteBlue  WriteMask = 1 << 2
	WriteAlpha WriteMask = 1 << 3
	WriteAll             = WriteRed | WriteGreen | WriteBlue | WriteAlpha
)

// BlendState configures color and alpha blending independently.
type BlendState struct {
	Enabled bool

	ColorSrc, ColorDst gputypes.BlendFactor
	ColorOp            gputypes.BlendOperation

	AlphaSrc, AlphaDst gputypes.BlendFactor
	AlphaOp            gputypes.BlendOperation
}

// AlphaBlending is standard non-premultiplied alpha blending.
var AlphaBlending = BlendState{
	Enabled:  true,
	ColorSrc: gputypes.BlendFactorSrcAlpha,
	ColorDst: gputypes.BlendFactorOneMinusSrcAlpha,
	ColorOp:  gputypes.BlendOperationAdd,
	AlphaSrc: gputypes.BlendFactorOne,
	AlphaDst: gputypes.BlendFactorOneMinusSrcAlpha,
	AlphaOp:  gputypes.BlendOperationAdd,
}

func (b BlendState) native() *gputypes.BlendState {
	if !b.Enabled {
		return nil
	}
	op := func(o gputypes.BlendOperation) gputypes.BlendOperation {
		if o == gputypes.BlendOperationUndefined {
			return gputypes.BlendOperationAdd
		}
		return o
	}
	return &gputypes.BlendState{
		Color: gputypes.BlendComponent{SrcFactor: b.ColorSrc, DstFactor: b.ColorDst, Operation: op(b.ColorOp)},
		Alpha: gputypes.BlendComponent{SrcFactor: b.AlphaSrc, DstFactor: b.AlphaDst, Operation: op(b.AlphaOp)},
	}
}

// DepthState configures the depth test.
type DepthState struct {
	Test    bool
	Write   bool
	Compare gputypes.CompareFunction // Less when zero
}

// ResourceKind says what a named resource slot holds.
type ResourceKind uint8

const (
	ResourceTexture ResourceKind = iota
	ResourceSampler
)

// ResourceBinding is a named texture or sampler slot of the constant block.
type ResourceBinding struct {
	// Offset is the byte offset of the slot in the constant block.
	Offset uint32

	Kind ResourceKind

	// StaticSampler, when set on a ResourceSampler slot, is written into the
	// block by BindPipeline.
	StaticSampler *SamplerDescription
}

// GraphicsPipelineDescription fully describes a graphics pipeline.
type GraphicsPipelineDescription struct {
	Label string

	ColorFormats []gputypes.TextureFormat
	DepthFormat  gputypes.TextureFormat

	Vertex ShaderBinary
	Pixel  ShaderBinary

	VertexLayout []VertexAttribute

	DrawMode  DrawMode
	CullMode  CullMode
	WriteMask WriteMask
	Blend     BlendState
	Depth     DepthState

	// PushConstantSize is the size of the per-draw constant block in bytes,
	// at most 128.
	PushConstantSize uint32

	// Constants maps names to the offsets of packed buffer references.
	Constants map[string]uint32

	// Resources maps names to texture and sampler slots.
	Resources map[string]ResourceBinding
}

// Pipeline is a compiled graphics pipeline.
type Pipeline struct {
	refCounted

	dev    *Device
	raw    hal.RenderPipeline
	pass   *RenderPass
	layout *pushconst.Layout
	stride uint64

	statics []staticSampler

	// cullAll is set when both faces are culled; draws record nothing.
	cullAll bool
}

type staticSampler struct {
	offset  uint32
	sampler *Sampler
}

// RenderPass returns the render pass the pipeline is compatible with.
func (p *Pipeline) RenderPass() *RenderPass { return p.pass }

// ConstantSize returns the size of the per-draw constant block.
func (p *Pipeline) ConstantSize() uint32 { return p.layout.Size() }

// VertexStride returns the byte stride of one vertex.
func (p *Pipeline) VertexStride() uint64 { return p.stride }

// Raw returns the underlying HAL pipeline, or nil when both faces are
// culled.
func (p *Pipeline) Raw() hal.RenderPipeline { return p.raw }

// CreatePipeline compiles a graphics pipeline.
//
// A PushConstantSize above 128 bytes panics.
func (d *Device) CreatePipeline(desc GraphicsPipelineDescription) (*Pipeline, error) {
	if desc.PushConstantSize > pushconst.MaxSize {
		panic(fmt.Sprintf("rhi: pipeline %q declares %d bytes of constants, max %d",
			desc.Label, desc.PushConstantSize, pushconst.MaxSize))
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc.Label == "" {
		desc.Label = "pipeline"
	}

	layout, err := constantLayout(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrPipelineCreate, desc.Label, err)
	}
	pass, err := d.getOrCreateRenderPass(desc.ColorFormats, desc.DepthFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrPipelineCreate, desc.Label, err)
	}

	p := &Pipeline{dev: d, pass: pass, layout: layout}
	for _, a := range desc.VertexLayout {
		p.stride += a.Size()
	}

	// Static samplers are owned by the pipeline.
	for name, r := range desc.Resources {
		if r.Kind != ResourceSampler || r.StaticSampler == nil {
			continue
		}
		s, err := d.CreateSampler(*r.StaticSampler)
		if err != nil {
			p.releaseStatics()
			return nil, fmt.Errorf("%w: %q static sampler %q: %w", ErrPipelineCreate, desc.Label, name, err)
		}
		p.statics = append(p.statics, staticSampler{offset: r.Offset, sampler: s})
	}

	if desc.CullMode&(CullFront|CullBack) == CullFront|CullBack {
		p.cullAll = true
	} else if p.raw, err = d.compilePipeline(desc); err != nil {
		p.releaseStatics()
		return nil, err
	}

	p.init(KindPipeline, desc.Label, p.destroy)
	slogger().Debug("rhi: pipeline created",
		"label", desc.Label,
		"colors", len(desc.ColorFormats),
		"depth", desc.DepthFormat,
		"constants", desc.PushConstantSize,
		"cullAll", p.cullAll)
	return p, nil
}

func (d *Device) compilePipeline(desc GraphicsPipelineDescription) (hal.RenderPipeline, error) {
	vs, err := d.shaderModule(desc.Label, desc.Vertex, ShaderStageVertex)
	if err != nil {
		return nil, err
	}
	defer d.raw.DestroyShaderModule(vs)
	fs, err := d.shaderModule(desc.Label, desc.Pixel, ShaderStagePixel)
	if err != nil {
		return nil, err
	}
	defer d.raw.DestroyShaderModule(fs)

	layout, err := d.pipelineLayout(desc.PushConstantSize > 0)
	if err != nil {
		return nil, err
	}

	var buffers []gputypes.VertexBufferLayout
	if len(desc.VertexLayout) > 0 {
		attrs := make([]gputypes.VertexAttribute, len(desc.VertexLayout))
		var off uint64
		for i, a := range desc.VertexLayout {
			attrs[i] = gputypes.VertexAttribute{Format: a.format(), Offset: off, ShaderLocation: uint32(i)}
			off += a.Size()
		}
		buffers = []gputypes.VertexBufferLayout{{
			ArrayStride: off,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes:  attrs,
		}}
	}

	mask := gputypes.ColorWriteMask(desc.WriteMask)
	if mask == 0 {
		mask = gputypes.ColorWriteMaskAll
	}
	targets := make([]gputypes.ColorTargetState, len(desc.ColorFormats))
	for i, f := range desc.ColorFormats {
		targets[i] = gputypes.ColorTargetState{Format: f, Blend: desc.Blend.native(), WriteMask: mask}
	}

	cull := gputypes.CullModeNone
	switch desc.CullMode {
	case CullFront:
		cull = gputypes.CullModeFront
	case CullBack:
		cull = gputypes.CullModeBack
	}

	var depth *hal.DepthStencilState
	if desc.DepthFormat != gputypes.TextureFormatUndefined {
		compare := desc.Depth.Compare
		if compare == gputypes.CompareFunctionUndefined {
			compare = gputypes.CompareFunctionLess
		}
		if !desc.Depth.Test {
			compare = gputypes.CompareFunctionAlways
		}
		keep := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		depth = &hal.DepthStencilState{
			Format:            desc.DepthFormat,
			DepthWriteEnabled: desc.Depth.Write,
			DepthCompare:      compare,
			StencilFront:      keep,
			StencilBack:       keep,
		}
	}

	vertexEntry := strings.Clone(desc.Vertex.EntryPoint)
	pixelEntry := strings.Clone(desc.Pixel.EntryPoint)
	raw, err := d.raw.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  d.label(desc.Label),
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     vs,
			EntryPoint: vertexEntry,
			Buffers:    buffers,
		},
		Primitive: gputypes.PrimitiveState{
			Topology:  desc.DrawMode.topology(),
			FrontFace: gputypes.FrontFaceCCW,
			CullMode:  cull,
		},
		DepthStencil: depth,
		Multisample:  gputypes.DefaultMultisampleState(),
		Fragment: &hal.FragmentState{
			Module:     fs,
			EntryPoint: pixelEntry,
			Targets:    targets,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrPipelineCreate, desc.Label, err)
	}
	return raw, nil
}

// shaderModule creates a module from a SPIR-V binary. The module is only
// needed while the pipeline is created.
func (d *Device) shaderModule(label string, sb ShaderBinary, want ShaderStage) (hal.ShaderModule, error) {
	if sb.Stage != want {
		return nil, fmt.Errorf("%w: %q: %s binary in %s slot", ErrPipelineCreate, label, sb.Stage, want)
	}
	if sb.EntryPoint == "" {
		return nil, fmt.Errorf("%w: %q: %s shader has no entry point", ErrPipelineCreate, label, want)
	}
	words, err := spirvWords(sb.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s shader: %w", ErrPipelineCreate, label, want, err)
	}
	m, err := d.raw.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  d.label(label + " " + want.String()),
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s shader: %w", ErrPipelineCreate, label, want, err)
	}
	return m, nil
}

// spirvWords reinterprets a little-endian SPIR-V byte stream as words.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("binary of %d bytes is not a whole number of words", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}

// constantLayout builds the named slot layout of the constant block.
func constantLayout(desc GraphicsPipelineDescription) (*pushconst.Layout, error) {
	slots := make([]pushconst.Slot, 0, len(desc.Constants)+len(desc.Resources))
	for name, off := range desc.Constants {
		slots = append(slots, pushconst.Slot{Name: name, Offset: off, Kind: pushconst.SlotConstants})
	}
	for name, r := range desc.Resources {
		if _, dup := desc.Constants[name]; dup {
			return nil, fmt.Errorf("%q is both a constant and a resource", name)
		}
		kind := pushconst.SlotTexture
		if r.Kind == ResourceSampler {
			kind = pushconst.SlotSampler
		}
		slots = append(slots, pushconst.Slot{Name: name, Offset: r.Offset, Kind: kind})
	}
	return pushconst.NewLayout(desc.PushConstantSize, slots)
}

func (p *Pipeline) releaseStatics() {
	for _, s := range p.statics {
		s.sampler.Release()
	}
	p.statics = nil
}

func (p *Pipeline) destroy() {
	if p.dev.gone.Load() {
		return
	}
	if p.raw != nil {
		p.dev.raw.DestroyRenderPipeline(p.raw)
	}
	p.releaseStatics()
}
