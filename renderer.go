// renderer.go - Renderer option flags, shader suites and flush logic

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
renderer.go - Renderer core

A Renderer owns one ShaderSuite per renderable type and translates its
option bits plus lighting parameters into shader compiler defines. The
renderer-type define is always injected. Subgroup defines come from
device capability probing.

Flush sets the pipeline state demanded by the renderer type and options
(front face, color-write mask, depth, cull, stencil) and dispatches the
queue subsets in the order each renderer type requires.
*/

package main

import (
	"fmt"
	"hash/fnv"
	"sort"
)

type RendererType int

const (
	RendererForward RendererType = iota
	RendererDeferred
	RendererDepth
	RendererMotionVector
)

func (t RendererType) define() string {
	switch t {
	case RendererForward:
		return "RENDERER_FORWARD"
	case RendererDeferred:
		return "RENDERER_DEFERRED"
	case RendererDepth:
		return "RENDERER_DEPTH"
	default:
		return "RENDERER_MOTION_VECTOR"
	}
}

// RenderableType indexes the per-kind shader suites.
type RenderableType int

const (
	RenderableMesh RenderableType = iota
	RenderableGround
	RenderableOcean
	RenderableSkybox
	RenderableSprite
	RenderableLineUI
	RenderableDebugMesh
	renderableTypeCount
)

// Renderer option bits.
type RendererOptionFlags uint32

const (
	OptionShadowEnable RendererOptionFlags = 1 << iota
	OptionShadowCascadeEnable
	OptionVolumetricFogEnable
	OptionVolumetricDiffuseEnable
	OptionFogEnable
	OptionRefractionEnable
	OptionPositionalLightEnable
	OptionPositionalLightShadowEnable
	OptionPositionalLightClusterBindless
	OptionPositionalDecals
	OptionShadowVSM
	OptionPositionalLightShadowVSM
	OptionShadowPCFKernelWide
	OptionAlphaTestDisable
	OptionMultiview
	OptionAmbientOcclusion
)

var rendererOptionDefines = []struct {
	bit    RendererOptionFlags
	define string
}{
	{OptionShadowEnable, "SHADOWS"},
	{OptionShadowCascadeEnable, "SHADOW_CASCADES"},
	{OptionVolumetricFogEnable, "VOLUMETRIC_FOG"},
	{OptionVolumetricDiffuseEnable, "VOLUMETRIC_DIFFUSE"},
	{OptionFogEnable, "FOG"},
	{OptionRefractionEnable, "REFRACTION"},
	{OptionPositionalLightEnable, "POSITIONAL_LIGHTS"},
	{OptionPositionalLightShadowEnable, "POSITIONAL_LIGHTS_SHADOW"},
	{OptionPositionalLightClusterBindless, "CLUSTERER_BINDLESS"},
	{OptionPositionalDecals, "POSITIONAL_DECALS"},
	{OptionShadowVSM, "DIRECTIONAL_SHADOW_VSM"},
	{OptionPositionalLightShadowVSM, "POSITIONAL_SHADOW_VSM"},
	{OptionShadowPCFKernelWide, "SHADOW_MAP_PCF_KERNEL_WIDE"},
	{OptionAlphaTestDisable, "ALPHA_TEST_DISABLE"},
	{OptionMultiview, "MULTIVIEW"},
	{OptionAmbientOcclusion, "AMBIENT_OCCLUSION"},
}

// ------------------------------------------------------------------------------
// ShaderSuite
// ------------------------------------------------------------------------------

// ShaderSuite resolves shader variants for one renderable type. A
// variant is identified by the sorted define set; resolution is a
// content hash a PSO key can be built from.
type ShaderSuite struct {
	name     string
	defines  map[string]int
	variants map[uint64]ShaderVariant
}

type ShaderVariant struct {
	Hash    uint64
	Defines map[string]int
}

func NewShaderSuite(name string) *ShaderSuite {
	return &ShaderSuite{
		name:     name,
		defines:  make(map[string]int),
		variants: make(map[uint64]ShaderVariant),
	}
}

func (s *ShaderSuite) SetBaseDefine(name string, value int) {
	s.defines[name] = value
}

func (s *ShaderSuite) ClearBaseDefines() {
	s.defines = make(map[string]int)
}

// ResolveVariant merges extra defines over the base set and returns
// the cached variant for the combination.
func (s *ShaderSuite) ResolveVariant(extra map[string]int) ShaderVariant {
	merged := make(map[string]int, len(s.defines)+len(extra))
	for k, v := range s.defines {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	h.Write([]byte(s.name))
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%d", k, merged[k])
	}
	hash := h.Sum64()

	if variant, ok := s.variants[hash]; ok {
		return variant
	}
	variant := ShaderVariant{Hash: hash, Defines: merged}
	s.variants[hash] = variant
	return variant
}

// ------------------------------------------------------------------------------
// Renderer
// ------------------------------------------------------------------------------

type Renderer struct {
	rendererType RendererType
	options      RendererOptionFlags
	suites       [renderableTypeCount]*ShaderSuite
	device       *Device
}

func NewRenderer(device *Device, rendererType RendererType) *Renderer {
	r := &Renderer{rendererType: rendererType, device: device}
	names := [renderableTypeCount]string{
		"mesh", "ground", "ocean", "skybox", "sprite", "line-ui", "debug-mesh",
	}
	for i := range r.suites {
		r.suites[i] = NewShaderSuite(names[i])
	}
	r.SetMeshRendererOptions(0)
	return r
}

func (r *Renderer) Type() RendererType { return r.rendererType }

func (r *Renderer) Options() RendererOptionFlags { return r.options }

// SetMeshRendererOptions rebuilds every suite's base define set from
// the option bits, the renderer type and the probed device features.
func (r *Renderer) SetMeshRendererOptions(options RendererOptionFlags) {
	r.options = options
	defines := r.buildDefines(options)
	for _, suite := range r.suites {
		suite.ClearBaseDefines()
		for name, value := range defines {
			suite.SetBaseDefine(name, value)
		}
	}
}

func (r *Renderer) buildDefines(options RendererOptionFlags) map[string]int {
	defines := map[string]int{
		r.rendererType.define(): 1,
	}
	for _, opt := range rendererOptionDefines {
		if options&opt.bit != 0 {
			defines[opt.define] = 1
		}
	}

	if r.device != nil {
		features := r.device.Features()
		if features.SubgroupOps {
			defines["SUBGROUP_OPS"] = 1
		}
		if features.SubgroupShuffle {
			defines["SUBGROUP_SHUFFLE"] = 1
		}
		if features.SubgroupFragment {
			defines["SUBGROUP_FRAGMENT"] = 1
		}
		if features.SubgroupCompute {
			defines["SUBGROUP_COMPUTE"] = 1
		}
	}
	return defines
}

func (r *Renderer) Suite(t RenderableType) *ShaderSuite {
	return r.suites[t]
}

// Flush configures pipeline state for this renderer type and
// dispatches the queue subsets in the appropriate order.
func (r *Renderer) Flush(cmd *CommandBuffer, queue *RenderQueue, ctx *RenderContext,
	params *RenderParameters) {
	if params != nil {
		FillRenderParameters(ctx, params)
	}
	state := PipelineState{
		ColorWriteMask: 0xf,
		DepthTest:      true,
		DepthWrite:     true,
		CullMode:       1, // back
	}

	switch r.rendererType {
	case RendererDepth:
		// Depth-only rendering: no color writes, slope-scaled bias for
		// shadow passes.
		state.ColorWriteMask = 0
		state.DepthBias = true
		queue.Sort()
		queue.DispatchSubset(QueueSubsetOpaque, cmd, &state)

	case RendererMotionVector:
		state.DepthWrite = false
		queue.Sort()
		queue.DispatchSubset(QueueSubsetOpaque, cmd, &state)

	case RendererDeferred:
		queue.Sort()
		queue.DispatchSubset(QueueSubsetOpaque, cmd, &state)
		queue.DispatchSubset(QueueSubsetOpaqueEmissive, cmd, &state)
		// Light volumes test depth but never write it.
		lightState := state
		lightState.DepthWrite = false
		lightState.StencilTest = true
		queue.DispatchSubset(QueueSubsetLight, cmd, &lightState)

	default: // RendererForward
		queue.Sort()
		queue.DispatchSubset(QueueSubsetOpaque, cmd, &state)
		queue.DispatchSubset(QueueSubsetOpaqueEmissive, cmd, &state)
		transparentState := state
		transparentState.DepthWrite = false
		queue.DispatchSubset(QueueSubsetTransparent, cmd, &transparentState)
	}
}

// FillRenderParameters derives the UBO contents from the view context.
func FillRenderParameters(ctx *RenderContext, params *RenderParameters) {
	params.Projection = ctx.Projection
	params.View = ctx.View
	params.ViewProjection = ctx.ViewProjection
	params.InvProjection = ctx.Projection.Inverse()
	params.InvView = ctx.View.Inverse()
	params.InvViewProjection = ctx.ViewProjection.Inverse()
	params.CameraPosition = Vec4{ctx.CameraPosition[0], ctx.CameraPosition[1], ctx.CameraPosition[2], 1}
	inv := params.InvView
	params.CameraFront = Vec4{-inv[8], -inv[9], -inv[10], 0}
	params.CameraRight = Vec4{inv[0], inv[1], inv[2], 0}
	params.CameraUp = Vec4{inv[4], inv[5], inv[6], 0}
	params.ZNear = ctx.ZNear
	params.ZFar = ctx.ZFar
}
