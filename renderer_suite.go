// renderer_suite.go - Bundle of specialized renderers with shared config

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

// Global descriptor set 0 binding slots. These are fixed across every
// renderer so shader suites can share pipeline layouts.
const (
	BindingTransformUBO = iota
	BindingRenderParametersUBO
	BindingVolumetricDiffuseUBO
	BindingVolumetricFogUBO
	BindingBRDFLut
	BindingDirectionalShadow
	BindingAmbientOcclusion
	BindingClustererParameters
	BindingClusterTransforms
	BindingClusterBitmask
	BindingClusterRange
	BindingClusterDecalTransforms
	BindingClusterDecalBitmask
	BindingClusterDecalRange
	BindingSamplerNearest
	BindingSamplerLinear
	BindingSamplerShadow
	BindingVolumetricDiffuseFallback
	globalBindingCount
)

type RendererSuiteType int

const (
	SuiteForwardOpaque RendererSuiteType = iota
	SuitePrepassDepth
	SuiteShadowMapVSM
	SuiteShadowMapPCF
	SuiteDeferredGBuffer
	SuiteMotionVector
	rendererSuiteTypeCount
)

// RendererSuite owns the specialized renderers a scene pass setup
// needs and keeps their option bits coherent with the lighting
// configuration.
type RendererSuite struct {
	renderers [rendererSuiteTypeCount]*Renderer
}

// RendererSuiteConfig mirrors the lighting feature set into renderer
// options.
type RendererSuiteConfig struct {
	DirectionalShadows        bool
	CascadedShadows           bool
	DirectionalShadowVSM      bool
	PositionalLights          bool
	PositionalShadows         bool
	PositionalShadowVSM       bool
	ClusteredBindless         bool
	Decals                    bool
	VolumetricFog             bool
	VolumetricDiffuse         bool
	Fog                       bool
	AmbientOcclusion          bool
	PCFWide                   bool
}

func NewRendererSuite(device *Device) *RendererSuite {
	s := &RendererSuite{}
	s.renderers[SuiteForwardOpaque] = NewRenderer(device, RendererForward)
	s.renderers[SuitePrepassDepth] = NewRenderer(device, RendererDepth)
	s.renderers[SuiteShadowMapVSM] = NewRenderer(device, RendererDepth)
	s.renderers[SuiteShadowMapPCF] = NewRenderer(device, RendererDepth)
	s.renderers[SuiteDeferredGBuffer] = NewRenderer(device, RendererDeferred)
	s.renderers[SuiteMotionVector] = NewRenderer(device, RendererMotionVector)
	return s
}

func (s *RendererSuite) Renderer(t RendererSuiteType) *Renderer {
	return s.renderers[t]
}

// UpdateMeshRendererOptionsFromLighting derives option bits per
// renderer from the lighting configuration.
func (s *RendererSuite) UpdateMeshRendererOptionsFromLighting(config RendererSuiteConfig) {
	var base RendererOptionFlags
	if config.DirectionalShadows {
		base |= OptionShadowEnable
	}
	if config.CascadedShadows {
		base |= OptionShadowCascadeEnable
	}
	if config.DirectionalShadowVSM {
		base |= OptionShadowVSM
	}
	if config.PositionalLights {
		base |= OptionPositionalLightEnable
	}
	if config.PositionalShadows {
		base |= OptionPositionalLightShadowEnable
	}
	if config.PositionalShadowVSM {
		base |= OptionPositionalLightShadowVSM
	}
	if config.ClusteredBindless {
		base |= OptionPositionalLightClusterBindless
	}
	if config.Decals {
		base |= OptionPositionalDecals
	}
	if config.VolumetricFog {
		base |= OptionVolumetricFogEnable
	}
	if config.VolumetricDiffuse {
		base |= OptionVolumetricDiffuseEnable
	}
	if config.Fog {
		base |= OptionFogEnable
	}
	if config.AmbientOcclusion {
		base |= OptionAmbientOcclusion
	}
	if config.PCFWide {
		base |= OptionShadowPCFKernelWide
	}

	s.renderers[SuiteForwardOpaque].SetMeshRendererOptions(base)
	s.renderers[SuiteDeferredGBuffer].SetMeshRendererOptions(base)
	s.renderers[SuiteMotionVector].SetMeshRendererOptions(0)

	// Depth-only renderers only care about alpha test and VSM-ness.
	s.renderers[SuitePrepassDepth].SetMeshRendererOptions(0)
	if config.DirectionalShadowVSM || config.PositionalShadowVSM {
		s.renderers[SuiteShadowMapVSM].SetMeshRendererOptions(OptionShadowVSM)
	} else {
		s.renderers[SuiteShadowMapVSM].SetMeshRendererOptions(0)
	}
	var pcf RendererOptionFlags
	if config.PCFWide {
		pcf |= OptionShadowPCFKernelWide
	}
	s.renderers[SuiteShadowMapPCF].SetMeshRendererOptions(pcf)
}
