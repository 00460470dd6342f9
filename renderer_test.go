// renderer_test.go - Tests for renderer defines and queue dispatch

package main

import (
	"testing"
)

// TestRendererTypeDefineAlwaysInjected verifies every renderer type
// stamps its own define into the suites.
func TestRendererTypeDefineAlwaysInjected(t *testing.T) {
	cases := []struct {
		rendererType RendererType
		define       string
	}{
		{RendererForward, "RENDERER_FORWARD"},
		{RendererDeferred, "RENDERER_DEFERRED"},
		{RendererDepth, "RENDERER_DEPTH"},
		{RendererMotionVector, "RENDERER_MOTION_VECTOR"},
	}
	for _, tc := range cases {
		r := NewRenderer(nil, tc.rendererType)
		variant := r.Suite(RenderableMesh).ResolveVariant(nil)
		if variant.Defines[tc.define] != 1 {
			t.Fatalf("%s missing for renderer type %d", tc.define, tc.rendererType)
		}
	}
}

// TestRendererOptionDefines verifies option bits map to their shader
// defines and absent bits stay absent.
func TestRendererOptionDefines(t *testing.T) {
	r := NewRenderer(nil, RendererForward)
	r.SetMeshRendererOptions(OptionShadowEnable | OptionVolumetricFogEnable |
		OptionPositionalLightEnable | OptionPositionalLightClusterBindless)

	variant := r.Suite(RenderableMesh).ResolveVariant(nil)
	for _, want := range []string{"SHADOWS", "VOLUMETRIC_FOG", "POSITIONAL_LIGHTS", "CLUSTERER_BINDLESS"} {
		if variant.Defines[want] != 1 {
			t.Fatalf("define %s missing", want)
		}
	}
	for _, absent := range []string{"DIRECTIONAL_SHADOW_VSM", "POSITIONAL_DECALS", "MULTIVIEW"} {
		if _, ok := variant.Defines[absent]; ok {
			t.Fatalf("define %s present without its option bit", absent)
		}
	}
}

// TestShaderVariantHashStable verifies variant resolution is
// deterministic and sensitive to defines.
func TestShaderVariantHashStable(t *testing.T) {
	r := NewRenderer(nil, RendererForward)
	suite := r.Suite(RenderableMesh)

	a := suite.ResolveVariant(map[string]int{"ALPHA_TEST": 1})
	b := suite.ResolveVariant(map[string]int{"ALPHA_TEST": 1})
	c := suite.ResolveVariant(map[string]int{"ALPHA_TEST": 0})

	if a.Hash != b.Hash {
		t.Fatal("identical define sets produced different hashes")
	}
	if a.Hash == c.Hash {
		t.Fatal("different define values produced identical hashes")
	}
}

// TestRenderQueueDispatchOrder verifies forward flush dispatches
// opaque before transparent and the depth renderer disables color
// writes.
func TestRenderQueueDispatchOrder(t *testing.T) {
	var order []string

	queue := &RenderQueue{}
	push := func(subset RenderQueueType, name string) {
		queue.Push(subset, DrawPacket{Render: func(cmd *CommandBuffer, state *PipelineState) {
			order = append(order, name)
		}})
	}
	push(QueueSubsetTransparent, "transparent")
	push(QueueSubsetOpaque, "opaque")
	push(QueueSubsetOpaqueEmissive, "emissive")

	r := NewRenderer(nil, RendererForward)
	ctx := &RenderContext{ZNear: 0.1, ZFar: 100}
	ctx.SetCamera(Mat4Identity(), Mat4Identity())
	r.Flush(nil, queue, ctx, nil)

	want := []string{"opaque", "emissive", "transparent"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %d packets, expected %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, expected %v", order, want)
		}
	}
}

// TestDepthRendererState verifies the depth renderer masks color
// writes and enables bias.
func TestDepthRendererState(t *testing.T) {
	queue := &RenderQueue{}
	var captured PipelineState
	queue.Push(QueueSubsetOpaque, DrawPacket{Render: func(cmd *CommandBuffer, state *PipelineState) {
		captured = *state
	}})

	r := NewRenderer(nil, RendererDepth)
	ctx := &RenderContext{ZNear: 0.1, ZFar: 100}
	ctx.SetCamera(Mat4Identity(), Mat4Identity())
	r.Flush(nil, queue, ctx, nil)

	if captured.ColorWriteMask != 0 {
		t.Fatalf("depth renderer color write mask = %x, expected 0", captured.ColorWriteMask)
	}
	if !captured.DepthBias {
		t.Fatal("depth renderer did not enable depth bias")
	}
}

// TestSuiteLightingConfig verifies the suite propagates lighting
// options to its forward renderer.
func TestSuiteLightingConfig(t *testing.T) {
	suite := NewRendererSuite(nil)
	suite.UpdateMeshRendererOptionsFromLighting(RendererSuiteConfig{
		PositionalLights:  true,
		PositionalShadows: true,
		ClusteredBindless: true,
		VolumetricFog:     true,
		Decals:            true,
	})

	opts := suite.Renderer(SuiteForwardOpaque).Options()
	for _, bit := range []RendererOptionFlags{
		OptionPositionalLightEnable,
		OptionPositionalLightShadowEnable,
		OptionPositionalLightClusterBindless,
		OptionVolumetricFogEnable,
		OptionPositionalDecals,
	} {
		if opts&bit == 0 {
			t.Fatalf("option bit %x missing from forward renderer", bit)
		}
	}
	if suite.Renderer(SuiteMotionVector).Options() != 0 {
		t.Fatal("motion-vector renderer picked up lighting options")
	}
}

// TestFillRenderParameters verifies derived camera vectors.
func TestFillRenderParameters(t *testing.T) {
	ctx := &RenderContext{ZNear: 0.5, ZFar: 50}
	view := Mat4LookAt(Vec3{0, 0, 5}, Vec3{0, 0, 0}, Vec3{0, 1, 0})
	proj := Mat4Perspective(1.0, 16.0/9.0, ctx.ZNear, ctx.ZFar)
	ctx.SetCamera(view, proj)

	var params RenderParameters
	FillRenderParameters(ctx, &params)

	if params.ZNear != 0.5 || params.ZFar != 50 {
		t.Fatalf("z range %f..%f", params.ZNear, params.ZFar)
	}
	// Camera at +Z looking at origin: front is -Z.
	if params.CameraFront[2] > -0.9 {
		t.Fatalf("camera front = %v, expected -Z", params.CameraFront)
	}
	if params.CameraPosition[2] < 4.9 || params.CameraPosition[2] > 5.1 {
		t.Fatalf("camera position = %v, expected z=5", params.CameraPosition)
	}
}
