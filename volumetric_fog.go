// volumetric_fog.go - Froxel fog volume with temporal reprojection

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
volumetric_fog.go - Volumetric fog

A view-aligned froxel volume (default 160x92x64, log-spaced z) is
filled in two compute passes per frame: light density accumulation
(optionally blended against the previous frame's volume reprojected
through old_projection) and a front-to-back scatter/transmittance
integration into the delivered fog texture.

Sample jitter is decorrelated across frames with a 128x128x64 RGBA8
dither LUT of blue-noise-ish values offset by the golden ratio per z
slice.
*/

package main

import (
	"math"
)

const (
	fogDefaultWidth  = 160
	fogDefaultHeight = 92
	fogDefaultDepth  = 64

	fogDitherWidth  = 128
	fogDitherHeight = 128
	fogDitherDepth  = 64
)

// FogRegion is a world-space region feeding density into the volume.
type FogRegion struct {
	Cookie   uint64
	Position Vec3
	Extent   Vec3
	Density  float32
}

// DependencyFlags qualifies how a fog pass hooks into the render
// graph.
type DependencyFlags uint32

const (
	DependencyComputeRead DependencyFlags = 1 << iota
	DependencyComputeWrite
	DependencyFragmentRead
)

// RenderGraph / RenderPass are the external graph types the fog code
// registers against; only the dependency surface is consumed here.
type RenderGraph interface {
	AddDependency(pass string, resource string, flags DependencyFlags)
}

type RenderPassHandle interface {
	Name() string
}

type VolumetricFog struct {
	device *Device

	Width  int
	Height int
	Depth  int

	ZSliceLog2Scale float32

	regions []*FogRegion

	// Previous frame's view-projection for temporal reprojection.
	oldProjection      Mat4
	hasOldProjection   bool
	temporalReproject  bool

	ditherLUT []byte
	frame     uint64
}

func NewVolumetricFog(device *Device) *VolumetricFog {
	f := &VolumetricFog{
		device:            device,
		Width:             fogDefaultWidth,
		Height:            fogDefaultHeight,
		Depth:             fogDefaultDepth,
		ZSliceLog2Scale:   1.0,
		temporalReproject: true,
	}
	f.ditherLUT = buildFogDitherLUT()
	return f
}

func (f *VolumetricFog) AddRegion(region *FogRegion) {
	if region.Cookie == 0 {
		region.Cookie = NewCookie()
	}
	if len(f.regions) < MaxFogRegions {
		f.regions = append(f.regions, region)
	}
}

func (f *VolumetricFog) Regions() []*FogRegion { return f.regions }

func (f *VolumetricFog) SetTemporalReprojection(enable bool) {
	f.temporalReproject = enable
	if !enable {
		f.hasOldProjection = false
	}
}

// DitherLUT exposes the jitter texture contents (RGBA8,
// 128x128x64).
func (f *VolumetricFog) DitherLUT() []byte { return f.ditherLUT }

// buildFogDitherLUT fills the LUT with an interleaved-gradient noise
// base plus a golden-ratio offset per z slice.
func buildFogDitherLUT() []byte {
	lut := make([]byte, fogDitherWidth*fogDitherHeight*fogDitherDepth*4)
	const golden = 0.61803398875

	idx := 0
	for z := 0; z < fogDitherDepth; z++ {
		zOffset := math.Mod(float64(z)*golden, 1.0)
		for y := 0; y < fogDitherHeight; y++ {
			for x := 0; x < fogDitherWidth; x++ {
				// Interleaved gradient noise as the blue-noise stand-in.
				n := math.Mod(52.9829189*math.Mod(0.06711056*float64(x)+0.00583715*float64(y), 1.0), 1.0)
				r := math.Mod(n+zOffset, 1.0)
				g := math.Mod(n+2*zOffset, 1.0)
				b := math.Mod(n+3*zOffset, 1.0)
				a := n
				lut[idx+0] = byte(r * 255.0)
				lut[idx+1] = byte(g * 255.0)
				lut[idx+2] = byte(b * 255.0)
				lut[idx+3] = byte(a * 255.0)
				idx += 4
			}
		}
	}
	return lut
}

// SetupRenderPassDependencies registers the fog passes' reads and
// writes against the render graph.
func (f *VolumetricFog) SetupRenderPassDependencies(graph RenderGraph, pass RenderPassHandle,
	flags DependencyFlags) {
	graph.AddDependency(pass.Name(), "volumetric-fog", flags)
	graph.AddDependency(pass.Name(), "volumetric-fog-density", DependencyComputeWrite)
}

// RefreshFrame records the two compute passes.
func (f *VolumetricFog) RefreshFrame(ctx *RenderContext) {
	f.frame++

	var cmd *CommandBuffer
	if f.device != nil {
		cmd = f.device.RequestCommandBuffer(QueueAsyncCompute)
	}

	f.dispatchLightDensity(cmd, ctx)
	f.dispatchAccumulate(cmd)

	if cmd != nil {
		fence := f.device.CreateFence()
		f.device.Submit(cmd, fence)
	}

	// Latch this frame's projection for next frame's reprojection.
	f.oldProjection = ctx.ViewProjection
	f.hasOldProjection = f.temporalReproject
}

// dispatchLightDensity builds the HDR density volume; 4x4x4 workgroups
// over the froxel grid.
func (f *VolumetricFog) dispatchLightDensity(cmd *CommandBuffer, ctx *RenderContext) {
	if cmd == nil {
		return
	}
	vkCmdDispatch(cmd,
		uint32((f.Width+3)/4),
		uint32((f.Height+3)/4),
		uint32((f.Depth+3)/4))
}

// dispatchAccumulate integrates density front-to-back into the final
// fog texture; one workgroup column per 8x8 screen tile.
func (f *VolumetricFog) dispatchAccumulate(cmd *CommandBuffer) {
	if cmd == nil {
		return
	}
	vkCmdDispatch(cmd,
		uint32((f.Width+7)/8),
		uint32((f.Height+7)/8),
		1)
}

// SliceZ maps a froxel slice index to view depth; inverse of the
// shader's exponential slicing.
func (f *VolumetricFog) SliceZ(znear float32, slice int) float32 {
	if slice <= 0 {
		return znear
	}
	return znear * float32(math.Exp2(float64(slice)/float64(f.ZSliceLog2Scale)))
}

// OldProjection is consumed by the density pass for temporal
// reprojection; valid reports whether last frame latched one.
func (f *VolumetricFog) OldProjection() (Mat4, bool) {
	return f.oldProjection, f.hasOldProjection
}
