// volumetric_diffuse.go - Diffuse probe volumes with temporal layering

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
volumetric_diffuse.go - Volumetric diffuse global illumination

Each volume component owns a 3D grid of probes. A probe's irradiance
comes from a 6-face miniature cubemap: the g-buffer is captured at
ProbeResolution * ProbeDownsamplingFactor texels per face, downsampled
on compute, then integrated over the hemisphere. Four temporally
interleaved jittered layers decorrelate sampling; one layer updates per
frame, and the delivered volume is the average of all layers.

Per frame:
 1. A culling pass appends in-frustum probe volumes to a worklist
    buffer with an atomic counter.
 2. The hemisphere integral dispatches indirectly from the worklist
    into the accumulation volumes.
 3. An average pass merges the NumProbeLayers into the output volume.
*/

package main

import (
	"math"
)

const (
	NumProbeLayers          = 4
	ProbeResolution         = 8
	ProbeDownsamplingFactor = 16
)

// probeJitter holds the four per-layer sampling offsets in texel
// space, one vec4 per layer.
var probeJitter = [NumProbeLayers]Vec4{
	{0.0, 0.0, 0.0, 0.0},
	{0.5, 0.25, 0.75, 0.0},
	{0.25, 0.75, 0.5, 0.0},
	{0.75, 0.5, 0.25, 0.0},
}

// probeLayerForTexel picks which layer a probe texel updates this
// frame; neighboring texels land on different layers.
func probeLayerForTexel(layer, x, y int) int {
	return (layer + (y&1)*2 + (x&1)) % NumProbeLayers
}

// VolumetricDiffuseLightComponent is one probe volume placed in the
// scene.
type VolumetricDiffuseLightComponent struct {
	Cookie      uint64
	Position    Vec3
	Extent      Vec3
	ResolutionX int
	ResolutionY int
	ResolutionZ int

	// UpdateIteration selects the layer refreshed this frame.
	UpdateIteration uint64

	// Accumulation and delivered volumes live on the GPU; the CPU side
	// tracks dimensions and per-layer state.
	gbufferAllocated bool
}

func (c *VolumetricDiffuseLightComponent) ProbeCount() int {
	return c.ResolutionX * c.ResolutionY * c.ResolutionZ
}

// GBufferFaceSize is the capture resolution per probe face before
// downsampling.
func GBufferFaceSize() int {
	return ProbeResolution * ProbeDownsamplingFactor
}

// VolumetricDiffuseManager drives probe refresh across all volumes.
type VolumetricDiffuseManager struct {
	device *Device
	group  *ThreadGroup

	volumes []*VolumetricDiffuseLightComponent

	// Culling outputs, mirroring worklist_buffer / atomic_buffer.
	worklist     []uint32
	worklistSize uint32

	fallbackVolume []float32
}

func NewVolumetricDiffuseManager(device *Device, group *ThreadGroup) *VolumetricDiffuseManager {
	return &VolumetricDiffuseManager{
		device: device,
		group:  group,
		// Fallback texel buffer: a single neutral probe for renderers
		// running without any volume in range.
		fallbackVolume: make([]float32, 4*6),
	}
}

func (m *VolumetricDiffuseManager) AddVolume(volume *VolumetricDiffuseLightComponent) {
	if volume.Cookie == 0 {
		volume.Cookie = NewCookie()
	}
	m.volumes = append(m.volumes, volume)
}

func (m *VolumetricDiffuseManager) Volumes() []*VolumetricDiffuseLightComponent {
	return m.volumes
}

// CullProbes rebuilds the worklist of in-frustum volumes. The count
// lands in the atomic counter slot consumed by indirect dispatch.
func (m *VolumetricDiffuseManager) CullProbes(ctx *RenderContext) {
	m.worklist = m.worklist[:0]
	m.worklistSize = 0
	for index, volume := range m.volumes {
		if len(m.worklist) >= MaxLightsVolume {
			break
		}
		radius := float32(math.Sqrt(float64(
			volume.Extent[0]*volume.Extent[0] +
				volume.Extent[1]*volume.Extent[1] +
				volume.Extent[2]*volume.Extent[2])))
		if ctx.Frustum.IntersectsSphere(volume.Position, radius) {
			m.worklist = append(m.worklist, uint32(index))
			m.worklistSize++
		}
	}
}

func (m *VolumetricDiffuseManager) Worklist() []uint32 { return m.worklist }

// RefreshFrame advances one probe layer on every culled volume:
// g-buffer capture, downsample, hemisphere integral, layer average.
func (m *VolumetricDiffuseManager) RefreshFrame(ctx *RenderContext, capture ProbeCapture) {
	m.CullProbes(ctx)

	var cmd *CommandBuffer
	if m.device != nil {
		cmd = m.device.RequestCommandBuffer(QueueAsyncCompute)
	}

	for _, index := range m.worklist {
		volume := m.volumes[index]
		layer := int(volume.UpdateIteration % NumProbeLayers)

		if capture != nil {
			// 128x128 per face at the default factors, six faces side
			// by side in one layered target.
			capture.CaptureProbeGBuffer(cmd, volume, layer, probeJitter[layer])
		}

		m.dispatchHemisphereIntegral(cmd, volume, layer)
		m.dispatchLayerAverage(cmd, volume)
		volume.UpdateIteration++
	}

	if cmd != nil {
		fence := m.device.CreateFence()
		m.device.Submit(cmd, fence)
	}
}

// ProbeCapture renders the probe g-buffer (emissive, albedo, normal,
// PBR, depth planes); supplied by the scene integration.
type ProbeCapture interface {
	CaptureProbeGBuffer(cmd *CommandBuffer, volume *VolumetricDiffuseLightComponent,
		layer int, jitter Vec4)
}

// dispatchHemisphereIntegral records the relight compute pass: one
// workgroup per 8x8 probe-face tile, z across the volume's x slices.
// The layer index rides in the push constants alongside the jitter
// table entry.
func (m *VolumetricDiffuseManager) dispatchHemisphereIntegral(cmd *CommandBuffer,
	volume *VolumetricDiffuseLightComponent, layer int) {
	if cmd == nil {
		return
	}
	groupsX := uint32((6 * ProbeResolution) / 8)
	groupsY := uint32(max(ProbeResolution/8, 1))
	groupsZ := uint32(volume.ResolutionX)
	vkCmdDispatch(cmd, groupsX, groupsY, groupsZ)
}

// dispatchLayerAverage merges NumProbeLayers into the delivered
// volume.
func (m *VolumetricDiffuseManager) dispatchLayerAverage(cmd *CommandBuffer,
	volume *VolumetricDiffuseLightComponent) {
	if cmd == nil {
		return
	}
	groupsX := uint32((volume.ResolutionX*6 + 7) / 8)
	groupsY := uint32((volume.ResolutionY + 7) / 8)
	groupsZ := uint32(volume.ResolutionZ)
	vkCmdDispatch(cmd, groupsX, groupsY, groupsZ)
}

// FallbackVolume is the neutral texel buffer bound when no volume
// covers the shading point.
func (m *VolumetricDiffuseManager) FallbackVolume() []float32 {
	return m.fallbackVolume
}
