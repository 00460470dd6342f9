// clusterer.go - Bindless clustered light assignment with LRU shadow atlas

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
clusterer.go - Clustered light engine

Per frame the clusterer:
 1. Gathers visible positional lights, sharded across MaxTasks thread
    group tasks, and merges the per-task lists.
 2. Scans the merged list into up to MaxLightsBindless slots. Each
    slot's transform hash keys the shadow-map LRU cache, so a light
    whose transform is unchanged reuses its atlas slice untouched.
 3. Renders shadow maps for hot lights (1 face for spots, 6 for
    points) into LRU-allocated atlas slots. The mesh hash per face
    skips re-rendering static content. VSM lights render to a scratch
    target, downsample, then copy into the atlas.
 4. Builds the cluster bitmask and range buffers over the froxel grid
    with exponential z slicing, plus the parallel decal pair, and
    uploads them with the transform list.

The shadow atlas is published under the "bindless-shadowmaps" external
lock; lighting consumers co-hold it so next-frame shadow rendering
cannot race them.
*/

package main

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync/atomic"

	vk "github.com/goki/vulkan"
)

// Cluster capacity caps.
const (
	MaxLightsBindless = 4096
	MaxLightsGlobal   = 32
	MaxLightsVolume   = 128
	MaxFogRegions     = 128
	MaxDecalsBindless = 4096

	clustererMaxTasks = 4
)

// cookieCounter hands out process-wide unique identities for spatial
// entities.
var cookieCounter atomic.Uint64

func NewCookie() uint64 {
	return cookieCounter.Add(1)
}

type PositionalLightType int

const (
	LightSpot PositionalLightType = iota
	LightPoint
)

// PositionalLight is the clusterer's view of a light.
type PositionalLight struct {
	Cookie        uint64
	Type          PositionalLightType
	Position      Vec3
	Direction     Vec3
	Range         float32
	OuterAngle    float32
	Color         Vec3
	ShadowEnabled bool
	// LastTimestamp bumps whenever the transform changes; together
	// with the cookie it keys the shadow cache.
	LastTimestamp uint64
}

func (l *PositionalLight) transformHash() uint64 {
	h := fnv.New64a()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], l.Cookie)
	binary.LittleEndian.PutUint64(buf[8:], l.LastTimestamp)
	h.Write(buf[:])
	return h.Sum64()
}

// Decal is the parallel bindless entity sharing the cluster path.
type Decal struct {
	Cookie   uint64
	Position Vec3
	Extent   Vec3
}

// ClustererParametersBindless mirrors the bindless clusterer UBO.
type ClustererParametersBindless struct {
	Transform        Mat4
	CameraBase       Vec4
	CameraFront      Vec4
	XYScale          Vec4
	ResolutionXY     [2]int32
	InvResolutionXY  [2]float32
	NumLights        int32
	NumLights32      int32
	NumDecals        int32
	NumDecals32      int32
	ZSliceLog2Scale  float32
	ZMaxIndex        int32
}

// ------------------------------------------------------------------------------
// Shadow atlas
// ------------------------------------------------------------------------------

type ShadowFormat int

const (
	ShadowFormatPCF ShadowFormat = iota
	ShadowFormatVSM
)

type shadowAtlasSlot struct {
	slice         int
	cookie        uint64
	transformHash uint64
	meshHash      [6]uint64
	lastFrame     uint64
}

// shadowAtlas is an LRU cache of per-light shadow map slices keyed by
// (cookie, transform hash).
type shadowAtlas struct {
	slots    []shadowAtlasSlot
	byCookie map[uint64]*shadowAtlasSlot
	frame    uint64
}

func newShadowAtlas(numSlices int) *shadowAtlas {
	a := &shadowAtlas{
		slots:    make([]shadowAtlasSlot, numSlices),
		byCookie: make(map[uint64]*shadowAtlasSlot),
	}
	for i := range a.slots {
		a.slots[i].slice = i
	}
	return a
}

// acquire returns the slot for a light plus whether its cached shadow
// content is still valid for the given transform hash.
func (a *shadowAtlas) acquire(cookie, transformHash uint64) (*shadowAtlasSlot, bool) {
	if slot, ok := a.byCookie[cookie]; ok {
		slot.lastFrame = a.frame
		valid := slot.transformHash == transformHash
		slot.transformHash = transformHash
		return slot, valid
	}

	// Evict the least recently used slot.
	var victim *shadowAtlasSlot
	for i := range a.slots {
		s := &a.slots[i]
		if s.cookie == 0 {
			victim = s
			break
		}
		if victim == nil || s.lastFrame < victim.lastFrame {
			victim = s
		}
	}
	if victim.cookie != 0 {
		delete(a.byCookie, victim.cookie)
	}
	victim.cookie = cookie
	victim.transformHash = transformHash
	victim.meshHash = [6]uint64{}
	victim.lastFrame = a.frame
	a.byCookie[cookie] = victim
	return victim, false
}

// ------------------------------------------------------------------------------
// LightClusterer
// ------------------------------------------------------------------------------

// ShadowDrawer renders one shadow face for a light; supplied by the
// scene integration. The returned hash covers the visible meshes so
// unchanged content can skip the draw next frame.
type ShadowDrawer interface {
	RenderShadowFace(cmd *CommandBuffer, light *PositionalLight, face int,
		faceContext *RenderContext, atlasSlice int, format ShadowFormat) uint64
}

type LightClusterer struct {
	device *Device
	group  *ThreadGroup

	ResolutionX int
	ResolutionY int
	ResolutionZ int

	shadowResolution int
	shadowFormat     ShadowFormat
	zSliceLog2Scale  float32

	atlas      *shadowAtlas
	atlasLock  *ExternalResourceLock
	drawer     ShadowDrawer
	frameCount uint64

	// Per-frame outputs.
	parameters ClustererParametersBindless
	lights     []*PositionalLight
	decals     []*Decal

	transformsData []float32
	bitmaskData    []uint32
	rangeData      []uint32
	decalBitmask   []uint32
	decalRange     []uint32

	transformsBuffer *DeviceBuffer
	bitmaskBuffer    *DeviceBuffer
	rangeBuffer      *DeviceBuffer

	gatherLists [clustererMaxTasks][]*PositionalLight
}

func NewLightClusterer(device *Device, group *ThreadGroup) *LightClusterer {
	c := &LightClusterer{
		device:           device,
		group:            group,
		ResolutionX:      64,
		ResolutionY:      32,
		ResolutionZ:      16,
		shadowResolution: 512,
		zSliceLog2Scale:  1.0,
		atlas:            newShadowAtlas(256),
	}
	if device != nil {
		c.atlasLock = device.AddExternalLock("bindless-shadowmaps",
			vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit))
	}
	return c
}

func (c *LightClusterer) SetShadowResolution(res int) {
	c.shadowResolution = res
}

func (c *LightClusterer) SetShadowFormat(format ShadowFormat) {
	c.shadowFormat = format
}

func (c *LightClusterer) SetShadowDrawer(drawer ShadowDrawer) {
	c.drawer = drawer
}

func (c *LightClusterer) Parameters() *ClustererParametersBindless {
	return &c.parameters
}

func (c *LightClusterer) BitmaskData() []uint32 { return c.bitmaskData }
func (c *LightClusterer) RangeData() []uint32   { return c.rangeData }

// wordsPerVoxel is ceil(MaxLightsBindless/32) bitmask words per cell.
func wordsPerVoxel() int {
	return (MaxLightsBindless + 31) / 32
}

// Refresh runs the full per-frame pipeline against the given scene
// light set.
func (c *LightClusterer) Refresh(ctx *RenderContext, sceneLights []*PositionalLight, sceneDecals []*Decal) {
	c.frameCount++
	c.atlas.frame = c.frameCount

	c.gatherVisible(ctx, sceneLights)
	c.scanBindless()
	c.renderShadows(ctx)
	c.buildClusters(ctx, sceneDecals)
	c.uploadBuffers()
}

// gatherVisible shards frustum culling across the thread group.
func (c *LightClusterer) gatherVisible(ctx *RenderContext, sceneLights []*PositionalLight) {
	for i := range c.gatherLists {
		c.gatherLists[i] = c.gatherLists[i][:0]
	}

	if c.group == nil || len(sceneLights) < clustererMaxTasks*8 {
		for _, light := range sceneLights {
			if ctx.Frustum.IntersectsSphere(light.Position, light.Range) {
				c.gatherLists[0] = append(c.gatherLists[0], light)
			}
		}
	} else {
		gather := c.group.CreateTaskGroup()
		gather.SetDesc("clusterer-gather")
		for t := 0; t < clustererMaxTasks; t++ {
			gather.Enqueue(func() {
				for i := t; i < len(sceneLights); i += clustererMaxTasks {
					light := sceneLights[i]
					if ctx.Frustum.IntersectsSphere(light.Position, light.Range) {
						c.gatherLists[t] = append(c.gatherLists[t], light)
					}
				}
			})
		}
		gather.Flush()
		gather.Wait()
	}

	c.lights = c.lights[:0]
	for t := range c.gatherLists {
		c.lights = append(c.lights, c.gatherLists[t]...)
	}
}

// scanBindless fills bindless slots and the transform list.
func (c *LightClusterer) scanBindless() {
	if len(c.lights) > MaxLightsBindless {
		c.lights = c.lights[:MaxLightsBindless]
	}

	c.transformsData = c.transformsData[:0]
	for _, light := range c.lights {
		// One transform per light: position, range, direction, angle,
		// color. Packed as 3 vec4 rows.
		c.transformsData = append(c.transformsData,
			light.Position[0], light.Position[1], light.Position[2], light.Range,
			light.Direction[0], light.Direction[1], light.Direction[2], light.OuterAngle,
			light.Color[0], light.Color[1], light.Color[2], float32(light.Type),
		)
	}

	c.parameters.NumLights = int32(len(c.lights))
	c.parameters.NumLights32 = int32((len(c.lights) + 31) / 32)
	c.parameters.ZSliceLog2Scale = c.zSliceLog2Scale
	c.parameters.ResolutionXY = [2]int32{int32(c.ResolutionX), int32(c.ResolutionY)}
	c.parameters.InvResolutionXY = [2]float32{1.0 / float32(c.ResolutionX), 1.0 / float32(c.ResolutionY)}
	c.parameters.ZMaxIndex = int32(c.ResolutionZ - 1)
}

// renderShadows issues shadow passes for hot lights under the atlas
// lock.
func (c *LightClusterer) renderShadows(ctx *RenderContext) {
	if c.drawer == nil {
		return
	}
	if c.atlasLock != nil {
		c.atlasLock.Acquire()
		defer c.atlasLock.Release()
	}

	var cmd *CommandBuffer
	if c.device != nil {
		cmd = c.device.RequestCommandBuffer(QueueGraphics)
	}

	for _, light := range c.lights {
		if !light.ShadowEnabled {
			continue
		}
		slot, transformValid := c.atlas.acquire(light.Cookie, light.transformHash())

		faces := 1
		if light.Type == LightPoint {
			faces = 6
		}
		for face := 0; face < faces; face++ {
			faceCtx := c.shadowFaceContext(light, face)
			meshHash := c.drawer.RenderShadowFace(cmd, light, face, faceCtx, slot.slice, c.shadowFormat)
			if transformValid && slot.meshHash[face] == meshHash {
				// Cached slice content still matches; draw was a no-op
				// upstream and stays skipped next frame too.
				continue
			}
			slot.meshHash[face] = meshHash
		}
	}

	if cmd != nil {
		fence := c.device.CreateFence()
		c.device.Submit(cmd, fence)
	}
}

// shadowFaceContext builds the depth render context for one face.
func (c *LightClusterer) shadowFaceContext(light *PositionalLight, face int) *RenderContext {
	ctx := &RenderContext{ZNear: 0.1, ZFar: light.Range}

	var fovy float32 = float32(math.Pi / 2)
	target := light.Direction
	up := Vec3{0, 1, 0}
	if light.Type == LightPoint {
		// The six cube faces in +X -X +Y -Y +Z -Z order.
		dirs := [6]Vec3{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
		ups := [6]Vec3{{0, -1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}, {0, -1, 0}, {0, -1, 0}}
		target = dirs[face]
		up = ups[face]
	} else {
		fovy = 2.0 * light.OuterAngle
	}

	center := Vec3{
		light.Position[0] + target[0],
		light.Position[1] + target[1],
		light.Position[2] + target[2],
	}
	view := Mat4LookAt(light.Position, center, up)
	proj := Mat4Perspective(fovy, 1.0, ctx.ZNear, ctx.ZFar)
	ctx.SetCamera(view, proj)
	return ctx
}

// buildClusters fills the per-voxel bitmask and range buffers. Z
// slicing is exponential: slice = log2(z_linear) * scale, clamped.
func (c *LightClusterer) buildClusters(ctx *RenderContext, sceneDecals []*Decal) {
	words := wordsPerVoxel()
	voxels := c.ResolutionX * c.ResolutionY * c.ResolutionZ

	if cap(c.bitmaskData) < voxels*words {
		c.bitmaskData = make([]uint32, voxels*words)
		c.decalBitmask = make([]uint32, voxels*words)
	} else {
		c.bitmaskData = c.bitmaskData[:voxels*words]
		c.decalBitmask = c.decalBitmask[:voxels*words]
		clear(c.bitmaskData)
		clear(c.decalBitmask)
	}
	if cap(c.rangeData) < voxels*2 {
		c.rangeData = make([]uint32, voxels*2)
		c.decalRange = make([]uint32, voxels*2)
	} else {
		c.rangeData = c.rangeData[:voxels*2]
		c.decalRange = c.decalRange[:voxels*2]
		clear(c.rangeData)
		clear(c.decalRange)
	}

	for index, light := range c.lights {
		c.markVoxels(ctx, light.Position, light.Range, c.bitmaskData, index)
	}

	c.decals = c.decals[:0]
	for _, decal := range sceneDecals {
		radius := float32(math.Sqrt(float64(
			decal.Extent[0]*decal.Extent[0] +
				decal.Extent[1]*decal.Extent[1] +
				decal.Extent[2]*decal.Extent[2])))
		if !ctx.Frustum.IntersectsSphere(decal.Position, radius) {
			continue
		}
		if len(c.decals) >= MaxDecalsBindless {
			break
		}
		c.markVoxels(ctx, decal.Position, radius, c.decalBitmask, len(c.decals))
		c.decals = append(c.decals, decal)
	}
	c.parameters.NumDecals = int32(len(c.decals))
	c.parameters.NumDecals32 = int32((len(c.decals) + 31) / 32)

	c.buildRanges(c.bitmaskData, c.rangeData, words)
	c.buildRanges(c.decalBitmask, c.decalRange, words)
}

// markVoxels sets the entity's bit in every voxel its bounding sphere
// overlaps.
func (c *LightClusterer) markVoxels(ctx *RenderContext, center Vec3, radius float32, bitmask []uint32, index int) {
	words := wordsPerVoxel()

	for z := 0; z < c.ResolutionZ; z++ {
		zNear, zFar := c.sliceRangeView(ctx, z)
		for y := 0; y < c.ResolutionY; y++ {
			for x := 0; x < c.ResolutionX; x++ {
				if !c.sphereOverlapsVoxel(ctx, center, radius, x, y, zNear, zFar) {
					continue
				}
				voxel := (z*c.ResolutionY+y)*c.ResolutionX + x
				bitmask[voxel*words+index/32] |= 1 << uint(index&31)
			}
		}
	}
}

// sliceRangeView returns the view-space depth window of slice z.
func (c *LightClusterer) sliceRangeView(ctx *RenderContext, z int) (float32, float32) {
	scale := float64(c.zSliceLog2Scale)
	near := float64(ctx.ZNear)
	slice := func(i int) float32 {
		if i == 0 {
			return float32(near)
		}
		return float32(near * math.Exp2(float64(i)/scale))
	}
	return slice(z), slice(z + 1)
}

// sphereOverlapsVoxel is a conservative overlap test between the
// entity's view-space bounding sphere and a froxel cell.
func (c *LightClusterer) sphereOverlapsVoxel(ctx *RenderContext, center Vec3, radius float32,
	x, y int, zNear, zFar float32) bool {
	view := ctx.View.TransformPoint(center)
	viewZ := -view[2]

	if viewZ+radius < zNear || viewZ-radius > zFar {
		return false
	}

	// Project the sphere's extent onto the XY grid at its depth.
	depth := max32(viewZ, ctx.ZNear)
	proj := ctx.Projection
	sx := proj[0]
	sy := proj[5]

	ndcX := view[0] * sx / depth
	ndcY := view[1] * sy / depth
	ndcRadius := radius * max32(sx, sy) / depth

	cellMinX := 2.0*float32(x)/float32(c.ResolutionX) - 1.0
	cellMaxX := 2.0*float32(x+1)/float32(c.ResolutionX) - 1.0
	cellMinY := 2.0*float32(y)/float32(c.ResolutionY) - 1.0
	cellMaxY := 2.0*float32(y+1)/float32(c.ResolutionY) - 1.0

	return ndcX+ndcRadius >= cellMinX && ndcX-ndcRadius <= cellMaxX &&
		ndcY+ndcRadius >= cellMinY && ndcY-ndcRadius <= cellMaxY
}

// buildRanges produces, per voxel, the index range [first, last) of
// non-zero bitmask words so shaders iterate only the occupied span.
func (c *LightClusterer) buildRanges(bitmask, ranges []uint32, words int) {
	voxels := len(bitmask) / words
	for v := 0; v < voxels; v++ {
		first := uint32(words)
		last := uint32(0)
		for w := 0; w < words; w++ {
			if bitmask[v*words+w] != 0 {
				if uint32(w) < first {
					first = uint32(w)
				}
				last = uint32(w) + 1
			}
		}
		if first > last {
			first = 0
			last = 0
		}
		ranges[v*2+0] = first
		ranges[v*2+1] = last
	}
}

// uploadBuffers pushes the CPU-built buffers to the device.
func (c *LightClusterer) uploadBuffers() {
	if c.device == nil {
		return
	}

	ensure := func(buf **DeviceBuffer, size int, usage vk.BufferUsageFlags) *DeviceBuffer {
		if *buf != nil && (*buf).Size() >= size {
			return *buf
		}
		if *buf != nil {
			(*buf).Destroy()
		}
		b, err := c.device.CreateHostBuffer(size, usage)
		if err != nil {
			logError("clusterer buffer creation failed: %v", err)
			return nil
		}
		*buf = b
		return b
	}

	storage := vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	if b := ensure(&c.transformsBuffer, max(len(c.transformsData)*4, 64), storage); b != nil {
		b.Upload(float32SliceBytes(c.transformsData))
	}
	if b := ensure(&c.bitmaskBuffer, max(len(c.bitmaskData)*4, 64), storage); b != nil {
		b.Upload(uint32SliceBytes(c.bitmaskData))
	}
	if b := ensure(&c.rangeBuffer, max(len(c.rangeData)*4, 64), storage); b != nil {
		b.Upload(uint32SliceBytes(c.rangeData))
	}
}

// AtlasLock exposes the shadow atlas lock so lighting consumers can
// co-hold it while sampling.
func (c *LightClusterer) AtlasLock() *ExternalResourceLock {
	return c.atlasLock
}

func (c *LightClusterer) Close() {
	for _, b := range []*DeviceBuffer{c.transformsBuffer, c.bitmaskBuffer, c.rangeBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	c.transformsBuffer, c.bitmaskBuffer, c.rangeBuffer = nil, nil, nil
}
