// render_context.go - Camera context, render parameters and draw queues

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"math"
	"sort"
)

// ------------------------------------------------------------------------------
// Small linear algebra set
// ------------------------------------------------------------------------------

type Vec3 [3]float32

type Vec4 [4]float32

// Mat4 is column-major, matching GLSL/SPIR-V default layout.
type Mat4 [16]float32

func Mat4Identity() Mat4 {
	return Mat4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

func (m Mat4) Mul(o Mat4) Mat4 {
	var r Mat4
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += m[k*4+row] * o[col*4+k]
			}
			r[col*4+row] = sum
		}
	}
	return r
}

func (m Mat4) TransformPoint(p Vec3) Vec3 {
	x := m[0]*p[0] + m[4]*p[1] + m[8]*p[2] + m[12]
	y := m[1]*p[0] + m[5]*p[1] + m[9]*p[2] + m[13]
	z := m[2]*p[0] + m[6]*p[1] + m[10]*p[2] + m[14]
	w := m[3]*p[0] + m[7]*p[1] + m[11]*p[2] + m[15]
	if w != 0 && w != 1 {
		inv := 1.0 / w
		return Vec3{x * inv, y * inv, z * inv}
	}
	return Vec3{x, y, z}
}

// Inverse computes the general 4x4 inverse via cofactors. Returns
// identity for singular input.
func (m Mat4) Inverse() Mat4 {
	var inv Mat4

	inv[0] = m[5]*m[10]*m[15] - m[5]*m[11]*m[14] - m[9]*m[6]*m[15] +
		m[9]*m[7]*m[14] + m[13]*m[6]*m[11] - m[13]*m[7]*m[10]
	inv[4] = -m[4]*m[10]*m[15] + m[4]*m[11]*m[14] + m[8]*m[6]*m[15] -
		m[8]*m[7]*m[14] - m[12]*m[6]*m[11] + m[12]*m[7]*m[10]
	inv[8] = m[4]*m[9]*m[15] - m[4]*m[11]*m[13] - m[8]*m[5]*m[15] +
		m[8]*m[7]*m[13] + m[12]*m[5]*m[11] - m[12]*m[7]*m[9]
	inv[12] = -m[4]*m[9]*m[14] + m[4]*m[10]*m[13] + m[8]*m[5]*m[14] -
		m[8]*m[6]*m[13] - m[12]*m[5]*m[10] + m[12]*m[6]*m[9]
	inv[1] = -m[1]*m[10]*m[15] + m[1]*m[11]*m[14] + m[9]*m[2]*m[15] -
		m[9]*m[3]*m[14] - m[13]*m[2]*m[11] + m[13]*m[3]*m[10]
	inv[5] = m[0]*m[10]*m[15] - m[0]*m[11]*m[14] - m[8]*m[2]*m[15] +
		m[8]*m[3]*m[14] + m[12]*m[2]*m[11] - m[12]*m[3]*m[10]
	inv[9] = -m[0]*m[9]*m[15] + m[0]*m[11]*m[13] + m[8]*m[1]*m[15] -
		m[8]*m[3]*m[13] - m[12]*m[1]*m[11] + m[12]*m[3]*m[9]
	inv[13] = m[0]*m[9]*m[14] - m[0]*m[10]*m[13] - m[8]*m[1]*m[14] +
		m[8]*m[2]*m[13] + m[12]*m[1]*m[10] - m[12]*m[2]*m[9]
	inv[2] = m[1]*m[6]*m[15] - m[1]*m[7]*m[14] - m[5]*m[2]*m[15] +
		m[5]*m[3]*m[14] + m[13]*m[2]*m[7] - m[13]*m[3]*m[6]
	inv[6] = -m[0]*m[6]*m[15] + m[0]*m[7]*m[14] + m[4]*m[2]*m[15] -
		m[4]*m[3]*m[14] - m[12]*m[2]*m[7] + m[12]*m[3]*m[6]
	inv[10] = m[0]*m[5]*m[15] - m[0]*m[7]*m[13] - m[4]*m[1]*m[15] +
		m[4]*m[3]*m[13] + m[12]*m[1]*m[7] - m[12]*m[3]*m[5]
	inv[14] = -m[0]*m[5]*m[14] + m[0]*m[6]*m[13] + m[4]*m[1]*m[14] -
		m[4]*m[2]*m[13] - m[12]*m[1]*m[6] + m[12]*m[2]*m[5]
	inv[3] = -m[1]*m[6]*m[11] + m[1]*m[7]*m[10] + m[5]*m[2]*m[11] -
		m[5]*m[3]*m[10] - m[9]*m[2]*m[7] + m[9]*m[3]*m[6]
	inv[7] = m[0]*m[6]*m[11] - m[0]*m[7]*m[10] - m[4]*m[2]*m[11] +
		m[4]*m[3]*m[10] + m[8]*m[2]*m[7] - m[8]*m[3]*m[6]
	inv[11] = -m[0]*m[5]*m[11] + m[0]*m[7]*m[9] + m[4]*m[1]*m[11] -
		m[4]*m[3]*m[9] - m[8]*m[1]*m[7] + m[8]*m[3]*m[5]
	inv[15] = m[0]*m[5]*m[10] - m[0]*m[6]*m[9] - m[4]*m[1]*m[10] +
		m[4]*m[2]*m[9] + m[8]*m[1]*m[6] - m[8]*m[2]*m[5]

	det := m[0]*inv[0] + m[1]*inv[4] + m[2]*inv[8] + m[3]*inv[12]
	if det == 0 {
		return Mat4Identity()
	}
	invDet := 1.0 / det
	for i := range inv {
		inv[i] *= invDet
	}
	return inv
}

func Mat4Perspective(fovy, aspect, znear, zfar float32) Mat4 {
	f := float32(1.0 / math.Tan(float64(fovy)*0.5))
	var m Mat4
	m[0] = f / aspect
	m[5] = f
	m[10] = zfar / (znear - zfar)
	m[11] = -1
	m[14] = znear * zfar / (znear - zfar)
	return m
}

func Mat4LookAt(eye, center, up Vec3) Mat4 {
	f := vec3Normalize(vec3Sub(center, eye))
	s := vec3Normalize(vec3Cross(f, up))
	u := vec3Cross(s, f)

	m := Mat4Identity()
	m[0], m[4], m[8] = s[0], s[1], s[2]
	m[1], m[5], m[9] = u[0], u[1], u[2]
	m[2], m[6], m[10] = -f[0], -f[1], -f[2]
	m[12] = -vec3Dot(s, eye)
	m[13] = -vec3Dot(u, eye)
	m[14] = vec3Dot(f, eye)
	return m
}

func vec3Sub(a, b Vec3) Vec3     { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func vec3Dot(a, b Vec3) float32  { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func vec3Cross(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func vec3Normalize(v Vec3) Vec3 {
	l := float32(math.Sqrt(float64(vec3Dot(v, v))))
	if l == 0 {
		return v
	}
	inv := 1.0 / l
	return Vec3{v[0] * inv, v[1] * inv, v[2] * inv}
}

// ------------------------------------------------------------------------------
// Frustum
// ------------------------------------------------------------------------------

// Frustum holds six inward-facing planes extracted from a
// view-projection matrix.
type Frustum struct {
	planes [6]Vec4
}

func FrustumFromViewProjection(vp Mat4) Frustum {
	row := func(i int) Vec4 {
		return Vec4{vp[0*4+i], vp[1*4+i], vp[2*4+i], vp[3*4+i]}
	}
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)
	add := func(a, b Vec4) Vec4 { return Vec4{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]} }
	sub := func(a, b Vec4) Vec4 { return Vec4{a[0] - b[0], a[1] - b[1], a[2] - b[2], a[3] - b[3]} }

	var f Frustum
	f.planes[0] = add(r3, r0) // left
	f.planes[1] = sub(r3, r0) // right
	f.planes[2] = add(r3, r1) // bottom
	f.planes[3] = sub(r3, r1) // top
	f.planes[4] = add(r3, r2) // near
	f.planes[5] = sub(r3, r2) // far
	for i := range f.planes {
		p := f.planes[i]
		l := float32(math.Sqrt(float64(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])))
		if l > 0 {
			inv := 1.0 / l
			f.planes[i] = Vec4{p[0] * inv, p[1] * inv, p[2] * inv, p[3] * inv}
		}
	}
	return f
}

func (f *Frustum) IntersectsSphere(center Vec3, radius float32) bool {
	for _, p := range f.planes {
		dist := p[0]*center[0] + p[1]*center[1] + p[2]*center[2] + p[3]
		if dist < -radius {
			return false
		}
	}
	return true
}

// ------------------------------------------------------------------------------
// RenderContext
// ------------------------------------------------------------------------------

// RenderContext is the per-view camera state consumed by renderers and
// the clusterer.
type RenderContext struct {
	CameraPosition Vec3
	View           Mat4
	Projection     Mat4
	ViewProjection Mat4
	Frustum        Frustum
	ZNear          float32
	ZFar           float32
	FrameTime      float64
}

func (ctx *RenderContext) SetCamera(view, projection Mat4) {
	ctx.View = view
	ctx.Projection = projection
	ctx.ViewProjection = projection.Mul(view)
	ctx.Frustum = FrustumFromViewProjection(ctx.ViewProjection)
	inv := view.Inverse()
	ctx.CameraPosition = Vec3{inv[12], inv[13], inv[14]}
}

// RenderParameters mirrors the global render-parameters UBO.
type RenderParameters struct {
	Projection        Mat4
	View              Mat4
	ViewProjection    Mat4
	InvProjection     Mat4
	InvView           Mat4
	InvViewProjection Mat4
	CameraPosition    Vec4
	CameraFront       Vec4
	CameraRight       Vec4
	CameraUp          Vec4
	ZNear             float32
	ZFar              float32
}

// ------------------------------------------------------------------------------
// RenderQueue
// ------------------------------------------------------------------------------

type RenderQueueType int

const (
	QueueSubsetOpaque RenderQueueType = iota
	QueueSubsetOpaqueEmissive
	QueueSubsetLight
	QueueSubsetTransparent
	renderQueueTypeCount
)

// DrawPacket is one recorded draw: an opaque render closure plus a
// sorting key. Packets in opaque subsets sort front-to-back by key;
// transparent packets back-to-front.
type DrawPacket struct {
	SortKey uint64
	Render  func(cmd *CommandBuffer, state *PipelineState)
}

// PipelineState is the dynamic state a renderer configures before
// dispatching a subset.
type PipelineState struct {
	FrontFaceClockwise bool
	ColorWriteMask     uint32
	DepthTest          bool
	DepthWrite         bool
	DepthBias          bool
	CullMode           int
	StencilTest        bool
	StencilWrite       bool
	StencilRef         uint8
	Defines            map[string]int
}

type RenderQueue struct {
	subsets [renderQueueTypeCount][]DrawPacket
}

func (q *RenderQueue) Reset() {
	for i := range q.subsets {
		q.subsets[i] = q.subsets[i][:0]
	}
}

func (q *RenderQueue) Push(subset RenderQueueType, packet DrawPacket) {
	q.subsets[subset] = append(q.subsets[subset], packet)
}

func (q *RenderQueue) SubsetSize(subset RenderQueueType) int {
	return len(q.subsets[subset])
}

// Sort orders every subset for dispatch.
func (q *RenderQueue) Sort() {
	for subset := range q.subsets {
		packets := q.subsets[subset]
		if RenderQueueType(subset) == QueueSubsetTransparent {
			sort.SliceStable(packets, func(i, j int) bool { return packets[i].SortKey > packets[j].SortKey })
		} else {
			sort.SliceStable(packets, func(i, j int) bool { return packets[i].SortKey < packets[j].SortKey })
		}
	}
}

// DispatchSubset replays all packets of one subset into the command
// buffer under the given pipeline state.
func (q *RenderQueue) DispatchSubset(subset RenderQueueType, cmd *CommandBuffer, state *PipelineState) {
	for _, packet := range q.subsets[subset] {
		if packet.Render != nil {
			packet.Render(cmd, state)
		}
	}
}
