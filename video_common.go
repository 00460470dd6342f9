// video_common.go - Shared YCbCr color conversion core

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
video_common.go - Color space plumbing for both video pipelines

The decode side consumes a yuv_to_rgb matrix combining range expansion
with the color-space coefficients, plus a primaries matrix into the
sRGB gamut. The encode side uses the forward direction. Both sides
share the chroma siting offsets and the 10-bit-in-16-bit unorm rescale
factor. The CPU reference conversions here back the readback paths and
the round-trip tests; the GPU compute shaders implement the same
matrices.
*/

package main

import (
	"math"
)

type ColorSpace int

const (
	ColorSpaceBT709 ColorSpace = iota
	ColorSpaceBT601_525
	ColorSpaceBT601_625
	ColorSpaceBT2020
	ColorSpaceSMPTE240M
	ColorSpaceUnspecified
)

// ColorSpaceFromHeight derives the space for unspecified content the
// way players conventionally do: SD is 601, HD is 709.
func ColorSpaceFromHeight(height int) ColorSpace {
	if height > 576 {
		return ColorSpaceBT709
	}
	return ColorSpaceBT601_625
}

type ColorRange int

const (
	ColorRangeLimited ColorRange = iota
	ColorRangeFull
)

type ChromaSiting int

const (
	ChromaSitingTopLeft ChromaSiting = iota
	ChromaSitingTop
	ChromaSitingLeft
	ChromaSitingCenter
	ChromaSitingBottom
	ChromaSitingBottomLeft
)

// ChromaSitingOffset returns the half-texel phase realizing the
// siting during 2x chroma resampling.
func ChromaSitingOffset(siting ChromaSiting) (x, y float32) {
	switch siting {
	case ChromaSitingTopLeft:
		return 1.0, 1.0
	case ChromaSitingTop:
		return 0.5, 1.0
	case ChromaSitingLeft:
		return 1.0, 0.5
	case ChromaSitingCenter:
		return 0.5, 0.5
	case ChromaSitingBottom:
		return 0.5, 0.0
	default: // BottomLeft
		return 1.0, 0.0
	}
}

// lumaCoefficients returns Kr, Kg, Kb for the space.
func lumaCoefficients(space ColorSpace) (kr, kg, kb float64) {
	switch space {
	case ColorSpaceBT601_525, ColorSpaceBT601_625:
		kr, kb = 0.299, 0.114
	case ColorSpaceBT2020:
		kr, kb = 0.2627, 0.0593
	case ColorSpaceSMPTE240M:
		kr, kb = 0.212, 0.087
	default: // BT.709 and fallback
		kr, kb = 0.2126, 0.0722
	}
	kg = 1.0 - kr - kb
	return kr, kg, kb
}

// rangeScaleBias returns per-plane normalization for the given range
// and bit depth: luma offset 0 or 16<<(bits-8); narrow ranges use
// 219/224 luma/chroma codes.
func rangeScaleBias(r ColorRange, bits int) (lumaOff, lumaScale, chromaScale float64) {
	maxVal := float64(int(1)<<bits - 1)
	if r == ColorRangeFull {
		return 0, maxVal, maxVal
	}
	shift := float64(int(1) << (bits - 8))
	return 16 * shift, 219 * shift, 224 * shift
}

// YUVToRGBMatrix builds the decode matrix over normalized [0,1] plane
// samples: range expansion folded together with the space
// coefficients. Column-major mat4; input is (Y, Cb, Cr, 1).
func YUVToRGBMatrix(space ColorSpace, r ColorRange, bits int) Mat4 {
	kr, _, kb := lumaCoefficients(space)
	lumaOff, lumaScale, chromaScale := rangeScaleBias(r, bits)
	maxVal := float64(int(1)<<bits - 1)

	// Normalized sample -> code value -> expanded signal.
	yScale := maxVal / lumaScale
	cScale := maxVal / chromaScale
	yBias := -lumaOff / lumaScale
	// Chroma midpoint in codes is 1<<(bits-1).
	cBias := -float64(int(1)<<(bits-1)) / maxVal * cScale

	crR := 2.0 * (1.0 - kr)
	cbB := 2.0 * (1.0 - kb)
	kg := 1.0 - kr - kb
	cbG := -2.0 * (1.0 - kb) * kb / kg
	crG := -2.0 * (1.0 - kr) * kr / kg

	var m Mat4
	// R = yScale*Y + crR*cScale*Cr + (yBias + crR*cBias)
	m[0] = float32(yScale)
	m[1] = float32(yScale)
	m[2] = float32(yScale)

	m[4] = 0
	m[5] = float32(cbG * cScale)
	m[6] = float32(cbB * cScale)

	m[8] = float32(crR * cScale)
	m[9] = float32(crG * cScale)
	m[10] = 0

	m[12] = float32(yBias + crR*cBias)
	m[13] = float32(yBias + cbG*cBias + crG*cBias)
	m[14] = float32(yBias + cbB*cBias)
	m[15] = 1
	return m
}

// PrimariesToSRGBMatrix converts decoded linear RGB in the source
// gamut into sRGB primaries: inverse(M_sRGB) * M_source.
func PrimariesToSRGBMatrix(space ColorSpace) Mat4 {
	switch space {
	case ColorSpaceBT2020:
		// BT.2020 -> sRGB/BT.709.
		return Mat4{
			1.6605, -0.1246, -0.0182, 0,
			-0.5876, 1.1329, -0.1006, 0,
			-0.0728, -0.0083, 1.1187, 0,
			0, 0, 0, 1,
		}
	case ColorSpaceBT601_525, ColorSpaceSMPTE240M:
		// SMPTE-C -> sRGB.
		return Mat4{
			0.9395, 0.0178, -0.0016, 0,
			0.0502, 0.9658, -0.0044, 0,
			0.0103, 0.0164, 1.0060, 0,
			0, 0, 0, 1,
		}
	case ColorSpaceBT601_625:
		// EBU -> sRGB.
		return Mat4{
			1.0440, 0.0000, -0.0000, 0,
			-0.0440, 1.0000, 0.0118, 0,
			0.0000, 0.0000, 0.9882, 0,
			0, 0, 0, 1,
		}
	default:
		return Mat4Identity()
	}
}

// UnormRescale compensates 10/12-bit payloads stored in the high bits
// of 16-bit planes (P010/P016 style).
func UnormRescale(payloadBits, containerBits int) float32 {
	if payloadBits >= containerBits {
		return 1.0
	}
	containerMax := float64(int(1)<<containerBits - 1)
	payloadMax := float64(int(1)<<payloadBits - 1)
	shift := float64(int(1) << (containerBits - payloadBits))
	return float32(containerMax / (payloadMax * shift))
}

// YCbCrConversionParams mirrors the conversion UBO consumed by the
// decode compute shader.
type YCbCrConversionParams struct {
	YUVToRGB          Mat4
	PrimaryConversion Mat4
	Resolution        [2]int32
	InvResolution     [2]float32
	ChromaSiting      [2]float32
	ChromaClamp       [2]float32
	UnormRescale      float32
}

func BuildYCbCrConversionParams(space ColorSpace, r ColorRange, siting ChromaSiting,
	width, height, payloadBits, containerBits int) YCbCrConversionParams {
	var p YCbCrConversionParams
	p.YUVToRGB = YUVToRGBMatrix(space, r, payloadBits)
	p.PrimaryConversion = PrimariesToSRGBMatrix(space)
	p.Resolution = [2]int32{int32(width), int32(height)}
	p.InvResolution = [2]float32{1.0 / float32(width), 1.0 / float32(height)}
	p.ChromaSiting[0], p.ChromaSiting[1] = ChromaSitingOffset(siting)
	// Clamp chroma taps to the half-res plane to avoid edge bleed.
	p.ChromaClamp = [2]float32{
		(float32(width)/2 - 0.5) / (float32(width) / 2),
		(float32(height)/2 - 0.5) / (float32(height) / 2),
	}
	p.UnormRescale = UnormRescale(payloadBits, containerBits)
	return p
}

// ------------------------------------------------------------------------------
// CPU reference conversions
// ------------------------------------------------------------------------------

// RGBToYCbCr converts one normalized RGB triple to normalized plane
// samples (forward/encode direction).
func RGBToYCbCr(space ColorSpace, r ColorRange, bits int, rgb [3]float64) (y, cb, cr float64) {
	kr, kg, kb := lumaCoefficients(space)
	yLinear := kr*rgb[0] + kg*rgb[1] + kb*rgb[2]
	cbSig := 0.5 * (rgb[2] - yLinear) / (1.0 - kb)
	crSig := 0.5 * (rgb[0] - yLinear) / (1.0 - kr)

	lumaOff, lumaScale, chromaScale := rangeScaleBias(r, bits)
	maxVal := float64(int(1)<<bits - 1)
	mid := float64(int(1) << (bits - 1))

	y = (lumaOff + yLinear*lumaScale) / maxVal
	cb = (mid + cbSig*chromaScale) / maxVal
	cr = (mid + crSig*chromaScale) / maxVal
	return clamp01(y), clamp01(cb), clamp01(cr)
}

// YCbCrToRGB is the decode direction over normalized samples.
func YCbCrToRGB(space ColorSpace, r ColorRange, bits int, y, cb, cr float64) [3]float64 {
	m := YUVToRGBMatrix(space, r, bits)
	in := [4]float64{y, cb, cr, 1}
	var out [3]float64
	for row := 0; row < 3; row++ {
		out[row] = float64(m[row])*in[0] + float64(m[4+row])*in[1] +
			float64(m[8+row])*in[2] + float64(m[12+row])*in[3]
		out[row] = clamp01(out[row])
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1.0, math.Max(0.0, v))
}

// ------------------------------------------------------------------------------
// Plane formats
// ------------------------------------------------------------------------------

type PlanePixelFormat int

const (
	PlaneFormatYUV420P PlanePixelFormat = iota
	PlaneFormatYUV444P
	PlaneFormatNV12
	PlaneFormatNV21
	PlaneFormatP010
	PlaneFormatP016
	PlaneFormatYUV420P10
	PlaneFormatYUV444P10
)

type planeLayout struct {
	NumPlanes     int
	ChromaSubsampled bool
	PayloadBits   int
	ContainerBits int
	InterleavedUV bool
	SwappedUV     bool
}

func planeLayoutFor(format PlanePixelFormat) planeLayout {
	switch format {
	case PlaneFormatYUV444P:
		return planeLayout{NumPlanes: 3, PayloadBits: 8, ContainerBits: 8}
	case PlaneFormatNV12:
		return planeLayout{NumPlanes: 2, ChromaSubsampled: true, PayloadBits: 8, ContainerBits: 8, InterleavedUV: true}
	case PlaneFormatNV21:
		return planeLayout{NumPlanes: 2, ChromaSubsampled: true, PayloadBits: 8, ContainerBits: 8, InterleavedUV: true, SwappedUV: true}
	case PlaneFormatP010:
		return planeLayout{NumPlanes: 2, ChromaSubsampled: true, PayloadBits: 10, ContainerBits: 16, InterleavedUV: true}
	case PlaneFormatP016:
		return planeLayout{NumPlanes: 2, ChromaSubsampled: true, PayloadBits: 16, ContainerBits: 16, InterleavedUV: true}
	case PlaneFormatYUV420P10:
		return planeLayout{NumPlanes: 3, ChromaSubsampled: true, PayloadBits: 10, ContainerBits: 16}
	case PlaneFormatYUV444P10:
		return planeLayout{NumPlanes: 3, PayloadBits: 10, ContainerBits: 16}
	default:
		return planeLayout{NumPlanes: 3, ChromaSubsampled: true, PayloadBits: 8, ContainerBits: 8}
	}
}
