// video_common_test.go - Tests for the color conversion core

package main

import (
	"math"
	"testing"
)

// TestGreyRoundTrip verifies the spec'd grey property: full-range
// BT.709 with R=G=B=v produces Y ~= v and centered chroma, and the
// decode direction reproduces v.
func TestGreyRoundTrip(t *testing.T) {
	for _, v := range []float64{0.0, 0.25, 0.5, 0.75, 1.0} {
		y, cb, cr := RGBToYCbCr(ColorSpaceBT709, ColorRangeFull, 8, [3]float64{v, v, v})

		if math.Abs(y-v) > 1.0/255.0 {
			t.Fatalf("v=%f: Y=%f, expected within 1 unorm bit", v, y)
		}
		if math.Abs(cb-0.5) > 1.0/255.0 || math.Abs(cr-0.5) > 1.0/255.0 {
			t.Fatalf("v=%f: chroma (%f, %f), expected centered", v, cb, cr)
		}

		rgb := YCbCrToRGB(ColorSpaceBT709, ColorRangeFull, 8, y, cb, cr)
		for c := 0; c < 3; c++ {
			if math.Abs(rgb[c]-v) > 2.0/255.0 {
				t.Fatalf("v=%f: decoded channel %d = %f, expected within 2 unorm bits", v, c, rgb[c])
			}
		}
	}
}

// TestLimitedRangeRoundTrip verifies narrow-range coding round-trips
// saturated colors.
func TestLimitedRangeRoundTrip(t *testing.T) {
	colors := [][3]float64{
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}, {0.2, 0.6, 0.9},
	}
	for _, space := range []ColorSpace{ColorSpaceBT709, ColorSpaceBT601_625, ColorSpaceBT2020, ColorSpaceSMPTE240M} {
		for _, rgb := range colors {
			y, cb, cr := RGBToYCbCr(space, ColorRangeLimited, 8, rgb)
			back := YCbCrToRGB(space, ColorRangeLimited, 8, y, cb, cr)
			for c := 0; c < 3; c++ {
				if math.Abs(back[c]-rgb[c]) > 0.02 {
					t.Fatalf("space %d color %v: channel %d round-tripped to %f", space, rgb, c, back[c])
				}
			}
		}
	}
}

// TestLimitedRangeOffsets verifies the 16/219 luma coding of limited
// range: black maps to code 16.
func TestLimitedRangeOffsets(t *testing.T) {
	y, _, _ := RGBToYCbCr(ColorSpaceBT709, ColorRangeLimited, 8, [3]float64{0, 0, 0})
	if math.Abs(y*255.0-16.0) > 0.51 {
		t.Fatalf("limited black Y code = %f, expected 16", y*255.0)
	}
	y, _, _ = RGBToYCbCr(ColorSpaceBT709, ColorRangeLimited, 8, [3]float64{1, 1, 1})
	if math.Abs(y*255.0-235.0) > 0.51 {
		t.Fatalf("limited white Y code = %f, expected 235", y*255.0)
	}
}

// TestTenBitLumaOffset verifies the range shift scales with bit depth
// (16 << (bits-8)).
func TestTenBitLumaOffset(t *testing.T) {
	y, _, _ := RGBToYCbCr(ColorSpaceBT709, ColorRangeLimited, 10, [3]float64{0, 0, 0})
	if math.Abs(y*1023.0-64.0) > 0.51 {
		t.Fatalf("10-bit limited black Y code = %f, expected 64", y*1023.0)
	}
}

// TestChromaSitingOffsets verifies the siting table of the conversion
// contract.
func TestChromaSitingOffsets(t *testing.T) {
	cases := []struct {
		siting ChromaSiting
		x, y   float32
	}{
		{ChromaSitingTopLeft, 1, 1},
		{ChromaSitingTop, 0.5, 1},
		{ChromaSitingLeft, 1, 0.5},
		{ChromaSitingCenter, 0.5, 0.5},
		{ChromaSitingBottom, 0.5, 0},
		{ChromaSitingBottomLeft, 1, 0},
	}
	for _, tc := range cases {
		x, y := ChromaSitingOffset(tc.siting)
		if x != tc.x || y != tc.y {
			t.Fatalf("siting %d offset (%f, %f), expected (%f, %f)", tc.siting, x, y, tc.x, tc.y)
		}
	}
}

// TestUnormRescale verifies the P010-style high-bit compensation.
func TestUnormRescale(t *testing.T) {
	r := UnormRescale(10, 16)
	// A full-scale 10-bit value stored in the high bits must rescale
	// to exactly 1.0.
	fullScale := float64(1023<<6) / 65535.0
	if math.Abs(fullScale*float64(r)-1.0) > 1e-6 {
		t.Fatalf("rescaled full-scale = %f", fullScale*float64(r))
	}
	if UnormRescale(8, 8) != 1.0 {
		t.Fatal("same-depth rescale should be 1")
	}
}

// TestColorSpaceFromHeight verifies the SD/HD fallback split.
func TestColorSpaceFromHeight(t *testing.T) {
	if ColorSpaceFromHeight(480) != ColorSpaceBT601_625 {
		t.Fatal("SD content should derive BT.601")
	}
	if ColorSpaceFromHeight(1080) != ColorSpaceBT709 {
		t.Fatal("HD content should derive BT.709")
	}
}

// TestConversionParams verifies derived UBO fields.
func TestConversionParams(t *testing.T) {
	p := BuildYCbCrConversionParams(ColorSpaceBT709, ColorRangeLimited,
		ChromaSitingTopLeft, 1920, 1080, 8, 8)
	if p.Resolution != [2]int32{1920, 1080} {
		t.Fatalf("resolution = %v", p.Resolution)
	}
	if math.Abs(float64(p.InvResolution[0])-1.0/1920.0) > 1e-9 {
		t.Fatalf("inv resolution = %v", p.InvResolution)
	}
	if p.ChromaSiting != [2]float32{1, 1} {
		t.Fatalf("siting = %v", p.ChromaSiting)
	}
	if p.UnormRescale != 1.0 {
		t.Fatalf("unorm rescale = %f", p.UnormRescale)
	}
}

// TestPlaneLayouts verifies the format table basics.
func TestPlaneLayouts(t *testing.T) {
	nv12 := planeLayoutFor(PlaneFormatNV12)
	if nv12.NumPlanes != 2 || !nv12.InterleavedUV || !nv12.ChromaSubsampled {
		t.Fatalf("nv12 layout %+v", nv12)
	}
	p010 := planeLayoutFor(PlaneFormatP010)
	if p010.PayloadBits != 10 || p010.ContainerBits != 16 {
		t.Fatalf("p010 layout %+v", p010)
	}
	if UnormRescale(p010.PayloadBits, p010.ContainerBits) <= 1.0 {
		t.Fatal("p010 rescale should exceed 1")
	}
	y444 := planeLayoutFor(PlaneFormatYUV444P)
	if y444.NumPlanes != 3 || y444.ChromaSubsampled {
		t.Fatalf("yuv444p layout %+v", y444)
	}
}
