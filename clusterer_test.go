// clusterer_test.go - Tests for cluster assignment and the shadow LRU

package main

import (
	"testing"
)

func centeredContext(t *testing.T) *RenderContext {
	t.Helper()
	ctx := &RenderContext{ZNear: 0.1, ZFar: 100}
	view := Mat4LookAt(Vec3{0, 0, 0}, Vec3{0, 0, -1}, Vec3{0, 1, 0})
	proj := Mat4Perspective(1.2, 1.0, ctx.ZNear, ctx.ZFar)
	ctx.SetCamera(view, proj)
	return ctx
}

func testLight(pos Vec3, r float32) *PositionalLight {
	return &PositionalLight{
		Cookie:   NewCookie(),
		Type:     LightPoint,
		Position: pos,
		Range:    r,
	}
}

// TestClustererMarksCenterLight verifies a light straight ahead of the
// camera sets its bit in at least one voxel, and the range buffer
// covers the set word.
func TestClustererMarksCenterLight(t *testing.T) {
	c := NewLightClusterer(nil, nil)
	ctx := centeredContext(t)

	light := testLight(Vec3{0, 0, -5}, 2.0)
	c.Refresh(ctx, []*PositionalLight{light}, nil)

	if c.Parameters().NumLights != 1 {
		t.Fatalf("NumLights = %d, expected 1", c.Parameters().NumLights)
	}

	words := wordsPerVoxel()
	bitmask := c.BitmaskData()
	ranges := c.RangeData()
	marked := 0
	for v := 0; v < len(bitmask)/words; v++ {
		for w := 0; w < words; w++ {
			if bitmask[v*words+w] != 0 {
				marked++
				if ranges[v*2] > uint32(w) || ranges[v*2+1] <= uint32(w) {
					t.Fatalf("voxel %d range [%d,%d) excludes set word %d",
						v, ranges[v*2], ranges[v*2+1], w)
				}
			}
		}
	}
	if marked == 0 {
		t.Fatal("no voxel marked for a light in front of the camera")
	}
}

// TestClustererCullsBehindCamera verifies a light behind the camera
// contributes nothing.
func TestClustererCullsBehindCamera(t *testing.T) {
	c := NewLightClusterer(nil, nil)
	ctx := centeredContext(t)

	c.Refresh(ctx, []*PositionalLight{testLight(Vec3{0, 0, 50}, 1.0)}, nil)

	if c.Parameters().NumLights != 0 {
		t.Fatalf("NumLights = %d for a culled light, expected 0", c.Parameters().NumLights)
	}
	for _, w := range c.BitmaskData() {
		if w != 0 {
			t.Fatal("bitmask populated for a culled light")
		}
	}
}

// TestClustererEmptyRanges verifies empty voxels report a zero range.
func TestClustererEmptyRanges(t *testing.T) {
	c := NewLightClusterer(nil, nil)
	ctx := centeredContext(t)
	c.Refresh(ctx, nil, nil)

	ranges := c.RangeData()
	for v := 0; v < len(ranges)/2; v++ {
		if ranges[v*2] != 0 || ranges[v*2+1] != 0 {
			t.Fatalf("voxel %d range [%d,%d), expected [0,0)", v, ranges[v*2], ranges[v*2+1])
		}
	}
}

// TestShadowAtlasLRUReuse verifies a light keeps its slice across
// frames while its transform hash is stable, and eviction reclaims
// the least recently used slice.
func TestShadowAtlasLRUReuse(t *testing.T) {
	atlas := newShadowAtlas(2)

	atlas.frame = 1
	slotA, valid := atlas.acquire(100, 1)
	if valid {
		t.Fatal("fresh slot reported cached content")
	}
	slotA.meshHash[0] = 42

	atlas.frame = 2
	again, valid := atlas.acquire(100, 1)
	if !valid {
		t.Fatal("unchanged transform reported invalid")
	}
	if again.slice != slotA.slice {
		t.Fatal("light moved atlas slices without eviction")
	}
	if again.meshHash[0] != 42 {
		t.Fatal("cached mesh hash lost")
	}

	// A transform change keeps the slice but invalidates content.
	atlas.frame = 3
	moved, valid := atlas.acquire(100, 2)
	if valid {
		t.Fatal("changed transform reported valid")
	}
	if moved.slice != slotA.slice {
		t.Fatal("transform change should not reallocate the slice")
	}

	// Fill the atlas and evict the stalest entry.
	atlas.frame = 4
	atlas.acquire(200, 1)
	atlas.frame = 5
	victim, _ := atlas.acquire(300, 1)
	if victim.slice != slotA.slice {
		t.Fatalf("evicted slice %d, expected the LRU slice %d", victim.slice, slotA.slice)
	}
	if _, ok := atlas.byCookie[100]; ok {
		t.Fatal("evicted cookie still mapped")
	}
}

// shadowCountingDrawer counts face renders.
type shadowCountingDrawer struct {
	faces int
}

func (s *shadowCountingDrawer) RenderShadowFace(cmd *CommandBuffer, light *PositionalLight,
	face int, faceContext *RenderContext, atlasSlice int, format ShadowFormat) uint64 {
	s.faces++
	return light.Cookie // stable per light: simulates unchanged content
}

// TestClustererShadowFaces verifies spots render one face and points
// six.
func TestClustererShadowFaces(t *testing.T) {
	c := NewLightClusterer(nil, nil)
	drawer := &shadowCountingDrawer{}
	c.SetShadowDrawer(drawer)
	ctx := centeredContext(t)

	spot := testLight(Vec3{1, 0, -5}, 2.0)
	spot.Type = LightSpot
	spot.OuterAngle = 0.5
	spot.ShadowEnabled = true
	point := testLight(Vec3{-1, 0, -5}, 2.0)
	point.ShadowEnabled = true

	c.Refresh(ctx, []*PositionalLight{spot, point}, nil)

	if drawer.faces != 1+6 {
		t.Fatalf("rendered %d faces, expected 7", drawer.faces)
	}
}

// TestClustererTaskShardedGather verifies the thread-group gather path
// agrees with the serial path.
func TestClustererTaskShardedGather(t *testing.T) {
	group := newTestThreadGroup(t)
	c := NewLightClusterer(nil, group)
	ctx := centeredContext(t)

	// Enough lights to trip the sharded path; half are behind the
	// camera.
	var lights []*PositionalLight
	for i := 0; i < 64; i++ {
		z := float32(-5)
		if i%2 == 1 {
			z = 50
		}
		lights = append(lights, testLight(Vec3{0, 0, z}, 1.0))
	}
	c.Refresh(ctx, lights, nil)

	if c.Parameters().NumLights != 32 {
		t.Fatalf("NumLights = %d, expected 32", c.Parameters().NumLights)
	}
}

// TestCookieMonotonic verifies cookies are unique and increasing.
func TestCookieMonotonic(t *testing.T) {
	a := NewCookie()
	b := NewCookie()
	if b <= a {
		t.Fatalf("cookies not increasing: %d then %d", a, b)
	}
}
