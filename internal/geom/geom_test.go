package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntersectFindsCrossing(t *testing.T) {
	//1.- A diagonal move crossing a vertical wall meets it at x=1.
	movement := NewSegment(2, 4, 0, 6)
	wall := NewSegment(1, 1, 1, 10)
	hit, ok := Intersect(movement, wall, ParallelEpsilon)
	require.True(t, ok)
	require.InDelta(t, 1, hit.Point[0], 1e-9)
	require.InDelta(t, 5, hit.Point[1], 1e-9)
	require.InDelta(t, 0.5, hit.T, 1e-9)
}

func TestIntersectRejectsParallelAndDisjoint(t *testing.T) {
	//1.- Parallel and collinear pairs never intersect.
	_, ok := Intersect(NewSegment(0, 0, 10, 0), NewSegment(0, 1, 10, 1), ParallelEpsilon)
	require.False(t, ok)
	_, ok = Intersect(NewSegment(0, 0, 10, 0), NewSegment(2, 0, 8, 0), ParallelEpsilon)
	require.False(t, ok)

	//2.- Nearly parallel lines fall under the epsilon.
	_, ok = Intersect(NewSegment(0, 0, 1, 0), NewSegment(0, -0.00001, 1, 0.00001), ParallelEpsilon)
	require.False(t, ok)

	//3.- Lines that would cross beyond the segment ends do not count.
	_, ok = Intersect(NewSegment(0, 0, 1, 0), NewSegment(5, -1, 5, 1), ParallelEpsilon)
	require.False(t, ok)
}

func TestGlideAlongRemovesNormalComponent(t *testing.T) {
	wall := NewSegment(1, 1, 1, 10)
	glided := wall.GlideAlong(Vec2{-3, 2})
	require.InDelta(t, 0, glided[0], 1e-12)
	require.InDelta(t, 2, glided[1], 1e-12)
}

func TestForwardFromYaw(t *testing.T) {
	f := ForwardFromYaw(0)
	require.InDelta(t, 0, f[0], 1e-12)
	require.InDelta(t, 1, f[1], 1e-12)

	f = ForwardFromYaw(90)
	require.InDelta(t, 1, f[0], 1e-12)
	require.InDelta(t, 0, f[1], 1e-12)
}

func TestNormalizeLeavesZeroVector(t *testing.T) {
	require.Equal(t, Vec2{}, Normalize2(Vec2{}))
	require.Equal(t, Vec3{}, Normalize3(Vec3{}))
	n := Normalize2(Vec2{3, 4})
	require.InDelta(t, 1, n.Len(), 1e-12)
}

func TestTriangleSlopeAndHeight(t *testing.T) {
	//1.- Flat triangles report zero slope regardless of winding.
	flat := Triangle{V0: Vec3{0, 2, 0}, V1: Vec3{0, 2, 10}, V2: Vec3{10, 2, 0}}
	require.InDelta(t, 0, flat.SlopeAngle(), 1e-9)
	require.InDelta(t, 1, flat.Normal()[1], 1e-12)
	reversed := Triangle{V0: flat.V0, V1: flat.V2, V2: flat.V1}
	require.InDelta(t, 1, reversed.Normal()[1], 1e-12)

	//2.- A ramp rising one unit per unit of X is 45 degrees.
	ramp := Triangle{V0: Vec3{0, 0, 0}, V1: Vec3{0, 0, 10}, V2: Vec3{10, 10, 0}}
	require.InDelta(t, 45, ramp.SlopeAngle(), 1e-9)
	require.True(t, ramp.Walkable(45.001))
	require.False(t, ramp.Walkable(44))
	require.InDelta(t, 2, ramp.HeightAt(Vec2{2, 1}), 1e-9)
}

func TestTriangleContainsXZ(t *testing.T) {
	tri := Triangle{V0: Vec3{0, 0, 0}, V1: Vec3{0, 0, 10}, V2: Vec3{10, 0, 0}}
	require.True(t, tri.ContainsXZ(Vec2{1, 1}))
	require.True(t, tri.ContainsXZ(Vec2{5, 5}))
	require.False(t, tri.ContainsXZ(Vec2{6, 6}))
	require.False(t, tri.ContainsXZ(Vec2{-1, 1}))

	degenerate := Triangle{V0: Vec3{0, 0, 0}, V1: Vec3{1, 0, 1}, V2: Vec3{2, 0, 2}}
	require.False(t, degenerate.ContainsXZ(Vec2{1, 1}))

	//1.- Slack admits points just past an edge, the strict test does not.
	require.False(t, tri.ContainsXZ(Vec2{5.002, 5.002}))
	require.True(t, tri.ContainsXZNear(Vec2{5.002, 5.002}))
	require.False(t, tri.ContainsXZNear(Vec2{5.2, 5.2}))
}

func TestBoundingBox(t *testing.T) {
	box := BoundsOf(Vec2{2, 4}, Vec2{0, 6})
	require.Equal(t, BoundingBox{MinX: 0, MinY: 4, MaxX: 2, MaxY: 6}, box)
	require.True(t, box.Overlaps(BoundingBox{MinX: 2, MinY: 6, MaxX: 3, MaxY: 7}))
	require.False(t, box.Overlaps(BoundingBox{MinX: 2.1, MinY: 0, MaxX: 3, MaxY: 7}))
	union := box.Union(BoundingBox{MinX: -1, MinY: 5, MaxX: 1, MaxY: 9})
	require.Equal(t, BoundingBox{MinX: -1, MinY: 4, MaxX: 2, MaxY: 9}, union)
	require.True(t, union.Contains(Vec2{0, 8}))
	require.False(t, math.IsInf(union.MaxX, 0))
}

func TestSegmentEqualApprox(t *testing.T) {
	a := NewSegment(0, 0, 10, 0)
	require.True(t, a.EqualApprox(NewSegment(10, 0, 0, 0), 1e-3))
	require.False(t, a.EqualApprox(NewSegment(0, 0, 10, 1), 1e-3))
}
