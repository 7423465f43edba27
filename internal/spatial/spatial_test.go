package spatial

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"dwarfendepths/movecore/internal/geom"
)

func TestSegmentGridNearbyFiltersByBounds(t *testing.T) {
	//1.- Two walls meet at a corner; only the near one overlaps the move.
	near := geom.NewSegment(1, 1, 1, 10)
	far := geom.NewSegment(1, 10, 10, 10)
	grid := NewSegmentGrid([]geom.Segment{near, far}, DefaultCellSize)

	move := geom.NewSegment(2, 4, 0, 6)
	buf := NewQueryBuffer(4)
	got := grid.Nearby(move.Bounds(), buf)
	require.Equal(t, []geom.Segment{near}, got)
}

func TestSegmentGridDeduplicatesAcrossCells(t *testing.T) {
	//1.- A long wall spans many cells but is reported once.
	long := geom.NewSegment(0, 0, 100, 0)
	grid := NewSegmentGrid([]geom.Segment{long}, 10)
	buf := NewQueryBuffer(0)
	got := grid.Nearby(geom.BoundingBox{MinX: -5, MinY: -5, MaxX: 105, MaxY: 5}, buf)
	require.Len(t, got, 1)

	//2.- Reusing the buffer does not leak marks between queries.
	got = grid.Nearby(geom.BoundingBox{MinX: 40, MinY: -1, MaxX: 60, MaxY: 1}, buf)
	require.Len(t, got, 1)
}

func TestSegmentGridEmptyNeverReports(t *testing.T) {
	grid := NewSegmentGrid(nil, DefaultCellSize)
	require.Empty(t, grid.Nearby(geom.BoundingBox{MinX: -1e6, MinY: -1e6, MaxX: 1e6, MaxY: 1e6}, NewQueryBuffer(0)))

	var missing *SegmentGrid
	require.Empty(t, missing.Nearby(geom.BoundingBox{}, nil))
}

func TestSegmentGridQueryOutsideExtentClamps(t *testing.T) {
	//1.- A query far away clamps to edge cells and is rejected by the narrow phase.
	grid := NewSegmentGrid([]geom.Segment{geom.NewSegment(0, 0, 5, 0)}, 10)
	require.Empty(t, grid.Nearby(geom.BoundingBox{MinX: 500, MinY: 500, MaxX: 510, MaxY: 510}, nil))
	require.Len(t, grid.Nearby(geom.BoundingBox{MinX: -3, MinY: -1, MaxX: 0, MaxY: 1}, nil), 1)
}

func TestTriangleGridGroundHeight(t *testing.T) {
	tris := []geom.Triangle{
		{V0: geom.Vec3{0, 0, 0}, V1: geom.Vec3{0, 0, 10}, V2: geom.Vec3{10, 0, 0}},
		{V0: geom.Vec3{10, 0, 0}, V1: geom.Vec3{0, 0, 10}, V2: geom.Vec3{10, 5, 10}},
	}
	grid := NewTriangleGrid(tris, DefaultCellSize)

	h, ok := grid.GroundHeight(geom.Vec2{1, 1})
	require.True(t, ok)
	require.InDelta(t, 0, h, 1e-9)

	h, ok = grid.GroundHeight(geom.Vec2{10, 10})
	require.True(t, ok)
	require.InDelta(t, 5, h, 1e-9)

	_, ok = grid.GroundHeight(geom.Vec2{20, 20})
	require.False(t, ok)
	_, ok = grid.TriangleAt(geom.Vec2{-5, 0})
	require.False(t, ok)

	tri, ok := grid.TriangleAt(geom.Vec2{9, 9})
	require.True(t, ok)
	require.Equal(t, tris[1], tri)
}

func TestTriangleGridEmpty(t *testing.T) {
	grid := NewTriangleGrid(nil, DefaultCellSize)
	_, ok := grid.GroundHeight(geom.Vec2{})
	require.False(t, ok)
	require.Equal(t, -1, grid.FindIndex(geom.Vec2{}))
}

func TestHeightfieldRejectsBadInput(t *testing.T) {
	_, err := NewHeightfield(make([]float64, 8), 3, geom.Vec2{}, geom.Vec2{10, 10})
	require.True(t, errors.Is(err, ErrHeightfieldSize))

	_, err = NewHeightfield([]float64{0}, 1, geom.Vec2{}, geom.Vec2{10, 10})
	require.True(t, errors.Is(err, ErrHeightfieldResolution))

	_, err = NewHeightfield(make([]float64, 4), 2, geom.Vec2{}, geom.Vec2{0, 10})
	require.Error(t, err)
}

func TestHeightfieldSplitRule(t *testing.T) {
	//1.- One cell with distinct corners: tl=0, tr=1, bl=2, br=4.
	hf, err := NewHeightfield([]float64{0, 1, 2, 4}, 2, geom.Vec2{0, 0}, geom.Vec2{10, 10})
	require.NoError(t, err)

	//2.- Corners are reproduced exactly.
	for _, tc := range []struct {
		p    geom.Vec2
		want float64
	}{
		{geom.Vec2{0, 0}, 0},
		{geom.Vec2{10, 0}, 1},
		{geom.Vec2{0, 10}, 2},
		{geom.Vec2{10, 10}, 4},
	} {
		h, ok := hf.GroundHeight(tc.p)
		require.True(t, ok)
		require.InDelta(t, tc.want, h, 1e-9, "point %v", tc.p)
	}

	//3.- Points on the diagonal belong to the lower triangle.
	tri, ok := hf.TriangleAt(geom.Vec2{5, 5})
	require.True(t, ok)
	require.Equal(t, geom.Vec3{0, 0, 0}, tri.V0)

	tri, ok = hf.TriangleAt(geom.Vec2{6, 6})
	require.True(t, ok)
	require.Equal(t, geom.Vec3{10, 4, 10}, tri.V2)

	//4.- Outside the rectangle is no ground.
	_, ok = hf.GroundHeight(geom.Vec2{10.01, 5})
	require.False(t, ok)
	_, ok = hf.GroundHeight(geom.Vec2{-0.01, 5})
	require.False(t, ok)
}

func TestHeightfieldAgreesWithTriangleGrid(t *testing.T) {
	//1.- Build both terrain flavours from the same samples.
	heights := []float64{
		0, 1, 3,
		2, 5, 1,
		4, 0, 2,
	}
	hf, err := NewHeightfield(heights, 3, geom.Vec2{-10, -10}, geom.Vec2{20, 20})
	require.NoError(t, err)
	mesh := NewTriangleGrid(hf.Triangulate(), DefaultCellSize)

	//2.- Sample a lattice kept clear of cell edges and diagonals.
	var terrains = []Terrain{hf, mesh}
	for x := -9.7; x < 10; x += 3.1 {
		for z := -9.1; z < 10; z += 3.7 {
			p := geom.Vec2{x, z}
			a, okA := terrains[0].GroundHeight(p)
			b, okB := terrains[1].GroundHeight(p)
			require.Equal(t, okA, okB, "point %v", p)
			require.InDelta(t, a, b, 1e-9, "point %v", p)
		}
	}

	//3.- Points hugging each cell diagonal pick the same facet in both.
	const cell = 10.0
	for gz := 0; gz < 2; gz++ {
		for gx := 0; gx < 2; gx++ {
			for _, along := range []float64{0.25, 0.5, 0.8} {
				for _, off := range []float64{-0.002, -0.0002, 0, 0.0002, 0.002} {
					fx, fz := along, 1-along+off
					p := geom.Vec2{-10 + (float64(gx)+fx)*cell, -10 + (float64(gz)+fz)*cell}
					a, okA := hf.GroundHeight(p)
					b, okB := mesh.GroundHeight(p)
					require.True(t, okA && okB, "point %v", p)
					require.InDelta(t, a, b, 1e-9, "point %v", p)
					triA, _ := hf.TriangleAt(p)
					triB, _ := mesh.TriangleAt(p)
					if off != 0 {
						require.Equal(t, triA, triB, "point %v", p)
					}
				}
			}
		}
	}
}

func TestTriangleGridPrefersStrictContainment(t *testing.T) {
	//1.- Two facets of one cell with very different slopes.
	hf, err := NewHeightfield([]float64{0, 0, 0, 10}, 2, geom.Vec2{0, 0}, geom.Vec2{10, 10})
	require.NoError(t, err)
	mesh := NewTriangleGrid(hf.Triangulate(), DefaultCellSize)

	//2.- Just past the diagonal the lower-right facet answers, not an
	// extrapolated upper-left one.
	p := geom.Vec2{5.002, 5.002}
	got, ok := mesh.GroundHeight(p)
	require.True(t, ok)
	want, _ := hf.GroundHeight(p)
	require.InDelta(t, want, got, 1e-9)
	require.Greater(t, got, 0.0)
}
