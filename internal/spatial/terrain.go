package spatial

import "dwarfendepths/movecore/internal/geom"

// Terrain answers ground queries on the horizontal plane. The set of
// implementations is closed: TriangleGrid and Heightfield. Both split a quad
// cell along the same diagonal.
type Terrain interface {
	// GroundHeight returns the surface height under p, or false off the terrain.
	GroundHeight(p geom.Vec2) (float64, bool)
	// TriangleAt returns the facet supporting p, or false off the terrain.
	TriangleAt(p geom.Vec2) (geom.Triangle, bool)

	terrain()
}

// TriangleGrid is the mesh flavoured terrain.
type TriangleGrid struct {
	triangles []geom.Triangle
	layout    cellLayout
	cells     [][]int32
}

// NewTriangleGrid indexes the terrain facets by their XZ footprint.
func NewTriangleGrid(triangles []geom.Triangle, cellSize float64) *TriangleGrid {
	grid := &TriangleGrid{triangles: append([]geom.Triangle(nil), triangles...)}
	if len(triangles) == 0 {
		return grid
	}
	bounds := make([]geom.BoundingBox, len(triangles))
	extent := triangles[0].Bounds()
	for i, tri := range triangles {
		bounds[i] = tri.Bounds()
		extent = extent.Union(bounds[i])
	}
	grid.layout = newCellLayout(extent, cellSize)
	grid.cells = bucketize(grid.layout, bounds)
	return grid
}

// Triangles returns the indexed facets.
func (g *TriangleGrid) Triangles() []geom.Triangle {
	if g == nil {
		return nil
	}
	return g.triangles
}

// FindIndex returns the index of the facet containing p, or -1. A facet that
// strictly contains p wins over one that only reaches it through EdgeSlack,
// so both sides of a diagonal resolve exactly as Heightfield splits them.
func (g *TriangleGrid) FindIndex(p geom.Vec2) int {
	if g == nil || len(g.cells) == 0 {
		return -1
	}
	cell := g.cells[g.layout.index(g.layout.cellX(p[0]), g.layout.cellZ(p[1]))]
	for _, idx := range cell {
		if g.triangles[idx].ContainsXZ(p) {
			return int(idx)
		}
	}
	for _, idx := range cell {
		if g.triangles[idx].ContainsXZNear(p) {
			return int(idx)
		}
	}
	return -1
}

// GroundHeight interpolates the supporting facet's height at p.
func (g *TriangleGrid) GroundHeight(p geom.Vec2) (float64, bool) {
	idx := g.FindIndex(p)
	if idx < 0 {
		return 0, false
	}
	return g.triangles[idx].HeightAt(p), true
}

// TriangleAt returns the facet FindIndex selects for p.
func (g *TriangleGrid) TriangleAt(p geom.Vec2) (geom.Triangle, bool) {
	idx := g.FindIndex(p)
	if idx < 0 {
		return geom.Triangle{}, false
	}
	return g.triangles[idx], true
}

func (*TriangleGrid) terrain() {}
