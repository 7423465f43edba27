// Package spatial provides the read-only broad phase indices built once per
// map: a uniform grid over wall segments, a uniform grid over terrain
// triangles and a regular heightfield.
package spatial

import (
	"math"

	"dwarfendepths/movecore/internal/geom"
)

// DefaultCellSize is the grid cell edge length in world units.
const DefaultCellSize = 10.0

// cellLayout maps world XZ coordinates onto a clamped cell range.
type cellLayout struct {
	cellSize     float64
	minX, minZ   float64
	width, depth int
}

func newCellLayout(bounds geom.BoundingBox, cellSize float64) cellLayout {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return cellLayout{
		cellSize: cellSize,
		minX:     bounds.MinX,
		minZ:     bounds.MinY,
		width:    int(math.Ceil((bounds.MaxX-bounds.MinX)/cellSize)) + 1,
		depth:    int(math.Ceil((bounds.MaxY-bounds.MinY)/cellSize)) + 1,
	}
}

func (l cellLayout) cellX(x float64) int {
	return clampInt(int((x-l.minX)/l.cellSize), 0, l.width-1)
}

func (l cellLayout) cellZ(z float64) int {
	return clampInt(int((z-l.minZ)/l.cellSize), 0, l.depth-1)
}

func (l cellLayout) index(cx, cz int) int { return cx + cz*l.width }

// span returns the inclusive cell range covered by a box.
func (l cellLayout) span(box geom.BoundingBox) (minX, maxX, minZ, maxZ int) {
	return l.cellX(box.MinX), l.cellX(box.MaxX), l.cellZ(box.MinY), l.cellZ(box.MaxY)
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// bucketize inserts every primitive into each cell its bounds overlap.
func bucketize(layout cellLayout, bounds []geom.BoundingBox) [][]int32 {
	cells := make([][]int32, layout.width*layout.depth)
	for i, box := range bounds {
		minX, maxX, minZ, maxZ := layout.span(box)
		for cx := minX; cx <= maxX; cx++ {
			for cz := minZ; cz <= maxZ; cz++ {
				idx := layout.index(cx, cz)
				cells[idx] = append(cells[idx], int32(i))
			}
		}
	}
	return cells
}
