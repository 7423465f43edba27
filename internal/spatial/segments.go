package spatial

import (
	"dwarfendepths/movecore/internal/geom"
)

// SegmentGrid is the wall broad phase. It never changes after construction and
// is safe for concurrent queries as long as each caller brings its own
// QueryBuffer.
type SegmentGrid struct {
	segments []geom.Segment
	bounds   []geom.BoundingBox
	layout   cellLayout
	cells    [][]int32
}

// NewSegmentGrid indexes the walls. An empty slice yields a grid that never
// reports anything.
func NewSegmentGrid(segments []geom.Segment, cellSize float64) *SegmentGrid {
	grid := &SegmentGrid{segments: append([]geom.Segment(nil), segments...)}
	if len(segments) == 0 {
		return grid
	}
	grid.bounds = make([]geom.BoundingBox, len(segments))
	extent := segments[0].Bounds()
	for i, seg := range segments {
		grid.bounds[i] = seg.Bounds()
		extent = extent.Union(grid.bounds[i])
	}
	grid.layout = newCellLayout(extent, cellSize)
	grid.cells = bucketize(grid.layout, grid.bounds)
	return grid
}

// Segments returns the indexed walls.
func (g *SegmentGrid) Segments() []geom.Segment {
	if g == nil {
		return nil
	}
	return g.segments
}

// Len reports the number of indexed walls.
func (g *SegmentGrid) Len() int {
	if g == nil {
		return 0
	}
	return len(g.segments)
}

// Nearby fills buf with every wall whose bounding box overlaps box and returns
// the filled slice. The slice aliases buf and stays valid until its next use.
func (g *SegmentGrid) Nearby(box geom.BoundingBox, buf *QueryBuffer) []geom.Segment {
	if buf == nil {
		buf = &QueryBuffer{}
	}
	buf.reset(g.Len())
	if g == nil || len(g.cells) == 0 {
		return buf.segments
	}
	minX, maxX, minZ, maxZ := g.layout.span(box)
	for cx := minX; cx <= maxX; cx++ {
		for cz := minZ; cz <= maxZ; cz++ {
			for _, idx := range g.cells[g.layout.index(cx, cz)] {
				if !buf.mark(idx) {
					continue
				}
				if g.bounds[idx].Overlaps(box) {
					buf.segments = append(buf.segments, g.segments[idx])
				}
			}
		}
	}
	return buf.segments
}
