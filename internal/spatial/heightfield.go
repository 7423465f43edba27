package spatial

import (
	"errors"
	"fmt"

	"dwarfendepths/movecore/internal/geom"
)

var (
	// ErrHeightfieldSize reports a sample array whose length is not resolution².
	ErrHeightfieldSize = errors.New("spatial: heightfield sample count mismatch")
	// ErrHeightfieldResolution reports a grid too small to form one cell.
	ErrHeightfieldResolution = errors.New("spatial: heightfield resolution must be at least 2")
)

// Heightfield samples a square grid of heights stored row-major by Z:
// heights[z*resolution + x].
type Heightfield struct {
	heights    []float64
	resolution int
	origin     geom.Vec2
	size       geom.Vec2
	cell       geom.Vec2
}

// NewHeightfield validates the samples and returns the sampler.
func NewHeightfield(heights []float64, resolution int, origin, size geom.Vec2) (*Heightfield, error) {
	if resolution < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrHeightfieldResolution, resolution)
	}
	if len(heights) != resolution*resolution {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrHeightfieldSize, resolution*resolution, len(heights))
	}
	if size[0] <= 0 || size[1] <= 0 {
		return nil, fmt.Errorf("spatial: heightfield size must be positive, got %v", size)
	}
	steps := float64(resolution - 1)
	return &Heightfield{
		heights:    append([]float64(nil), heights...),
		resolution: resolution,
		origin:     origin,
		size:       size,
		cell:       geom.Vec2{size[0] / steps, size[1] / steps},
	}, nil
}

// Resolution returns the samples per side.
func (h *Heightfield) Resolution() int { return h.resolution }

// cellAt locates p inside the grid; fractions are offsets inside the cell.
func (h *Heightfield) cellAt(p geom.Vec2) (gx, gz int, fx, fz float64, ok bool) {
	localX := (p[0] - h.origin[0]) / h.cell[0]
	localZ := (p[1] - h.origin[1]) / h.cell[1]
	limit := float64(h.resolution - 1)
	if localX < 0 || localZ < 0 || localX > limit || localZ > limit {
		return 0, 0, 0, 0, false
	}
	gx = min(int(localX), h.resolution-2)
	gz = min(int(localZ), h.resolution-2)
	return gx, gz, localX - float64(gx), localZ - float64(gz), true
}

// corners returns the four samples bounding cell (gx, gz).
func (h *Heightfield) corners(gx, gz int) (topLeft, topRight, bottomLeft, bottomRight float64) {
	row := gz * h.resolution
	next := (gz + 1) * h.resolution
	return h.heights[row+gx], h.heights[row+gx+1], h.heights[next+gx], h.heights[next+gx+1]
}

// GroundHeight interpolates the cell under p. Points with fx+fz <= 1 use the
// upper-left facet (tl, bl, tr), the rest the lower-right one (tr, bl, br).
func (h *Heightfield) GroundHeight(p geom.Vec2) (float64, bool) {
	gx, gz, fx, fz, ok := h.cellAt(p)
	if !ok {
		return 0, false
	}
	tl, tr, bl, br := h.corners(gx, gz)
	if fx+fz <= 1 {
		return tl + fx*(tr-tl) + fz*(bl-tl), true
	}
	return br + (1-fx)*(bl-br) + (1-fz)*(tr-br), true
}

// TriangleAt returns the facet GroundHeight interpolates for p.
func (h *Heightfield) TriangleAt(p geom.Vec2) (geom.Triangle, bool) {
	gx, gz, fx, fz, ok := h.cellAt(p)
	if !ok {
		return geom.Triangle{}, false
	}
	x0 := h.origin[0] + float64(gx)*h.cell[0]
	x1 := h.origin[0] + float64(gx+1)*h.cell[0]
	z0 := h.origin[1] + float64(gz)*h.cell[1]
	z1 := h.origin[1] + float64(gz+1)*h.cell[1]
	tl, tr, bl, br := h.corners(gx, gz)
	if fx+fz <= 1 {
		return geom.Triangle{
			V0: geom.Vec3{x0, tl, z0},
			V1: geom.Vec3{x0, bl, z1},
			V2: geom.Vec3{x1, tr, z0},
		}, true
	}
	return geom.Triangle{
		V0: geom.Vec3{x1, tr, z0},
		V1: geom.Vec3{x0, bl, z1},
		V2: geom.Vec3{x1, br, z1},
	}, true
}

// Triangulate emits both facets of every cell using the same diagonal as
// GroundHeight, suitable for building an equivalent TriangleGrid.
func (h *Heightfield) Triangulate() []geom.Triangle {
	cells := h.resolution - 1
	out := make([]geom.Triangle, 0, cells*cells*2)
	for gz := 0; gz < cells; gz++ {
		for gx := 0; gx < cells; gx++ {
			x0 := h.origin[0] + float64(gx)*h.cell[0]
			x1 := h.origin[0] + float64(gx+1)*h.cell[0]
			z0 := h.origin[1] + float64(gz)*h.cell[1]
			z1 := h.origin[1] + float64(gz+1)*h.cell[1]
			tl, tr, bl, br := h.corners(gx, gz)
			out = append(out,
				geom.Triangle{V0: geom.Vec3{x0, tl, z0}, V1: geom.Vec3{x0, bl, z1}, V2: geom.Vec3{x1, tr, z0}},
				geom.Triangle{V0: geom.Vec3{x1, tr, z0}, V1: geom.Vec3{x0, bl, z1}, V2: geom.Vec3{x1, br, z1}},
			)
		}
	}
	return out
}

func (*Heightfield) terrain() {}
