package geom

import "math"

// EdgeSlack is the barycentric tolerance of ContainsXZNear. It lets points
// on a seam resolve to a neighbouring triangle instead of falling through.
const EdgeSlack = 0.001

// Triangle is one terrain facet.
type Triangle struct {
	V0 Vec3 `json:"v0" yaml:"v0"`
	V1 Vec3 `json:"v1" yaml:"v1"`
	V2 Vec3 `json:"v2" yaml:"v2"`
}

// Normal returns the unit surface normal oriented upward regardless of winding.
func (t Triangle) Normal() Vec3 {
	n := Normalize3(t.V1.Sub(t.V0).Cross(t.V2.Sub(t.V0)))
	if n[1] < 0 {
		n = n.Mul(-1)
	}
	return n
}

// SlopeAngle returns the angle between the surface normal and up, in degrees.
func (t Triangle) SlopeAngle() float64 {
	dot := t.Normal().Dot(Up)
	dot = math.Max(-1, math.Min(1, dot))
	return math.Acos(dot) * 180 / math.Pi
}

// Barycentric returns the weights of p against the triangle projected onto XZ.
// Degenerate projections yield (-1, -1, -1).
func (t Triangle) Barycentric(p Vec2) (u, v, w float64) {
	a := XZ(t.V0)
	e0 := XZ(t.V1).Sub(a)
	e1 := XZ(t.V2).Sub(a)
	e2 := p.Sub(a)

	d00 := e0.Dot(e0)
	d01 := e0.Dot(e1)
	d11 := e1.Dot(e1)
	d20 := e2.Dot(e0)
	d21 := e2.Dot(e1)

	denom := d00*d11 - d01*d01
	if math.Abs(denom) < 1e-8 {
		return -1, -1, -1
	}
	v = (d11*d20 - d01*d21) / denom
	w = (d00*d21 - d01*d20) / denom
	u = 1 - v - w
	return u, v, w
}

// ContainsXZ reports whether p falls inside the triangle's XZ footprint,
// edges included.
func (t Triangle) ContainsXZ(p Vec2) bool {
	u, v, w := t.Barycentric(p)
	return u >= 0 && v >= 0 && w >= 0
}

// ContainsXZNear is ContainsXZ widened by EdgeSlack.
func (t Triangle) ContainsXZNear(p Vec2) bool {
	u, v, w := t.Barycentric(p)
	return u >= -EdgeSlack && v >= -EdgeSlack && w >= -EdgeSlack
}

// HeightAt interpolates the surface height at p.
func (t Triangle) HeightAt(p Vec2) float64 {
	u, v, w := t.Barycentric(p)
	return u*t.V0[1] + v*t.V1[1] + w*t.V2[1]
}

// Bounds returns the XZ bounding box of the triangle.
func (t Triangle) Bounds() BoundingBox {
	return BoundsOf(XZ(t.V0), XZ(t.V1), XZ(t.V2))
}

// Walkable reports whether the slope does not exceed maxSlopeDeg.
func (t Triangle) Walkable(maxSlopeDeg float64) bool {
	return t.SlopeAngle() <= maxSlopeDeg
}
