package geom

import "math"

// ParallelEpsilon is the cross product magnitude under which two segments are
// treated as parallel and never intersect.
const ParallelEpsilon = 1e-4

// Segment is a wall on the horizontal plane.
type Segment struct {
	Start Vec2 `json:"start" yaml:"start"`
	End   Vec2 `json:"end" yaml:"end"`
}

// NewSegment builds a segment from raw coordinates.
func NewSegment(x1, z1, x2, z2 float64) Segment {
	return Segment{Start: Vec2{x1, z1}, End: Vec2{x2, z2}}
}

// Bounds returns the segment's bounding box.
func (s Segment) Bounds() BoundingBox { return BoundsOf(s.Start, s.End) }

// Direction returns End - Start.
func (s Segment) Direction() Vec2 { return s.End.Sub(s.Start) }

// Length returns the segment length.
func (s Segment) Length() float64 { return s.Direction().Len() }

// Normal returns the unit left-hand normal of the segment.
func (s Segment) Normal() Vec2 {
	d := s.Direction()
	return Normalize2(Vec2{-d[1], d[0]})
}

// GlideAlong removes the component of movement that points into the wall so
// only the tangential part remains.
func (s Segment) GlideAlong(movement Vec2) Vec2 {
	normal := s.Normal()
	return movement.Sub(normal.Mul(movement.Dot(normal)))
}

// Intersection is the result of a segment-segment test. T is the parameter
// along the first segment.
type Intersection struct {
	Point Vec2
	T     float64
}

// Intersect returns where a crosses b. Near-parallel pairs (|cross| below
// epsilon) never intersect, and both parameters must fall inside [0, 1].
func Intersect(a, b Segment, epsilon float64) (Intersection, bool) {
	d1 := a.Direction()
	d2 := b.Direction()
	cross := d1[0]*d2[1] - d1[1]*d2[0]
	if math.Abs(cross) < epsilon {
		return Intersection{}, false
	}
	offset := b.Start.Sub(a.Start)
	t := (offset[0]*d2[1] - offset[1]*d2[0]) / cross
	u := (offset[0]*d1[1] - offset[1]*d1[0]) / cross
	if t < 0 || t > 1 || u < 0 || u > 1 {
		return Intersection{}, false
	}
	return Intersection{Point: a.Start.Add(d1.Mul(t)), T: t}, true
}

// EqualApprox reports whether the segments share endpoints within tolerance,
// in either orientation.
func (s Segment) EqualApprox(other Segment, tolerance float64) bool {
	same := closeVec2(s.Start, other.Start, tolerance) && closeVec2(s.End, other.End, tolerance)
	flipped := closeVec2(s.Start, other.End, tolerance) && closeVec2(s.End, other.Start, tolerance)
	return same || flipped
}

func closeVec2(a, b Vec2, tolerance float64) bool {
	return math.Abs(a[0]-b[0]) < tolerance && math.Abs(a[1]-b[1]) < tolerance
}
