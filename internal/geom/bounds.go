package geom

import "math"

// BoundingBox is an axis aligned rectangle on the horizontal plane. MinY and
// MaxY are Z coordinates.
type BoundingBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// BoundsOf returns the smallest box containing every point.
func BoundsOf(points ...Vec2) BoundingBox {
	box := BoundingBox{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	for _, p := range points {
		box.MinX = math.Min(box.MinX, p[0])
		box.MinY = math.Min(box.MinY, p[1])
		box.MaxX = math.Max(box.MaxX, p[0])
		box.MaxY = math.Max(box.MaxY, p[1])
	}
	return box
}

// Overlaps reports whether the boxes share any point, edges included.
func (b BoundingBox) Overlaps(other BoundingBox) bool {
	return b.MinX <= other.MaxX && b.MaxX >= other.MinX &&
		b.MinY <= other.MaxY && b.MaxY >= other.MinY
}

// Union returns the smallest box containing both boxes.
func (b BoundingBox) Union(other BoundingBox) BoundingBox {
	return BoundingBox{
		MinX: math.Min(b.MinX, other.MinX),
		MinY: math.Min(b.MinY, other.MinY),
		MaxX: math.Max(b.MaxX, other.MaxX),
		MaxY: math.Max(b.MaxY, other.MaxY),
	}
}

// Contains reports whether p lies inside the box, edges included.
func (b BoundingBox) Contains(p Vec2) bool {
	return b.MinX <= p[0] && p[0] <= b.MaxX && b.MinY <= p[1] && p[1] <= b.MaxY
}
