// Package geom holds the value-type geometry shared by the simulation, the
// spatial indices and the map loader. The horizontal plane is XZ and Y is up;
// a Vec2 always carries (X, Z).
package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Vec2 is a horizontal-plane vector (X, Z).
type Vec2 = mgl64.Vec2

// Vec3 is a world-space vector with Y up.
type Vec3 = mgl64.Vec3

// Up is the world up axis.
var Up = Vec3{0, 1, 0}

// Normalize2 returns v scaled to unit length, or v unchanged when it has no length.
func Normalize2(v Vec2) Vec2 {
	length := v.Len()
	if length > 0 {
		return Vec2{v[0] / length, v[1] / length}
	}
	return v
}

// Normalize3 returns v scaled to unit length, or v unchanged when it has no length.
func Normalize3(v Vec3) Vec3 {
	length := v.Len()
	if length > 0 {
		return Vec3{v[0] / length, v[1] / length, v[2] / length}
	}
	return v
}

// XZ drops the vertical component of a world position.
func XZ(v Vec3) Vec2 { return Vec2{v[0], v[2]} }

// FromXZ lifts a horizontal position to world space at height y.
func FromXZ(xz Vec2, y float64) Vec3 { return Vec3{xz[0], y, xz[1]} }

// Distance2 returns the euclidean distance between two horizontal points.
func Distance2(a, b Vec2) float64 { return a.Sub(b).Len() }

// Distance3 returns the euclidean distance between two world points.
func Distance3(a, b Vec3) float64 { return a.Sub(b).Len() }

// ForwardFromYaw converts a yaw in degrees to the horizontal facing direction.
// Yaw 0 faces +Z and positive yaw turns toward +X.
func ForwardFromYaw(yawDeg float64) Vec2 {
	rad := yawDeg * math.Pi / 180
	return Vec2{math.Sin(rad), math.Cos(rad)}
}
