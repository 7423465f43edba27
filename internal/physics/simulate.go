package physics

import (
	"math"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/spatial"
)

const (
	// minDirectionSq below which an input direction is treated as absent.
	minDirectionSq = 1e-4
	// minProjected is the surface-projected length under which movement stops.
	minProjected = 1e-4
	// uphillEpsilon is the vertical component marking a projected move as uphill.
	uphillEpsilon = 1e-3
	// contourEpsilon is the alignment under which a blocked move makes no progress.
	contourEpsilon = 1e-4
)

// Simulate advances every entity by one fixed step of dt seconds and stamps
// the results with sequenceID. A nil terrain runs flat mode, where height is
// carried through unchanged. The result is a new slice; entities is not
// modified. buf is scratch space owned by the caller and may be nil.
func Simulate(p Params, dt float64, sequenceID uint64, entities []Entity, walls *spatial.SegmentGrid, terrain spatial.Terrain, buf *spatial.QueryBuffer) []Entity {
	if buf == nil {
		buf = spatial.NewQueryBuffer(walls.Len())
	}
	out := make([]Entity, len(entities))
	for i, entity := range entities {
		out[i] = step(p, dt, sequenceID, entity, walls, terrain, buf)
	}
	return out
}

func step(p Params, dt float64, sequenceID uint64, e Entity, walls *spatial.SegmentGrid, terrain spatial.Terrain, buf *spatial.QueryBuffer) Entity {
	//1.- Halve the speed when moving against the facing direction.
	direction := geom.Normalize2(e.Direction)
	multiplier := 1.0
	if direction.Dot(e.Forward()) < p.BackpedalThreshold {
		multiplier = p.BackpedalMultiplier
	}
	surfaceSpeed := e.Speed * multiplier * dt

	//2.- Shape the horizontal movement by the supporting facet.
	current := geom.XZ(e.Position)
	var (
		footing    geom.Triangle
		hasFooting bool
	)
	if terrain != nil {
		footing, hasFooting = terrain.TriangleAt(current)
	}
	movement := horizontalMovement(p, direction, surfaceSpeed, footing, hasFooting, e.Grounded, terrain != nil, dt)

	//3.- Clip against walls and glide along them.
	target := resolveWalls(p, current, current.Add(movement), walls, buf)

	next := e
	next.SequenceID = sequenceID
	if terrain == nil {
		next.Position = geom.FromXZ(target, e.Position[1])
		return next
	}

	//4.- Follow the ground or integrate the fall.
	ground, hasGround := terrain.GroundHeight(target)
	snap := snapDistance(p, current, e.Position[1], target, ground, hasGround, footing, hasFooting)
	next.Position, next.Grounded, next.VerticalVelocity = vertical(p, e, target, ground, hasGround, snap, dt)
	return next
}

// horizontalMovement returns the XZ displacement attempted this tick.
func horizontalMovement(p Params, direction geom.Vec2, surfaceSpeed float64, footing geom.Triangle, hasFooting, grounded, hasTerrain bool, dt float64) geom.Vec2 {
	if !hasTerrain {
		return direction.Mul(surfaceSpeed)
	}
	var movement geom.Vec2
	if hasFooting && direction.Dot(direction) > minDirectionSq {
		movement = projectOntoSurface(p, direction, surfaceSpeed, footing)
	} else {
		movement = direction.Mul(surfaceSpeed)
	}
	if hasFooting && grounded && footing.SlopeAngle() > p.MaxSlopeDeg {
		normal := footing.Normal()
		down := geom.Vec3{0, -1, 0}
		slide := down.Sub(normal.Mul(down.Dot(normal)))
		movement = movement.Add(geom.XZ(slide).Mul(math.Abs(p.Gravity) * dt))
	}
	return movement
}

// projectOntoSurface maps a unit horizontal direction onto the facet plane.
// Uphill moves on unwalkable slopes are redirected along the contour line.
func projectOntoSurface(p Params, direction geom.Vec2, surfaceSpeed float64, tri geom.Triangle) geom.Vec2 {
	normal := tri.Normal()
	direction3 := geom.FromXZ(direction, 0)
	projected := direction3.Sub(normal.Mul(direction3.Dot(normal)))
	length := projected.Len()
	if length < minProjected {
		return geom.Vec2{}
	}
	surfaceDir := projected.Mul(1 / length)

	if tri.SlopeAngle() > p.MaxSlopeDeg && surfaceDir[1] > uphillEpsilon {
		contour := geom.Normalize3(normal.Cross(geom.Up))
		alignment := surfaceDir.Dot(contour)
		if math.Abs(alignment) < contourEpsilon {
			return geom.Vec2{}
		}
		return geom.XZ(contour.Mul(alignment * surfaceSpeed))
	}

	// Keep the input heading; the slope only shortens the horizontal stride.
	xzSpeed := geom.XZ(surfaceDir.Mul(surfaceSpeed)).Len()
	return direction.Mul(xzSpeed)
}

// resolveWalls clips the move at the nearest wall, keeps WallBuffer clear of
// it and glides the leftover along the wall. Each pass re-queries the grid
// from the clipped point.
func resolveWalls(p Params, current, target geom.Vec2, walls *spatial.SegmentGrid, buf *spatial.QueryBuffer) geom.Vec2 {
	if walls.Len() == 0 {
		return target
	}
	origin := current
	for pass := 0; pass < p.MaxGlidePasses; pass++ {
		path := geom.Segment{Start: origin, End: target}
		hit, wall, ok := nearestHit(p, path, walls.Nearby(path.Bounds(), buf))
		if !ok {
			return target
		}
		//1.- Back off along the travelled path only, never behind the origin.
		travel := hit.Point.Sub(origin)
		safe := origin
		if d := travel.Len(); d > p.WallBuffer {
			safe = origin.Add(travel.Mul((d - p.WallBuffer) / d))
		}
		remaining := target.Sub(safe)
		origin = safe
		target = safe.Add(wall.GlideAlong(remaining))
	}
	// Out of passes: only accept the final glide if it is clear.
	path := geom.Segment{Start: origin, End: target}
	if _, _, ok := nearestHit(p, path, walls.Nearby(path.Bounds(), buf)); ok {
		return origin
	}
	return target
}

func nearestHit(p Params, path geom.Segment, candidates []geom.Segment) (geom.Intersection, geom.Segment, bool) {
	var (
		best     geom.Intersection
		bestWall geom.Segment
		found    bool
	)
	for _, wall := range candidates {
		hit, ok := geom.Intersect(path, wall, p.ParallelEpsilon)
		if !ok {
			continue
		}
		if !found || hit.T < best.T {
			best, bestWall, found = hit, wall, true
		}
	}
	return best, bestWall, found
}

// snapDistance widens the ground snap on slopes by the drop a downhill stride
// naturally produces, so walking down stays grounded while ledges do not.
func snapDistance(p Params, current geom.Vec2, currentY float64, target geom.Vec2, ground float64, hasGround bool, footing geom.Triangle, hasFooting bool) float64 {
	snap := p.GroundSnap
	if hasGround && hasFooting && currentY-ground > 0 {
		slope := footing.SlopeAngle() * math.Pi / 180
		stride := geom.Distance2(target, current)
		snap = math.Max(p.GroundSnap, stride*math.Tan(slope)+p.GroundSnap)
	}
	return snap
}

func vertical(p Params, e Entity, target geom.Vec2, ground float64, hasGround bool, snap, dt float64) (geom.Vec3, bool, float64) {
	y := e.Position[1]
	if e.Grounded {
		//1.- No ground or a drop beyond the snap starts a fall from the current height.
		if !hasGround || y-ground > snap {
			return geom.FromXZ(target, y), false, 0
		}
		return geom.FromXZ(target, ground), true, 0
	}

	//2.- Airborne entities accelerate down to terminal velocity.
	velocity := math.Max(e.VerticalVelocity+p.Gravity*dt, p.TerminalVelocity)
	nextY := y + velocity*dt
	if hasGround && nextY <= ground {
		return geom.FromXZ(target, ground), true, 0
	}
	return geom.FromXZ(target, nextY), false, velocity
}
