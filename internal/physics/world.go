package physics

import (
	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/spatial"
)

// World bundles the static collision data of a loaded map with the tuning it
// is simulated under. A World is immutable and may be shared between the tick
// server and any number of predictors.
type World struct {
	Name    string
	Params  Params
	Walls   *spatial.SegmentGrid
	Terrain spatial.Terrain
	Spawn   Spawn
}

// Spawn is the default pose for new entities.
type Spawn struct {
	Position geom.Vec3 `json:"position" yaml:"position"`
	Yaw      float64   `json:"yaw" yaml:"yaw"`
}

// NewWorld indexes the walls with the default cell size.
func NewWorld(params Params, walls []geom.Segment, terrain spatial.Terrain) *World {
	return &World{
		Params:  params,
		Walls:   spatial.NewSegmentGrid(walls, spatial.DefaultCellSize),
		Terrain: terrain,
	}
}

// Step runs Simulate against the world's geometry.
func (w *World) Step(dt float64, sequenceID uint64, entities []Entity, buf *spatial.QueryBuffer) []Entity {
	return Simulate(w.Params, dt, sequenceID, entities, w.Walls, w.Terrain, buf)
}

// StepOne advances a single entity.
func (w *World) StepOne(dt float64, sequenceID uint64, e Entity, buf *spatial.QueryBuffer) Entity {
	if buf == nil {
		buf = spatial.NewQueryBuffer(w.Walls.Len())
	}
	return step(w.Params, dt, sequenceID, e, w.Walls, w.Terrain, buf)
}

// Advance is the per-entity tick shared by the server, the predicting client
// and the replay verifier: apply in (jumping when it asks), then step. A nil
// in coasts on the entity's current controls.
func (w *World) Advance(dt float64, sequenceID uint64, e Entity, in *Input, buf *spatial.QueryBuffer) Entity {
	if in != nil {
		e = ApplyInput(e, *in)
		if in.Jump {
			e = ApplyJump(w.Params, e)
		}
	}
	return w.StepOne(dt, sequenceID, e, buf)
}

// NewBuffer returns a query buffer sized for this world's walls.
func (w *World) NewBuffer() *spatial.QueryBuffer {
	return spatial.NewQueryBuffer(w.Walls.Len())
}

// SpawnEntity returns an entity at the spawn pose, grounded when terrain
// exists under it.
func (w *World) SpawnEntity(id uint32, speed float64, faction Faction, sequenceID uint64) Entity {
	return w.SpawnAt(id, speed, faction, sequenceID, w.Spawn.Position)
}

// SpawnAt is SpawnEntity at an explicit position.
func (w *World) SpawnAt(id uint32, speed float64, faction Faction, sequenceID uint64, position geom.Vec3) Entity {
	e := Entity{
		ID:         id,
		Speed:      speed,
		Position:   position,
		Yaw:        w.Spawn.Yaw,
		SequenceID: sequenceID,
		Faction:    faction,
	}
	if w.Terrain != nil {
		if ground, ok := w.Terrain.GroundHeight(geom.XZ(position)); ok {
			e.Position[1] = ground
			e.Grounded = true
		}
	}
	return e
}
