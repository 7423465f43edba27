// Package physics implements the deterministic single-step movement function
// shared by the authoritative server and the predicting client.
package physics

import (
	"math"

	"dwarfendepths/movecore/internal/geom"
)

// Faction groups entities by allegiance.
type Faction uint8

const (
	FactionPlayer Faction = iota
	FactionRatmen
)

// String returns the faction label used in logs and persisted rows.
func (f Faction) String() string {
	switch f {
	case FactionPlayer:
		return "player"
	case FactionRatmen:
		return "ratmen"
	default:
		return "unknown"
	}
}

// Entity is the kinematic state advanced once per tick. It is a value type and
// every step returns a replacement rather than mutating its argument.
type Entity struct {
	ID               uint32    `json:"id" msgpack:"id" cbor:"1,keyasint"`
	Speed            float64   `json:"speed" msgpack:"speed" cbor:"2,keyasint"`
	Position         geom.Vec3 `json:"position" msgpack:"position" cbor:"3,keyasint"`
	Direction        geom.Vec2 `json:"direction" msgpack:"direction" cbor:"4,keyasint"`
	Yaw              float64   `json:"yaw" msgpack:"yaw" cbor:"5,keyasint"`
	SequenceID       uint64    `json:"sequence_id" msgpack:"sequence_id" cbor:"6,keyasint"`
	VerticalVelocity float64   `json:"vertical_velocity" msgpack:"vertical_velocity" cbor:"7,keyasint"`
	Grounded         bool      `json:"grounded" msgpack:"grounded" cbor:"8,keyasint"`
	Faction          Faction   `json:"faction" msgpack:"faction" cbor:"9,keyasint"`
	TargetEntityID   uint32    `json:"target_entity_id" msgpack:"target_entity_id" cbor:"10,keyasint"`
}

// Forward returns the horizontal facing direction derived from the yaw.
func (e Entity) Forward() geom.Vec2 { return geom.ForwardFromYaw(e.Yaw) }

// Input is the control record for one entity on one tick.
type Input struct {
	Direction      geom.Vec2 `json:"direction" msgpack:"direction" cbor:"1,keyasint"`
	Yaw            float64   `json:"yaw" msgpack:"yaw" cbor:"2,keyasint"`
	Jump           bool      `json:"jump" msgpack:"jump" cbor:"3,keyasint"`
	TargetEntityID uint32    `json:"target_entity_id" msgpack:"target_entity_id" cbor:"4,keyasint"`
	SequenceID     uint64    `json:"sequence_id" msgpack:"sequence_id" cbor:"5,keyasint"`
}

// IsZero reports the "no input" record: zero direction on sequence zero.
func (in Input) IsZero() bool {
	return in.Direction == (geom.Vec2{}) && in.SequenceID == 0
}

// ApplyInput copies the control fields of in onto the entity.
func ApplyInput(e Entity, in Input) Entity {
	e.Direction = in.Direction
	e.Yaw = wrapAngleDeg(in.Yaw)
	e.TargetEntityID = in.TargetEntityID
	return e
}

// ApplyJump starts a jump when the entity stands on the ground. Simulate never
// initiates jumps itself.
func ApplyJump(p Params, e Entity) Entity {
	if !e.Grounded {
		return e
	}
	e.VerticalVelocity = p.JumpImpulse
	e.Grounded = false
	return e
}

// wrapAngleDeg normalizes an angle to the [-180, 180) range.
func wrapAngleDeg(angle float64) float64 {
	//1.- Use math.Mod to keep values bounded across many updates.
	wrapped := math.Mod(angle+180.0, 360.0)
	if wrapped < 0 {
		wrapped += 360.0
	}
	return wrapped - 180.0
}
