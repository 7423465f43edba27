package replay

import (
	"errors"
	"fmt"
	"math"

	"dwarfendepths/movecore/internal/physics"
)

// Mismatch pins the first entity whose re-simulated row differs from the
// recorded one.
type Mismatch struct {
	Sequence uint64
	EntityID uint32
	Field    string
	Recorded physics.Entity
	Replayed physics.Entity
}

func (m Mismatch) String() string {
	return fmt.Sprintf("tick %d entity %d: %s differs (recorded %+v, replayed %+v)", m.Sequence, m.EntityID, m.Field, m.Recorded, m.Replayed)
}

// Report summarises one verification run.
type Report struct {
	Frames   int
	Entities int
	Mismatch *Mismatch
}

// OK reports whether every frame replayed bit for bit.
func (r Report) OK() bool { return r.Mismatch == nil }

// Verify re-runs every recorded tick from its before rows and inputs against
// world and stops at the first row that differs in any bit.
func Verify(world *physics.World, loader *Loader) (Report, error) {
	if world == nil {
		return Report{}, fmt.Errorf("replay: world is required")
	}
	if loader == nil {
		return Report{}, fmt.Errorf("replay: loader is required")
	}
	buf := world.NewBuffer()
	var report Report
	err := loader.Replay(func(frame Frame) error {
		rec := frame.Record
		after := make(map[uint32]physics.Entity, len(rec.After))
		for _, e := range rec.After {
			after[e.ID] = e
		}
		for _, e := range rec.Before {
			//1.- Rebuild the tick's pre-step entity exactly as the server did.
			var control *physics.Input
			if in, ok := rec.Input(e.ID); ok {
				control = &in
			}
			replayed := world.Advance(rec.DT, rec.Sequence, e, control, buf)
			recorded, ok := after[e.ID]
			if !ok {
				report.Mismatch = &Mismatch{Sequence: rec.Sequence, EntityID: e.ID, Field: "missing", Replayed: replayed}
				return errStop
			}
			//2.- Compare bit patterns so negative zero and NaN payloads count.
			if field := diffEntity(recorded, replayed); field != "" {
				report.Mismatch = &Mismatch{Sequence: rec.Sequence, EntityID: e.ID, Field: field, Recorded: recorded, Replayed: replayed}
				return errStop
			}
			report.Entities++
		}
		report.Frames++
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return report, err
	}
	return report, nil
}

var errStop = errors.New("replay: stop")

// diffEntity names the first field where a and b differ, or "" when equal.
func diffEntity(a, b physics.Entity) string {
	switch {
	case a.ID != b.ID:
		return "id"
	case !sameBits(a.Speed, b.Speed):
		return "speed"
	case !sameBits(a.Position[0], b.Position[0]) || !sameBits(a.Position[1], b.Position[1]) || !sameBits(a.Position[2], b.Position[2]):
		return "position"
	case !sameBits(a.Direction[0], b.Direction[0]) || !sameBits(a.Direction[1], b.Direction[1]):
		return "direction"
	case !sameBits(a.Yaw, b.Yaw):
		return "yaw"
	case a.SequenceID != b.SequenceID:
		return "sequence_id"
	case !sameBits(a.VerticalVelocity, b.VerticalVelocity):
		return "vertical_velocity"
	case a.Grounded != b.Grounded:
		return "grounded"
	case a.Faction != b.Faction:
		return "faction"
	case a.TargetEntityID != b.TargetEntityID:
		return "target_entity_id"
	}
	return ""
}

func sameBits(a, b float64) bool { return math.Float64bits(a) == math.Float64bits(b) }
