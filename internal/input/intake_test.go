package input

import (
	"errors"
	"math"
	"testing"
	"time"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/state"
)

func newIntakeFixture(t *testing.T, cfg Config) (*Intake, *state.Tables) {
	t.Helper()
	tables := state.NewTables()
	tables.SetMeta(state.TickMeta{Sequence: 10})
	tables.Entities.Upsert(physics.Entity{ID: 1, Speed: 7})
	clock := clockFunc(func() time.Time { return time.Unix(0, 0) })
	gate := NewGate(cfg, logging.NewTestLogger(), WithClock(clock))
	validator := NewValidator(DefaultInputConstraints, logging.NewTestLogger(), WithValidatorClock(clock))
	return NewIntake(tables, gate, validator, logging.NewTestLogger()), tables
}

func TestIntakeStoresInputsAndOffset(t *testing.T) {
	intake, tables := newIntakeFixture(t, Config{MaxLead: 64})

	batch := []physics.Input{
		{Direction: geom.Vec2{1, 0}, SequenceID: 11},
		{Direction: geom.Vec2{0, 1}, SequenceID: 12},
		{Direction: geom.Vec2{0, 1}, SequenceID: 13},
	}
	result, err := intake.Submit(1, batch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 3 || result.Dropped != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Offset != 3 {
		t.Fatalf("offset = %d, want 3", result.Offset)
	}
	player, ok := tables.Players.Get(1)
	if !ok || player.SimulationOffset != 3 || player.LastInputSequence != 13 {
		t.Fatalf("unexpected player row %+v ok=%v", player, ok)
	}
	if tables.Inputs.Len() != 3 {
		t.Fatalf("expected 3 stored inputs, got %d", tables.Inputs.Len())
	}
}

func TestIntakeRetransmissionReplacesRow(t *testing.T) {
	intake, tables := newIntakeFixture(t, Config{MaxLead: 64})
	intake.Submit(1, []physics.Input{{Direction: geom.Vec2{1, 0}, SequenceID: 11}})
	intake.Submit(1, []physics.Input{{Direction: geom.Vec2{-1, 0}, SequenceID: 11}})

	in, ok := tables.Inputs.Get(1, 11)
	if !ok || in.Direction != (geom.Vec2{-1, 0}) {
		t.Fatalf("expected replaced input, got %+v", in)
	}
	if tables.Inputs.Len() != 1 {
		t.Fatalf("expected a single row, got %d", tables.Inputs.Len())
	}
}

func TestIntakeDropsStaleAndInvalid(t *testing.T) {
	intake, tables := newIntakeFixture(t, Config{MaxLead: 64})
	result, err := intake.Submit(1, []physics.Input{
		{SequenceID: 9},
		{Direction: geom.Vec2{math.NaN(), 0}, SequenceID: 11},
		{SequenceID: 10},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 1 || result.Dropped != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Offset != 0 {
		t.Fatalf("offset = %d, want 0", result.Offset)
	}
	if _, ok := tables.Inputs.Get(1, 10); !ok {
		t.Fatalf("expected current tick input stored")
	}
	metrics := intake.gate.Metrics()[1]
	if metrics.Stale != 1 || metrics.Invalid != 1 {
		t.Fatalf("unexpected drop counters %+v", metrics)
	}
}

func TestIntakeStoresRawDirections(t *testing.T) {
	intake, tables := newIntakeFixture(t, Config{MaxLead: 64})
	var batch []physics.Input
	for seq := uint64(10); seq < 16; seq++ {
		batch = append(batch, physics.Input{Direction: geom.Vec2{1, 1}, SequenceID: seq})
	}
	result, err := intake.Submit(1, batch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 6 || result.Dropped != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if in, ok := tables.Inputs.Get(1, 15); !ok || in.Direction != (geom.Vec2{1, 1}) {
		t.Fatalf("expected the raw direction stored, got %+v %v", in, ok)
	}
}

func TestIntakeSkipsNoInputRecord(t *testing.T) {
	intake, tables := newIntakeFixture(t, Config{MaxLead: 64})
	result, err := intake.Submit(1, []physics.Input{{}, {SequenceID: 10}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 1 || result.Dropped != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if tables.Inputs.Len() != 1 {
		t.Fatalf("expected only the sequenced input stored, got %d", tables.Inputs.Len())
	}
	if metrics := intake.gate.Metrics()[1]; metrics.Invalid != 0 || metrics.Stale != 0 {
		t.Fatalf("the no-input record should not count against the sender: %+v", metrics)
	}
}

func TestIntakeRejectsUnknownEntity(t *testing.T) {
	intake, _ := newIntakeFixture(t, Config{})
	result, err := intake.Submit(42, []physics.Input{{SequenceID: 11}})
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if result.Dropped != 1 {
		t.Fatalf("expected dropped input, got %+v", result)
	}
}

func TestIntakeRateLimitDropsWholeBatch(t *testing.T) {
	intake, tables := newIntakeFixture(t, Config{Rate: 1, Burst: 1})
	intake.Submit(1, []physics.Input{{SequenceID: 11}})
	result, _ := intake.Submit(1, []physics.Input{{SequenceID: 12}, {SequenceID: 13}})
	if result.Dropped != 2 || result.Accepted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if tables.Inputs.Len() != 1 {
		t.Fatalf("expected only the first batch stored, got %d", tables.Inputs.Len())
	}
}
