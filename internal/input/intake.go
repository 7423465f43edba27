package input

import (
	"errors"

	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/state"
)

// ErrUnknownEntity is returned for inputs addressed to an entity that has no row.
var ErrUnknownEntity = errors.New("input: unknown entity")

// Result reports what happened to a submitted batch.
type Result struct {
	Accepted   int
	Dropped    int
	Offset     int8
	Disconnect bool
}

// Intake writes admitted inputs into the input table and keeps each player's
// simulation offset current.
type Intake struct {
	tables    *state.Tables
	gate      *Gate
	validator *Validator
	logger    *logging.Logger
}

// NewIntake wires the gate and validator in front of tables. Either guard may
// be nil to disable it.
func NewIntake(tables *state.Tables, gate *Gate, validator *Validator, logger *logging.Logger) *Intake {
	if logger == nil {
		logger = logging.L()
	}
	return &Intake{tables: tables, gate: gate, validator: validator, logger: logger}
}

// Submit admits a batch of inputs for entityID. Retransmitted inputs replace
// the row stored for their sequence.
func (i *Intake) Submit(entityID uint32, inputs []physics.Input) (Result, error) {
	if _, ok := i.tables.Entity(entityID); !ok {
		return Result{Dropped: len(inputs)}, ErrUnknownEntity
	}
	var result Result
	if len(inputs) == 0 {
		return result, nil
	}

	//1.- Spend one submission token for the whole batch.
	if decision := i.gate.AllowBatch(entityID, len(inputs)); !decision.Accepted {
		result.Dropped = len(inputs)
		return result, nil
	}

	//2.- Place every input in the tick window and store the admitted ones.
	server := i.tables.Meta().Sequence
	var newest uint64
	for _, in := range inputs {
		//1.- The "no input" record is neither stored nor held against the sender.
		if in.IsZero() {
			result.Dropped++
			continue
		}
		if check := i.validator.Validate(entityID, in); !check.Accepted {
			result.Dropped++
			result.Disconnect = result.Disconnect || check.Disconnect
			i.gate.observeInvalid(entityID)
			continue
		}
		if decision := i.gate.Evaluate(Frame{EntityID: entityID, SequenceID: in.SequenceID, ServerSequence: server}); !decision.Accepted {
			result.Dropped++
			continue
		}
		i.tables.Inputs.Upsert(entityID, in)
		result.Accepted++
		if in.SequenceID > newest {
			newest = in.SequenceID
		}
	}

	//3.- Record how far ahead of the server the client is running.
	if result.Accepted > 0 {
		result.Offset = i.recordOffset(entityID, newest, server)
	}
	if result.Disconnect {
		i.logger.Warn("input validator requested disconnect", logging.Uint32("entity_id", entityID))
	}
	return result, nil
}

func (i *Intake) recordOffset(entityID uint32, newest, server uint64) int8 {
	var offset int8
	update := func(p *state.Player) {
		if newest > p.LastInputSequence {
			p.LastInputSequence = newest
		}
		offset = state.ClampOffset(int64(p.LastInputSequence) - int64(server))
		p.SimulationOffset = offset
	}
	if !i.tables.Players.Update(entityID, update) {
		p := state.Player{EntityID: entityID}
		update(&p)
		i.tables.Players.Upsert(p)
	}
	return offset
}

// Forget drops the guard state kept for entityID.
func (i *Intake) Forget(entityID uint32) {
	i.gate.Forget(entityID)
	i.validator.Forget(entityID)
}
