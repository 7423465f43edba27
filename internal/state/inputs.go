package state

import (
	"github.com/sasha-s/go-deadlock"

	"dwarfendepths/movecore/internal/physics"
)

type inputKey struct {
	entityID uint32
	sequence uint64
}

// InputRow is one submitted control input for one entity.
type InputRow struct {
	EntityID uint32        `json:"entity_id" cbor:"1,keyasint"`
	Input    physics.Input `json:"input" cbor:"2,keyasint"`
}

// InputTable stores submitted inputs keyed by entity and sequence. A later
// submission for the same key replaces the earlier one.
type InputTable struct {
	mu   deadlock.RWMutex
	rows map[inputKey]physics.Input
}

// NewInputTable constructs an empty input table.
func NewInputTable() *InputTable {
	return &InputTable{rows: make(map[inputKey]physics.Input)}
}

// Upsert stores in under its own sequence id.
func (t *InputTable) Upsert(entityID uint32, in physics.Input) {
	if t == nil || entityID == 0 {
		return
	}
	t.mu.Lock()
	t.rows[inputKey{entityID: entityID, sequence: in.SequenceID}] = in
	t.mu.Unlock()
}

// Get returns the input submitted by entityID for exactly seq.
func (t *InputTable) Get(entityID uint32, seq uint64) (physics.Input, bool) {
	if t == nil {
		return physics.Input{}, false
	}
	t.mu.RLock()
	in, ok := t.rows[inputKey{entityID: entityID, sequence: seq}]
	t.mu.RUnlock()
	return in, ok
}

// DeleteThrough removes every input of entityID at or before seq and returns
// how many rows were dropped.
func (t *InputTable) DeleteThrough(entityID uint32, seq uint64) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for key := range t.rows {
		if key.entityID == entityID && key.sequence <= seq {
			delete(t.rows, key)
			dropped++
		}
	}
	return dropped
}

// DeleteEntity removes every input of entityID.
func (t *InputTable) DeleteEntity(entityID uint32) {
	if t == nil {
		return
	}
	t.mu.Lock()
	for key := range t.rows {
		if key.entityID == entityID {
			delete(t.rows, key)
		}
	}
	t.mu.Unlock()
}

// Len returns the number of buffered inputs.
func (t *InputTable) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
