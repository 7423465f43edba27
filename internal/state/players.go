package state

import (
	"math"
	"sort"

	"github.com/sasha-s/go-deadlock"
)

// Player links a connected identity to the entity it controls.
type Player struct {
	EntityID          uint32 `json:"entity_id" msgpack:"entity_id"`
	Identity          string `json:"identity" msgpack:"identity"`
	LastInputSequence uint64 `json:"last_input_sequence" msgpack:"last_input_sequence"`
	// SimulationOffset is how many ticks the newest input leads the server.
	SimulationOffset int8 `json:"simulation_offset" msgpack:"simulation_offset"`
}

// ClampOffset narrows a sequence lead to the stored int8 range.
func ClampOffset(lead int64) int8 {
	switch {
	case lead > math.MaxInt8:
		return math.MaxInt8
	case lead < math.MinInt8:
		return math.MinInt8
	default:
		return int8(lead)
	}
}

// PlayerTable stores player rows keyed by entity.
type PlayerTable struct {
	mu    deadlock.RWMutex
	rows  map[uint32]Player
	dirty map[uint32]struct{}
}

// NewPlayerTable constructs an empty player table.
func NewPlayerTable() *PlayerTable {
	return &PlayerTable{rows: make(map[uint32]Player), dirty: make(map[uint32]struct{})}
}

// Upsert records or replaces a player row.
func (t *PlayerTable) Upsert(p Player) {
	if t == nil || p.EntityID == 0 {
		return
	}
	t.mu.Lock()
	t.rows[p.EntityID] = p
	t.dirty[p.EntityID] = struct{}{}
	t.mu.Unlock()
}

// Update applies fn to the row for entityID under lock. It reports false when
// the row does not exist.
func (t *PlayerTable) Update(entityID uint32, fn func(*Player)) bool {
	if t == nil || fn == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.rows[entityID]
	if !ok {
		return false
	}
	fn(&p)
	p.EntityID = entityID
	t.rows[entityID] = p
	t.dirty[entityID] = struct{}{}
	return true
}

// Get returns the row for entityID.
func (t *PlayerTable) Get(entityID uint32) (Player, bool) {
	if t == nil {
		return Player{}, false
	}
	t.mu.RLock()
	p, ok := t.rows[entityID]
	t.mu.RUnlock()
	return p, ok
}

// Remove deletes the row for entityID.
func (t *PlayerTable) Remove(entityID uint32) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.rows, entityID)
	delete(t.dirty, entityID)
	t.mu.Unlock()
}

// ConsumeDirty returns the rows changed since the previous call.
func (t *PlayerTable) ConsumeDirty() []Player {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	changed := make([]Player, 0, len(t.dirty))
	for id := range t.dirty {
		if p, ok := t.rows[id]; ok {
			changed = append(changed, p)
		}
	}
	t.dirty = make(map[uint32]struct{})
	t.mu.Unlock()
	sort.Slice(changed, func(i, j int) bool { return changed[i].EntityID < changed[j].EntityID })
	return changed
}
