// Package state holds the replicated tables the authoritative tick loop reads
// and writes: entity rows, per-tick input rows, player rows and tick metadata.
package state

import (
	"sort"

	"github.com/sasha-s/go-deadlock"

	"dwarfendepths/movecore/internal/physics"
)

// EntityDiff groups updated and removed entity identifiers for a tick.
type EntityDiff struct {
	Updated []physics.Entity `msgpack:"updated"`
	Removed []uint32         `msgpack:"removed"`
}

// Empty reports whether the diff carries nothing to broadcast.
func (d EntityDiff) Empty() bool { return len(d.Updated) == 0 && len(d.Removed) == 0 }

// EntityTable maintains the authoritative entity rows with dirty tracking.
type EntityTable struct {
	mu      deadlock.RWMutex
	rows    map[uint32]physics.Entity
	dirty   map[uint32]struct{}
	removed map[uint32]struct{}
	nextID  uint32
}

// NewEntityTable constructs an empty entity table.
func NewEntityTable() *EntityTable {
	return &EntityTable{
		rows:    make(map[uint32]physics.Entity),
		dirty:   make(map[uint32]struct{}),
		removed: make(map[uint32]struct{}),
		nextID:  1,
	}
}

// NextID reserves a fresh entity identifier.
func (t *EntityTable) NextID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// Upsert records or replaces the entity row and flags it for the next diff.
func (t *EntityTable) Upsert(e physics.Entity) {
	if t == nil || e.ID == 0 {
		return
	}
	t.mu.Lock()
	//1.- Replace the stored row and clear any pending removal marker.
	t.rows[e.ID] = e
	delete(t.removed, e.ID)
	t.dirty[e.ID] = struct{}{}
	if e.ID >= t.nextID {
		t.nextID = e.ID + 1
	}
	t.mu.Unlock()
}

// Remove deletes the entity row and marks its identifier for the diff.
func (t *EntityTable) Remove(id uint32) bool {
	if t == nil || id == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return false
	}
	//1.- Drop the row and tag the identifier as removed.
	delete(t.rows, id)
	delete(t.dirty, id)
	t.removed[id] = struct{}{}
	return true
}

// Get returns the stored row if present.
func (t *EntityTable) Get(id uint32) (physics.Entity, bool) {
	if t == nil {
		return physics.Entity{}, false
	}
	t.mu.RLock()
	e, ok := t.rows[id]
	t.mu.RUnlock()
	return e, ok
}

// Len returns the number of stored rows.
func (t *EntityTable) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// ConsumeDiff collects and clears the pending updates and removals.
func (t *EntityTable) ConsumeDiff() EntityDiff {
	if t == nil {
		return EntityDiff{}
	}
	t.mu.Lock()
	//1.- Snapshot the dirty rows and removed identifiers under lock.
	updated := make([]physics.Entity, 0, len(t.dirty))
	for id := range t.dirty {
		if e, ok := t.rows[id]; ok {
			updated = append(updated, e)
		}
	}
	removed := make([]uint32, 0, len(t.removed))
	for id := range t.removed {
		removed = append(removed, id)
	}
	//2.- Reset the trackers before releasing the lock.
	t.dirty = make(map[uint32]struct{})
	t.removed = make(map[uint32]struct{})
	t.mu.Unlock()

	sortEntities(updated)
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return EntityDiff{Updated: updated, Removed: removed}
}

// Snapshot returns every stored row ordered by identifier.
func (t *EntityTable) Snapshot() []physics.Entity {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	snapshot := make([]physics.Entity, 0, len(t.rows))
	for _, e := range t.rows {
		snapshot = append(snapshot, e)
	}
	t.mu.RUnlock()
	sortEntities(snapshot)
	return snapshot
}

func sortEntities(entities []physics.Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
}
