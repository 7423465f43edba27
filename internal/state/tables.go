package state

import (
	"time"

	"github.com/sasha-s/go-deadlock"

	"dwarfendepths/movecore/internal/physics"
)

// TickMeta is the single row of scheduler bookkeeping.
type TickMeta struct {
	Sequence    uint64
	Accumulator time.Duration
	LastTicked  time.Time
}

// Completed returns the sequence of the newest finished tick.
func (m TickMeta) Completed() uint64 {
	if m.Sequence == 0 {
		return 0
	}
	return m.Sequence - 1
}

// TickDiff collates the table changes published after ticking. Sequence is
// the newest completed tick.
type TickDiff struct {
	Sequence uint64     `msgpack:"sequence"`
	Entities EntityDiff `msgpack:"entities"`
	Players  []Player   `msgpack:"players"`
}

// HasChanges reports whether the diff contains anything worth broadcasting.
func (d TickDiff) HasChanges() bool {
	return !d.Entities.Empty() || len(d.Players) > 0
}

// TickRecord describes one completed authoritative tick.
type TickRecord struct {
	Sequence uint64           `cbor:"1,keyasint"`
	DT       float64          `cbor:"2,keyasint"`
	Inputs   []InputRow       `cbor:"3,keyasint"`
	Before   []physics.Entity `cbor:"4,keyasint"`
	After    []physics.Entity `cbor:"5,keyasint"`
}

// Input returns the row applied to entityID during the tick.
func (r TickRecord) Input(entityID uint32) (physics.Input, bool) {
	for _, row := range r.Inputs {
		if row.EntityID == entityID {
			return row.Input, true
		}
	}
	return physics.Input{}, false
}

// EventKind names an entity lifecycle change.
type EventKind string

const (
	EventSpawn   EventKind = "spawn"
	EventDespawn EventKind = "despawn"
)

// LifecycleEvent records an entity entering or leaving the world between ticks.
type LifecycleEvent struct {
	Kind     EventKind      `json:"kind"`
	Sequence uint64         `json:"sequence"`
	Entity   physics.Entity `json:"entity"`
}

// Store is the table surface the tick loop and the adapters depend on.
type Store interface {
	Entity(id uint32) (physics.Entity, bool)
	ListEntities() []physics.Entity
	Player(entityID uint32) (Player, bool)
	Meta() TickMeta
}

// Tables holds every replicated table of one world.
type Tables struct {
	Entities *EntityTable
	Inputs   *InputTable
	Players  *PlayerTable

	mu          deadlock.RWMutex
	meta        TickMeta
	subscribers map[int]func(TickDiff)
	nextSub     int
}

var _ Store = (*Tables)(nil)

// NewTables constructs empty tables.
func NewTables() *Tables {
	return &Tables{
		Entities:    NewEntityTable(),
		Inputs:      NewInputTable(),
		Players:     NewPlayerTable(),
		subscribers: make(map[int]func(TickDiff)),
	}
}

// Entity returns the entity row for id.
func (t *Tables) Entity(id uint32) (physics.Entity, bool) { return t.Entities.Get(id) }

// ListEntities returns every entity row ordered by identifier.
func (t *Tables) ListEntities() []physics.Entity { return t.Entities.Snapshot() }

// Player returns the player row controlling entityID.
func (t *Tables) Player(entityID uint32) (Player, bool) { return t.Players.Get(entityID) }

// Meta returns the tick bookkeeping row.
func (t *Tables) Meta() TickMeta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta
}

// SetMeta replaces the tick bookkeeping row.
func (t *Tables) SetMeta(meta TickMeta) {
	t.mu.Lock()
	t.meta = meta
	t.mu.Unlock()
}

// Subscribe registers fn for every published diff. The returned function
// removes the subscription.
func (t *Tables) Subscribe(fn func(TickDiff)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// Publish drains the pending changes and hands them to every subscriber.
func (t *Tables) Publish() TickDiff {
	//1.- Collect the dirty rows of each table.
	diff := TickDiff{
		Sequence: t.Meta().Completed(),
		Entities: t.Entities.ConsumeDiff(),
		Players:  t.Players.ConsumeDirty(),
	}
	if !diff.HasChanges() {
		return diff
	}
	//2.- Fan out outside the lock so subscribers may read the tables.
	t.mu.RLock()
	subscribers := make([]func(TickDiff), 0, len(t.subscribers))
	for id := 0; id < t.nextSub; id++ {
		if fn, ok := t.subscribers[id]; ok {
			subscribers = append(subscribers, fn)
		}
	}
	t.mu.RUnlock()
	for _, fn := range subscribers {
		fn(diff)
	}
	return diff
}

// Snapshot returns every row as a diff, for clients joining mid-session.
func (t *Tables) Snapshot() TickDiff {
	return TickDiff{
		Sequence: t.Meta().Completed(),
		Entities: EntityDiff{Updated: t.Entities.Snapshot()},
	}
}
