// Package simulation runs the authoritative fixed-step tick loop: a scheduler
// fires several times per tick, and the tick server converts accumulated real
// time into discrete ticks that read the input table and rewrite entity rows.
package simulation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/spatial"
	"dwarfendepths/movecore/internal/state"
)

const (
	// PlayerSpeed is the movement speed given to spawned players.
	PlayerSpeed = 7.0
	// NPCSpeed is the movement speed given to seeded NPCs.
	NPCSpeed = 7.0
	// npcSpacing separates seeded NPCs along +X from the spawn point.
	npcSpacing = 10.0
)

var (
	// ErrForeignCaller is returned when anything but the scheduler asks for a tick.
	ErrForeignCaller = errors.New("simulation: tick invoked by a foreign caller")
	// ErrUnknownEntity is returned when despawning an entity without a row.
	ErrUnknownEntity = errors.New("simulation: unknown entity")
	// ErrInterval is returned for a non-positive tick interval.
	ErrInterval = errors.New("simulation: tick interval must be positive")
)

// Caller identifies who invoked the tick handler.
type Caller string

// Clock exposes the current time for accumulator bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// TickSink receives every completed tick.
type TickSink interface {
	RecordTick(ctx context.Context, rec state.TickRecord) error
}

// EventSink optionally receives spawns and despawns.
type EventSink interface {
	RecordEvent(ctx context.Context, ev state.LifecycleEvent) error
}

// TickServer is the sole writer of authoritative entity rows.
type TickServer struct {
	mu sync.Mutex

	world    *physics.World
	tables   *state.Tables
	interval time.Duration
	dt       float64
	buf      *spatial.QueryBuffer
	identity Caller

	clock   Clock
	logger  *logging.Logger
	monitor *TickMonitor
	sinks   []TickSink
}

// Option customises tick server construction.
type Option func(*TickServer)

// WithClock overrides the clock read on each firing.
func WithClock(clock Clock) Option {
	return func(s *TickServer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger routes tick diagnostics to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *TickServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMonitor shares a tick monitor with the caller.
func WithMonitor(monitor *TickMonitor) Option {
	return func(s *TickServer) {
		if monitor != nil {
			s.monitor = monitor
		}
	}
}

// WithSinks appends tick sinks. Sinks that also implement EventSink receive
// lifecycle events.
func WithSinks(sinks ...TickSink) Option {
	return func(s *TickServer) {
		for _, sink := range sinks {
			if sink != nil {
				s.sinks = append(s.sinks, sink)
			}
		}
	}
}

// NewTickServer binds the world geometry to the tables it advances.
func NewTickServer(world *physics.World, tables *state.Tables, interval time.Duration, opts ...Option) (*TickServer, error) {
	if world == nil {
		return nil, errors.New("simulation: world is required")
	}
	if tables == nil {
		return nil, errors.New("simulation: tables are required")
	}
	if interval <= 0 {
		return nil, ErrInterval
	}
	s := &TickServer{
		world:    world,
		tables:   tables,
		interval: interval,
		dt:       interval.Seconds(),
		buf:      world.NewBuffer(),
		identity: newIdentity(),
		clock:    systemClock{},
		logger:   logging.L(),
		monitor:  NewTickMonitor(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	//1.- Sequence zero is reserved for "no input".
	if meta := tables.Meta(); meta.Sequence == 0 {
		meta.Sequence = 1
		tables.SetMeta(meta)
	}
	return s, nil
}

func newIdentity() Caller {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Caller(fmt.Sprintf("scheduler-%d", time.Now().UnixNano()))
	}
	return Caller("scheduler-" + hex.EncodeToString(buf[:]))
}

// NewScheduler returns the scheduler allowed to drive this server.
func (s *TickServer) NewScheduler(divisor int) *Scheduler {
	return NewScheduler(s.interval, divisor, func(ctx context.Context, _ time.Time) {
		if _, err := s.HandleScheduled(ctx, s.identity); err != nil {
			s.logger.Error("scheduled tick failed", logging.Error(err))
		}
	})
}

// Fire runs one scheduler firing immediately.
func (s *TickServer) Fire(ctx context.Context) (int, error) {
	return s.HandleScheduled(ctx, s.identity)
}

// HandleScheduled converts the real time elapsed since the previous firing
// into whole ticks and returns how many ran.
func (s *TickServer) HandleScheduled(ctx context.Context, caller Caller) (int, error) {
	if caller != s.identity {
		s.monitor.ObserveRejected()
		s.logger.Error("rejected tick invocation", logging.String("caller", string(caller)))
		return 0, ErrForeignCaller
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	//1.- Fold the elapsed wall time into the accumulator.
	meta := s.tables.Meta()
	now := s.clock.Now()
	if meta.LastTicked.IsZero() {
		meta.LastTicked = now
		s.tables.SetMeta(meta)
		s.monitor.ObserveFiring(0)
		return 0, nil
	}
	if elapsed := now.Sub(meta.LastTicked); elapsed > 0 {
		meta.Accumulator += elapsed
	}
	meta.LastTicked = now

	//2.- Run one discrete tick per whole interval.
	ticks := 0
	for meta.Accumulator >= s.interval {
		if err := ctx.Err(); err != nil {
			s.tables.SetMeta(meta)
			return ticks, err
		}
		s.tick(ctx, meta.Sequence)
		meta.Accumulator -= s.interval
		meta.Sequence++
		ticks++
		s.tables.SetMeta(meta)
		s.tables.Publish()
	}
	s.tables.SetMeta(meta)
	s.monitor.ObserveFiring(ticks)
	if ticks > 1 {
		s.logger.Debug("tick catch-up", logging.Int("ticks", ticks), logging.Uint64("sequence", meta.Sequence))
	}
	return ticks, nil
}

// tick advances every entity once for seq.
func (s *TickServer) tick(ctx context.Context, seq uint64) {
	started := time.Now()
	before := s.tables.ListEntities()
	rec := state.TickRecord{Sequence: seq, DT: s.dt, Before: before, After: make([]physics.Entity, 0, len(before))}

	for _, e := range before {
		//1.- Skip entities removed since the snapshot.
		current, ok := s.tables.Entity(e.ID)
		if !ok {
			continue
		}
		//2.- Apply this tick's input, or coast on the last direction.
		var control *physics.Input
		if in, ok := s.tables.Inputs.Get(current.ID, seq); ok {
			control = &in
			rec.Inputs = append(rec.Inputs, state.InputRow{EntityID: current.ID, Input: in})
		}
		next := s.world.Advance(s.dt, seq, current, control, s.buf)
		s.tables.Entities.Upsert(next)
		//3.- Consumed and already stale inputs are discarded.
		s.tables.Inputs.DeleteThrough(current.ID, seq)
		rec.After = append(rec.After, next)
	}
	s.monitor.Observe(time.Since(started))

	for _, sink := range s.sinks {
		if err := sink.RecordTick(ctx, rec); err != nil {
			s.logger.Warn("tick sink failed", logging.Uint64("sequence", seq), logging.Error(err))
		}
	}
}

// Spawn inserts an entity at the map spawn pose, stamped with the last
// completed tick so a predicting client resumes on the next one.
func (s *TickServer) Spawn(ctx context.Context, speed float64, faction physics.Faction) physics.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnAtLocked(ctx, speed, faction, s.world.Spawn.Position)
}

// SpawnPlayer spawns a player-controlled entity and its player row.
func (s *TickServer) SpawnPlayer(ctx context.Context, identity string) physics.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.spawnAtLocked(ctx, PlayerSpeed, physics.FactionPlayer, s.world.Spawn.Position)
	s.tables.Players.Upsert(state.Player{EntityID: e.ID, Identity: identity})
	s.logger.Info("player spawned", logging.Uint32("entity_id", e.ID), logging.String("identity", identity))
	return e
}

// SeedNPCs spawns count NPCs spaced along +X from the spawn point.
func (s *TickServer) SeedNPCs(ctx context.Context, count int) []physics.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]physics.Entity, 0, count)
	for i := 0; i < count; i++ {
		position := s.world.Spawn.Position.Add(geom.Vec3{npcSpacing * float64(i+1), 0, 0})
		out = append(out, s.spawnAtLocked(ctx, NPCSpeed, physics.FactionRatmen, position))
	}
	return out
}

func (s *TickServer) spawnAtLocked(ctx context.Context, speed float64, faction physics.Faction, position geom.Vec3) physics.Entity {
	meta := s.tables.Meta()
	e := s.world.SpawnAt(s.tables.Entities.NextID(), speed, faction, meta.Completed(), position)
	s.tables.Entities.Upsert(e)
	s.emit(ctx, state.LifecycleEvent{Kind: state.EventSpawn, Sequence: meta.Sequence, Entity: e})
	return e
}

// Despawn removes an entity with its inputs and player row.
func (s *TickServer) Despawn(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tables.Entity(id)
	if !ok {
		return fmt.Errorf("despawn %d: %w", id, ErrUnknownEntity)
	}
	s.tables.Entities.Remove(id)
	s.tables.Inputs.DeleteEntity(id)
	s.tables.Players.Remove(id)
	s.emit(ctx, state.LifecycleEvent{Kind: state.EventDespawn, Sequence: s.tables.Meta().Sequence, Entity: e})
	return nil
}

// Restore loads persisted rows and resumes after lastSequence.
func (s *TickServer) Restore(entities []physics.Entity, lastSequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.tables.Entities.Upsert(e)
	}
	meta := s.tables.Meta()
	if lastSequence+1 > meta.Sequence {
		meta.Sequence = lastSequence + 1
	}
	s.tables.SetMeta(meta)
	s.logger.Info("state restored", logging.Int("entities", len(entities)), logging.Uint64("sequence", meta.Sequence))
}

func (s *TickServer) emit(ctx context.Context, ev state.LifecycleEvent) {
	for _, sink := range s.sinks {
		events, ok := sink.(EventSink)
		if !ok {
			continue
		}
		if err := events.RecordEvent(ctx, ev); err != nil {
			s.logger.Warn("event sink failed", logging.String("kind", string(ev.Kind)), logging.Error(err))
		}
	}
}

// Interval returns the fixed tick interval.
func (s *TickServer) Interval() time.Duration { return s.interval }

// World returns the geometry the server simulates against.
func (s *TickServer) World() *physics.World { return s.world }

// Monitor exposes the tick statistics.
func (s *TickServer) Monitor() *TickMonitor { return s.monitor }
