// Package prediction runs the client side of the movement protocol: it
// predicts the locally controlled entity one fixed tick at a time, keeps a ring
// of past inputs and predicted states, and replays from the last confirmed
// server sequence whenever the server disagrees.
package prediction

import (
	"errors"
	"sync"
	"time"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/spatial"
)

const (
	// RingCapacity is the number of ticks of history kept for replay.
	RingCapacity = 1024
	// MaxPending caps the unacknowledged inputs retransmitted every tick.
	MaxPending = 12
	// DivergenceEpsilon is the position error tolerated before correcting.
	DivergenceEpsilon = 0.001

	serverRateStream = "server-update-rate"
	clientRateStream = "client-update-rate"
)

var (
	// ErrNoWorld is returned when a predictor is built without geometry.
	ErrNoWorld = errors.New("prediction: world is required")
	// ErrInterval is returned for a non-positive tick interval.
	ErrInterval = errors.New("prediction: tick interval must be positive")
)

// Clock exposes the current time for rate sampling.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (c ClockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Transmitter delivers the pending input queue toward the server.
type Transmitter interface {
	Transmit(inputs []physics.Input) error
}

// TransmitFunc adapts a function to the Transmitter interface.
type TransmitFunc func(inputs []physics.Input) error

// Transmit implements Transmitter.
func (f TransmitFunc) Transmit(inputs []physics.Input) error { return f(inputs) }

// slot is one ring entry. present distinguishes a written slot from the zero
// value so replay can skip ticks that were never predicted.
type slot struct {
	input   physics.Input
	state   physics.Entity
	present bool
}

// Predictor owns the prediction state of one locally controlled entity.
type Predictor struct {
	mu sync.Mutex

	world    *physics.World
	interval time.Duration
	dt       float64
	buf      *spatial.QueryBuffer

	clock       Clock
	logger      *logging.Logger
	transmitter Transmitter

	entity    physics.Entity
	hasEntity bool
	control   physics.Input
	sequence  uint64

	accumulator time.Duration
	ring        [RingCapacity]slot
	pending     []physics.Input

	server         physics.Entity
	serverSequence uint64
	lastCorrected  uint64
	lastServerAt   time.Time
	lastTickAt     time.Time

	offset int
	scaler *TimeScaler
	rates  *RateStats

	subscribers map[int]func(physics.Entity)
	nextSub     int
}

// Option customises predictor construction.
type Option func(*Predictor)

// WithClock overrides the clock used for rate sampling.
func WithClock(clock Clock) Option {
	return func(p *Predictor) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger routes predictor diagnostics to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Predictor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTransmitter sets the sink for the pending input queue.
func WithTransmitter(t Transmitter) Option {
	return func(p *Predictor) {
		if t != nil {
			p.transmitter = t
		}
	}
}

// NewPredictor builds an idle predictor ticking every interval against world.
func NewPredictor(world *physics.World, interval time.Duration, opts ...Option) (*Predictor, error) {
	if world == nil {
		return nil, ErrNoWorld
	}
	if interval <= 0 {
		return nil, ErrInterval
	}
	p := &Predictor{
		world:       world,
		interval:    interval,
		dt:          interval.Seconds(),
		buf:         world.NewBuffer(),
		clock:       systemClock{},
		logger:      logging.L(),
		pending:     make([]physics.Input, 0, MaxPending),
		scaler:      NewTimeScaler(),
		rates:       NewRateStats(RateCapacity),
		subscribers: make(map[int]func(physics.Entity)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// SetLocalEntity starts predicting e, which is taken as confirmed server
// state. Local ticks continue from the sequence after it.
func (p *Predictor) SetLocalEntity(e physics.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entity = e
	p.hasEntity = true
	p.server = e
	p.sequence = e.SequenceID + 1
	p.serverSequence = e.SequenceID
	p.lastCorrected = e.SequenceID
	p.accumulator = 0
	p.pending = p.pending[:0]
	p.ring = [RingCapacity]slot{}
	p.ring[e.SequenceID%RingCapacity] = slot{
		input:   physics.Input{Direction: e.Direction, Yaw: e.Yaw, SequenceID: e.SequenceID},
		state:   e,
		present: true,
	}
}

// SetControl replaces the active control input. A jump request stays latched
// until the next tick consumes it.
func (p *Predictor) SetControl(in physics.Input) {
	p.mu.Lock()
	defer p.mu.Unlock()
	jump := p.control.Jump || in.Jump
	p.control = in
	p.control.Jump = jump
}

// SetSimulationOffset records how many ticks ahead of the server the client's
// inputs arrive. It steers the time scale applied by Advance.
func (p *Predictor) SetSimulationOffset(offset int) {
	p.mu.Lock()
	p.offset = offset
	p.mu.Unlock()
}

// Advance feeds elapsed real time into the predictor, runs every whole tick it
// covers and reconciles against the latest server state. It returns the
// number of ticks run.
func (p *Predictor) Advance(elapsed time.Duration) int {
	p.mu.Lock()
	if !p.hasEntity {
		p.mu.Unlock()
		return 0
	}
	//1.- Stretch or shrink local time to hold the desired input lead.
	scale := p.scaler.Update(p.offset)
	if elapsed > 0 {
		p.accumulator += time.Duration(float64(elapsed) * scale)
	}

	//2.- Consume one fixed step per full interval.
	var batches [][]physics.Input
	ticks := 0
	for p.accumulator >= p.interval {
		p.accumulator -= p.interval
		batches = append(batches, p.tick())
		ticks++
	}

	//3.- Repair the trajectory if the server disagreed.
	corrected := p.reconcile()
	changed := ticks > 0 || corrected
	entity := p.entity
	transmitter := p.transmitter
	subscribers := p.subscriberList()
	p.mu.Unlock()

	if transmitter != nil {
		for _, batch := range batches {
			if err := transmitter.Transmit(batch); err != nil {
				p.logger.Warn("input transmit failed", logging.Error(err))
			}
		}
	}
	if changed {
		for _, fn := range subscribers {
			fn(entity)
		}
	}
	return ticks
}

// tick predicts one step and returns the pending queue to transmit.
func (p *Predictor) tick() []physics.Input {
	seq := p.sequence
	in := p.control
	in.SequenceID = seq
	p.control.Jump = false

	now := p.clock.Now()
	if !p.lastTickAt.IsZero() {
		p.rates.Record(clientRateStream, float64(now.Sub(p.lastTickAt))/float64(time.Millisecond), seq)
	}
	p.lastTickAt = now

	p.entity = p.apply(p.entity, in)
	p.ring[seq%RingCapacity] = slot{input: in, state: p.entity, present: true}

	if len(p.pending) == MaxPending {
		copy(p.pending, p.pending[1:])
		p.pending = p.pending[:MaxPending-1]
	}
	p.pending = append(p.pending, in)
	p.sequence++
	return append([]physics.Input(nil), p.pending...)
}

// apply runs the input and one simulation step on e.
func (p *Predictor) apply(e physics.Entity, in physics.Input) physics.Entity {
	return p.world.Advance(p.dt, in.SequenceID, e, &in, p.buf)
}

// OnServerState accepts an authoritative update. Updates for other entities
// and sequences not newer than the last one seen are ignored.
func (p *Predictor) OnServerState(e physics.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasEntity || e.ID != p.entity.ID {
		return
	}
	if e.SequenceID <= p.serverSequence {
		return
	}
	if p.serverSequence != 0 && e.SequenceID != p.serverSequence+1 {
		p.logger.Warn("server sequence gap",
			logging.Uint32("entity_id", e.ID),
			logging.Uint64("previous", p.serverSequence),
			logging.Uint64("received", e.SequenceID))
	}
	now := p.clock.Now()
	if !p.lastServerAt.IsZero() {
		p.rates.Record(serverRateStream, float64(now.Sub(p.lastServerAt))/float64(time.Millisecond), e.SequenceID)
	}
	p.lastServerAt = now
	p.server = e
	p.serverSequence = e.SequenceID

	//1.- Inputs the server has consumed no longer need retransmission.
	kept := p.pending[:0]
	for _, in := range p.pending {
		if in.SequenceID > e.SequenceID {
			kept = append(kept, in)
		}
	}
	p.pending = kept
}

// reconcile compares the newest server state with the prediction cached for
// its sequence and replays the buffered inputs when they diverge.
func (p *Predictor) reconcile() bool {
	s := p.server.SequenceID
	if s <= p.lastCorrected {
		return false
	}
	defer func() { p.lastCorrected = s }()

	cached := p.ring[s%RingCapacity]
	if cached.present && cached.input.SequenceID == s &&
		geom.Distance3(cached.state.Position, p.server.Position) <= DivergenceEpsilon {
		return false
	}

	//1.- Snap to the authoritative state.
	e := p.server
	p.ring[s%RingCapacity] = slot{
		input:   physics.Input{Direction: e.Direction, Yaw: e.Yaw, TargetEntityID: e.TargetEntityID, SequenceID: s},
		state:   e,
		present: true,
	}
	if s >= p.sequence {
		// The server is ahead of local prediction; resume after it.
		p.sequence = s + 1
	}

	//2.- Replay every buffered input after the confirmed tick.
	replayed := 0
	for t := s + 1; t < p.sequence; t++ {
		entry := &p.ring[t%RingCapacity]
		if !entry.present || entry.input.SequenceID != t {
			continue
		}
		e = p.apply(e, entry.input)
		entry.state = e
		replayed++
	}
	p.entity = e
	p.logger.Debug("prediction corrected",
		logging.Uint32("entity_id", e.ID),
		logging.Uint64("server_sequence", s),
		logging.Int("replayed", replayed))
	return true
}

// Subscribe registers fn to receive every new predicted state. The returned
// function removes the subscription.
func (p *Predictor) Subscribe(fn func(physics.Entity)) func() {
	if fn == nil {
		return func() {}
	}
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.mu.Unlock()
		})
	}
}

func (p *Predictor) subscriberList() []func(physics.Entity) {
	if len(p.subscribers) == 0 {
		return nil
	}
	out := make([]func(physics.Entity), 0, len(p.subscribers))
	for id := 0; id < p.nextSub; id++ {
		if fn, ok := p.subscribers[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// Entity returns the current predicted state.
func (p *Predictor) Entity() physics.Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entity
}

// Sequence returns the sequence the next tick will predict.
func (p *Predictor) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// LastCorrected returns the last server sequence reconciled against.
func (p *Predictor) LastCorrected() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCorrected
}

// Pending returns a copy of the unacknowledged inputs, oldest first.
func (p *Predictor) Pending() []physics.Input {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]physics.Input(nil), p.pending...)
}

// Cached returns the predicted state stored for seq, if that tick is still in
// the ring.
func (p *Predictor) Cached(seq uint64) (physics.Entity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.ring[seq%RingCapacity]
	if !entry.present || entry.input.SequenceID != seq {
		return physics.Entity{}, false
	}
	return entry.state, true
}

// Rates exposes the update interval samples.
func (p *Predictor) Rates() *RateStats { return p.rates }

// Scale returns the current local time scale.
func (p *Predictor) Scale() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scaler.Scale()
}
