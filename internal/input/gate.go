// Package input admits client control inputs into the authoritative input
// table: it bounds their sequence window, rate limits submissions per entity
// and records how far ahead of the server each client runs.
package input

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dwarfendepths/movecore/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c clockFunc) Now() time.Time { return c() }

// systemClock relies on time.Now for production code paths.
type systemClock struct{}

// Now implements Clock by delegating to time.Now.
func (systemClock) Now() time.Time { return time.Now() }

// Config controls the sequence window and throughput gates applied to inputs.
type Config struct {
	// MaxLead is how many ticks past the server an input may target. Zero
	// disables the check.
	MaxLead uint64

	// Rate is the sustained number of batches per second per entity. Zero
	// disables rate limiting.
	Rate  float64
	Burst int
}

// DropReason enumerates why an input was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonStale       DropReason = "stale"
	DropReasonLead        DropReason = "lead"
	DropReasonRateLimited DropReason = "rate_limit"
	DropReasonInvalid     DropReason = "invalid"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether an input passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
}

// Frame captures the metadata required to place an input in the tick window.
type Frame struct {
	EntityID       uint32
	SequenceID     uint64
	ServerSequence uint64
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Stale       uint64 `json:"stale"`
	Lead        uint64 `json:"lead"`
	RateLimited uint64 `json:"rate_limited"`
	Invalid     uint64 `json:"invalid"`
}

// Metrics stores per-entity drop counters for diagnostics.
type Metrics struct {
	mu    sync.RWMutex
	drops map[uint32]DropCounters
}

// newMetrics provisions an empty metrics container.
func newMetrics() *Metrics {
	return &Metrics{drops: make(map[uint32]DropCounters)}
}

// observe increments the counter for the supplied reason.
func (m *Metrics) observe(entityID uint32, reason DropReason, count uint64) {
	if m == nil || entityID == 0 || reason == DropReasonNone || count == 0 {
		return
	}
	//1.- Lock while mutating the counters so concurrent updates stay consistent.
	m.mu.Lock()
	current := m.drops[entityID]
	switch reason {
	case DropReasonStale:
		current.Stale += count
	case DropReasonLead:
		current.Lead += count
	case DropReasonRateLimited:
		current.RateLimited += count
	case DropReasonInvalid:
		current.Invalid += count
	}
	m.drops[entityID] = current
	m.mu.Unlock()
}

// snapshot returns a copy of the counters for external consumption.
func (m *Metrics) snapshot() map[uint32]DropCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[uint32]DropCounters, len(m.drops))
	for id, counters := range m.drops {
		clone[id] = counters
	}
	return clone
}

// forget removes an entity's counters when it despawns.
func (m *Metrics) forget(entityID uint32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.drops, entityID)
	m.mu.Unlock()
}

// Gate validates the sequence window and throughput of inbound inputs.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	clock    Clock
	logger   *logging.Logger
	metrics  *Metrics
	limiters map[uint32]*rate.Limiter
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for rate limiting.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithMetrics injects a pre-built metrics container, enabling shared aggregation across gates.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gate) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	//1.- Normalise negative limits to disable the corresponding checks.
	if cfg.Rate < 0 {
		cfg.Rate = 0
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	gate := &Gate{
		cfg:      cfg,
		clock:    systemClock{},
		logger:   logger,
		metrics:  newMetrics(),
		limiters: make(map[uint32]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// AllowBatch spends one token of the entity's submission budget.
func (g *Gate) AllowBatch(entityID uint32, size int) Decision {
	if g == nil || g.cfg.Rate == 0 {
		return Decision{Accepted: true}
	}
	now := g.clock.Now()
	g.mu.Lock()
	limiter := g.limiters[entityID]
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.Rate), g.cfg.Burst)
		g.limiters[entityID] = limiter
	}
	allowed := limiter.AllowN(now, 1)
	g.mu.Unlock()
	if !allowed {
		g.metrics.observe(entityID, DropReasonRateLimited, uint64(size))
		return Decision{Accepted: false, Reason: DropReasonRateLimited}
	}
	return Decision{Accepted: true}
}

// Evaluate places one input relative to the next server tick.
func (g *Gate) Evaluate(frame Frame) Decision {
	decision := Decision{Accepted: true}
	if g == nil {
		return decision
	}
	switch {
	case frame.SequenceID < frame.ServerSequence:
		//1.- The tick this input targets has already been simulated.
		decision = Decision{Accepted: false, Reason: DropReasonStale}
	case g.cfg.MaxLead > 0 && frame.SequenceID > frame.ServerSequence+g.cfg.MaxLead:
		//2.- Too far ahead to be a plausible prediction window.
		decision = Decision{Accepted: false, Reason: DropReasonLead}
	}
	if !decision.Accepted {
		g.metrics.observe(frame.EntityID, decision.Reason, 1)
		if g.logger != nil {
			g.logger.Debug("input dropped",
				logging.Uint32("entity_id", frame.EntityID),
				logging.Uint64("sequence", frame.SequenceID),
				logging.Uint64("server_sequence", frame.ServerSequence),
				logging.String("reason", decision.Reason.String()))
		}
	}
	return decision
}

// observeInvalid counts an input the validator refused.
func (g *Gate) observeInvalid(entityID uint32) {
	if g == nil {
		return
	}
	g.metrics.observe(entityID, DropReasonInvalid, 1)
}

// Forget clears cached limiter and metrics state for a despawned entity.
func (g *Gate) Forget(entityID uint32) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.limiters, entityID)
	g.mu.Unlock()
	g.metrics.forget(entityID)
}

// Metrics returns a snapshot of the latest drop counters.
func (g *Gate) Metrics() map[uint32]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}
