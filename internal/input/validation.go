package input

import (
	"math"
	"sync"
	"time"

	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
)

// ValidationReason identifies why an input was rejected by the validator.
type ValidationReason string

const (
	ValidationReasonNone           ValidationReason = ""
	ValidationReasonDirectionNaN   ValidationReason = "direction_nan"
	ValidationReasonYawNaN         ValidationReason = "yaw_nan"
	ValidationReasonSelfTarget     ValidationReason = "self_target"
	ValidationReasonCooldownActive ValidationReason = "cooldown_active"
)

// InputConstraints configures the validator's cooldown policy. Direction
// magnitude is not constrained; Simulate normalizes it.
type InputConstraints struct {
	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
	MaxCooldownStrikes int
}

// ValidationDecision summarises the result of a Validate call.
type ValidationDecision struct {
	Accepted   bool
	Reason     ValidationReason
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

// ValidationCounters aggregates per-entity violation statistics.
type ValidationCounters struct {
	Violations  map[ValidationReason]uint64 `json:"violations,omitempty"`
	Cooldowns   uint64                      `json:"cooldowns"`
	Disconnects uint64                      `json:"disconnects"`
}

// ValidatorOption customises validator construction.
type ValidatorOption func(*Validator)

// Validator rejects malformed inputs and cools down entities that keep
// sending them.
type Validator struct {
	mu      sync.Mutex
	cfg     InputConstraints
	clock   Clock
	logger  *logging.Logger
	clients map[uint32]*validatorClientState
	metrics map[uint32]ValidationCounters
}

type validatorClientState struct {
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
}

// DefaultInputConstraints provides the tuned baseline for production traffic.
var DefaultInputConstraints = InputConstraints{
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
	MaxCooldownStrikes: 3,
}

// WithValidatorClock overrides the clock used to determine cooldown windows.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewValidator builds a validator with the supplied constraints and logger.
func NewValidator(cfg InputConstraints, logger *logging.Logger, opts ...ValidatorOption) *Validator {
	//1.- Fill unset limits from the defaults.
	if cfg.InvalidBurstLimit <= 0 {
		cfg.InvalidBurstLimit = DefaultInputConstraints.InvalidBurstLimit
	}
	if cfg.InvalidBurstWindow <= 0 {
		cfg.InvalidBurstWindow = DefaultInputConstraints.InvalidBurstWindow
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultInputConstraints.CooldownDuration
	}
	if cfg.MaxCooldownStrikes <= 0 {
		cfg.MaxCooldownStrikes = DefaultInputConstraints.MaxCooldownStrikes
	}
	validator := &Validator{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[uint32]*validatorClientState),
		metrics: make(map[uint32]ValidationCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// Validate checks the supplied input and records any violation.
func (v *Validator) Validate(entityID uint32, in physics.Input) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: true}
	}
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.clients[entityID]
	if state == nil {
		state = &validatorClientState{}
		v.clients[entityID] = state
	}
	if !state.cooldownUntil.IsZero() && now.Before(state.cooldownUntil) {
		return ValidationDecision{Accepted: false, Reason: ValidationReasonCooldownActive, Cooldown: state.cooldownUntil.Sub(now)}
	}
	if reason := v.check(entityID, in); reason != ValidationReasonNone {
		return v.registerViolationLocked(entityID, state, now, reason)
	}
	state.invalidCount = 0
	state.firstInvalid = time.Time{}
	return ValidationDecision{Accepted: true}
}

// Forget clears all state for the specified entity.
func (v *Validator) Forget(entityID uint32) {
	if v == nil {
		return
	}
	v.mu.Lock()
	delete(v.clients, entityID)
	delete(v.metrics, entityID)
	v.mu.Unlock()
}

// Metrics returns a snapshot of per-entity counters for diagnostics.
func (v *Validator) Metrics() map[uint32]ValidationCounters {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.metrics) == 0 {
		return nil
	}
	snapshot := make(map[uint32]ValidationCounters, len(v.metrics))
	for id, counters := range v.metrics {
		clone := ValidationCounters{Cooldowns: counters.Cooldowns, Disconnects: counters.Disconnects}
		if len(counters.Violations) > 0 {
			clone.Violations = make(map[ValidationReason]uint64, len(counters.Violations))
			for reason, count := range counters.Violations {
				clone.Violations[reason] = count
			}
		}
		snapshot[id] = clone
	}
	return snapshot
}

func (v *Validator) check(entityID uint32, in physics.Input) ValidationReason {
	x, z := in.Direction[0], in.Direction[1]
	if math.IsNaN(x) || math.IsNaN(z) || math.IsInf(x, 0) || math.IsInf(z, 0) {
		return ValidationReasonDirectionNaN
	}
	if math.IsNaN(in.Yaw) || math.IsInf(in.Yaw, 0) {
		return ValidationReasonYawNaN
	}
	if in.TargetEntityID != 0 && in.TargetEntityID == entityID {
		return ValidationReasonSelfTarget
	}
	return ValidationReasonNone
}

func (v *Validator) registerViolationLocked(entityID uint32, state *validatorClientState, now time.Time, reason ValidationReason) ValidationDecision {
	counters := v.metrics[entityID]
	if counters.Violations == nil {
		counters.Violations = make(map[ValidationReason]uint64)
	}
	counters.Violations[reason]++

	decision := ValidationDecision{Accepted: false, Reason: reason}

	//1.- Count violations inside the burst window.
	if state.invalidCount == 0 || now.Sub(state.firstInvalid) > v.cfg.InvalidBurstWindow {
		state.firstInvalid = now
		state.invalidCount = 1
	} else {
		state.invalidCount++
	}
	decision.Warn = v.cfg.InvalidBurstLimit-state.invalidCount == 1

	//2.- A full burst starts a cooldown; repeated cooldowns disconnect.
	if state.invalidCount >= v.cfg.InvalidBurstLimit {
		state.cooldownUntil = now.Add(v.cfg.CooldownDuration)
		state.invalidCount = 0
		state.firstInvalid = time.Time{}
		state.strikes++
		counters.Cooldowns++
		if state.strikes >= v.cfg.MaxCooldownStrikes {
			decision.Disconnect = true
			counters.Disconnects++
		}
		decision.Cooldown = v.cfg.CooldownDuration
		if v.logger != nil {
			v.logger.Debug("input validator cooldown",
				logging.Uint32("entity_id", entityID),
				logging.String("reason", string(reason)),
				logging.Duration("cooldown", v.cfg.CooldownDuration),
			)
		}
	}
	v.metrics[entityID] = counters
	return decision
}
