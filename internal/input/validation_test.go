package input

import (
	"math"
	"testing"
	"time"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
)

func TestValidatorAcceptsWithinConstraints(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(0)}
	validator := NewValidator(DefaultInputConstraints, logging.NewTestLogger(), WithValidatorClock(clock))

	in := physics.Input{Direction: geom.Normalize2(geom.Vec2{1, 1}), Yaw: 45, TargetEntityID: 2, SequenceID: 3}
	if decision := validator.Validate(1, in); !decision.Accepted {
		t.Fatalf("expected acceptance, got %+v", decision)
	}
}

func TestValidatorAcceptsUnnormalizedDirections(t *testing.T) {
	validator := NewValidator(DefaultInputConstraints, logging.NewTestLogger())
	for _, dir := range []geom.Vec2{{1, 1}, {3, 0}, {-40, 25}} {
		if decision := validator.Validate(1, physics.Input{Direction: dir, SequenceID: 4}); !decision.Accepted {
			t.Fatalf("direction %v rejected: %+v", dir, decision)
		}
	}
	if validator.Metrics() != nil {
		t.Fatalf("expected no violations, got %+v", validator.Metrics())
	}
}

func TestValidatorRejectsMalformedInputs(t *testing.T) {
	cases := map[ValidationReason]physics.Input{
		ValidationReasonDirectionNaN: {Direction: geom.Vec2{math.NaN(), 0}},
		ValidationReasonYawNaN:       {Yaw: math.Inf(1)},
		ValidationReasonSelfTarget:   {TargetEntityID: 1},
	}
	for reason, in := range cases {
		validator := NewValidator(DefaultInputConstraints, logging.NewTestLogger())
		decision := validator.Validate(1, in)
		if decision.Accepted || decision.Reason != reason {
			t.Fatalf("expected %s, got %+v", reason, decision)
		}
		if validator.Metrics()[1].Violations[reason] != 1 {
			t.Fatalf("expected %s violation counted", reason)
		}
	}
}

func TestValidatorCooldownAndDisconnect(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(0)}
	cfg := InputConstraints{InvalidBurstLimit: 2, InvalidBurstWindow: time.Second, CooldownDuration: 100 * time.Millisecond, MaxCooldownStrikes: 2}
	validator := NewValidator(cfg, logging.NewTestLogger(), WithValidatorClock(clock))
	bad := physics.Input{Direction: geom.Vec2{math.Inf(-1), 0}}

	//1.- The first violation warns that one more starts a cooldown.
	if decision := validator.Validate(1, bad); !decision.Warn {
		t.Fatalf("expected warning, got %+v", decision)
	}
	decision := validator.Validate(1, bad)
	if decision.Cooldown != cfg.CooldownDuration || decision.Disconnect {
		t.Fatalf("expected first cooldown, got %+v", decision)
	}

	//2.- Inputs during the cooldown are refused outright.
	if decision := validator.Validate(1, physics.Input{}); decision.Reason != ValidationReasonCooldownActive {
		t.Fatalf("expected cooldown rejection, got %+v", decision)
	}

	//3.- A second full burst after the cooldown escalates to disconnect.
	clock.Advance(200 * time.Millisecond)
	validator.Validate(1, bad)
	decision = validator.Validate(1, bad)
	if !decision.Disconnect {
		t.Fatalf("expected disconnect, got %+v", decision)
	}
	if counters := validator.Metrics()[1]; counters.Cooldowns != 2 || counters.Disconnects != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}

	validator.Forget(1)
	if validator.Metrics() != nil {
		t.Fatalf("expected metrics cleared after forget")
	}
}
