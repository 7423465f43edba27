package physics

import "fmt"

// Params holds every tunable of the step function. Server and client must use
// identical values or their results diverge.
type Params struct {
	Gravity             float64
	JumpImpulse         float64
	MaxSlopeDeg         float64
	GroundSnap          float64
	TerminalVelocity    float64
	WallBuffer          float64
	BackpedalMultiplier float64
	BackpedalThreshold  float64
	ParallelEpsilon     float64
	MaxGlidePasses      int
}

// Walkable slope limits accepted by Validate.
const (
	MinMaxSlopeDeg = 45.0
	MaxMaxSlopeDeg = 60.0
)

// DefaultParams returns the reference tuning.
func DefaultParams() Params {
	return Params{
		Gravity:             -27.62,
		JumpImpulse:         8,
		MaxSlopeDeg:         60,
		GroundSnap:          0.1,
		TerminalVelocity:    -50,
		WallBuffer:          0.05,
		BackpedalMultiplier: 0.5,
		BackpedalThreshold:  -0.01,
		ParallelEpsilon:     1e-4,
		MaxGlidePasses:      4,
	}
}

// WithMaxSlope returns a copy using the given walkable limit.
func (p Params) WithMaxSlope(deg float64) Params {
	p.MaxSlopeDeg = deg
	return p
}

// Validate reports tunings the step function cannot honour.
func (p Params) Validate() error {
	if p.MaxSlopeDeg < MinMaxSlopeDeg || p.MaxSlopeDeg > MaxMaxSlopeDeg {
		return fmt.Errorf("physics: max slope %.2f outside [%.0f, %.0f]", p.MaxSlopeDeg, MinMaxSlopeDeg, MaxMaxSlopeDeg)
	}
	if p.Gravity >= 0 {
		return fmt.Errorf("physics: gravity must be negative, got %.2f", p.Gravity)
	}
	if p.TerminalVelocity >= 0 {
		return fmt.Errorf("physics: terminal velocity must be negative, got %.2f", p.TerminalVelocity)
	}
	if p.GroundSnap < 0 || p.WallBuffer < 0 {
		return fmt.Errorf("physics: ground snap and wall buffer must not be negative")
	}
	if p.ParallelEpsilon <= 0 {
		return fmt.Errorf("physics: parallel epsilon must be positive, got %g", p.ParallelEpsilon)
	}
	if p.MaxGlidePasses < 1 {
		return fmt.Errorf("physics: max glide passes must be at least 1, got %d", p.MaxGlidePasses)
	}
	return nil
}
