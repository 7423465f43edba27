package prediction

const (
	fastScale    = 1.2
	slowScale    = 0.8
	normalScale  = 1.0
	scaleStep    = 0.001
	recoveryStep = 0.002
	minLeadTicks = 2
	maxLeadTicks = 3
)

// TimeScaler nudges the local clock rate so client inputs arrive a few ticks
// ahead of the server. It is not safe for concurrent use.
type TimeScaler struct {
	scale float64
}

// NewTimeScaler starts at real time.
func NewTimeScaler() *TimeScaler { return &TimeScaler{scale: normalScale} }

// Update moves the scale one step for the observed offset and returns it.
func (t *TimeScaler) Update(offset int) float64 {
	switch {
	case offset < minLeadTicks:
		t.scale = moveTowards(t.scale, fastScale, scaleStep)
	case offset > maxLeadTicks:
		t.scale = moveTowards(t.scale, slowScale, scaleStep)
	default:
		t.scale = moveTowards(t.scale, normalScale, recoveryStep)
	}
	return t.scale
}

// Scale returns the current scale without stepping.
func (t *TimeScaler) Scale() float64 { return t.scale }

func moveTowards(current, target, maxDelta float64) float64 {
	delta := target - current
	if delta <= maxDelta && delta >= -maxDelta {
		return target
	}
	if delta > 0 {
		return current + maxDelta
	}
	return current - maxDelta
}
