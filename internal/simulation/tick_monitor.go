package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises observed tick durations and catch-up bursts.
type TickMetricsSnapshot struct {
	Samples    int           `json:"samples"`
	Average    time.Duration `json:"average"`
	Max        time.Duration `json:"max"`
	Last       time.Duration `json:"last"`
	Firings    int           `json:"firings"`
	IdleFires  int           `json:"idle_fires"`
	MaxCatchUp int           `json:"max_catch_up"`
	Rejected   int           `json:"rejected"`
}

// AverageTPS derives the ticks-per-second ceiling of the sampled tick cost.
func (s TickMetricsSnapshot) AverageTPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing statistics for the tick server.
type TickMonitor struct {
	mu         sync.Mutex
	samples    int
	total      time.Duration
	max        time.Duration
	last       time.Duration
	firings    int
	idle       int
	maxCatchUp int
	rejected   int
}

// NewTickMonitor constructs an empty monitor ready to collect samples.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the duration of one completed tick.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate the sample count and aggregate duration for average calculations.
	m.samples++
	m.total += duration
	//2.- Track the worst-case tick so operators can spot spikes quickly.
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// ObserveFiring records how many ticks one scheduler firing ran.
func (m *TickMonitor) ObserveFiring(ticks int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.firings++
	if ticks == 0 {
		m.idle++
	}
	if ticks > m.maxCatchUp {
		m.maxCatchUp = ticks
	}
	m.mu.Unlock()
}

// ObserveRejected counts an invocation refused for its caller.
func (m *TickMonitor) ObserveRejected() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	average := time.Duration(0)
	if m.samples > 0 {
		average = m.total / time.Duration(m.samples)
	}
	return TickMetricsSnapshot{
		Samples:    m.samples,
		Average:    average,
		Max:        m.max,
		Last:       m.last,
		Firings:    m.firings,
		IdleFires:  m.idle,
		MaxCatchUp: m.maxCatchUp,
		Rejected:   m.rejected,
	}
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	//1.- Zero every counter so subsequent snapshots start from scratch.
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.firings, m.idle, m.maxCatchUp, m.rejected = 0, 0, 0, 0
	m.mu.Unlock()
}
