package prediction

import "sync"

// RateCapacity is the number of samples kept per stream.
const RateCapacity = 30

// RateSample is one observed interval between updates, in milliseconds.
type RateSample struct {
	Rate       float64 `json:"rate"`
	SequenceID uint64  `json:"sequence_id"`
}

// RateStats keeps a rolling window of interval samples per named stream.
type RateStats struct {
	mu       sync.Mutex
	capacity int
	streams  map[string][]RateSample
}

// NewRateStats returns an empty window of capacity samples per stream.
func NewRateStats(capacity int) *RateStats {
	if capacity <= 0 {
		capacity = RateCapacity
	}
	return &RateStats{capacity: capacity, streams: make(map[string][]RateSample)}
}

// Record appends a sample, evicting the oldest once the stream is full.
func (r *RateStats) Record(stream string, rate float64, seq uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	samples := r.streams[stream]
	if len(samples) == r.capacity {
		copy(samples, samples[1:])
		samples = samples[:r.capacity-1]
	}
	r.streams[stream] = append(samples, RateSample{Rate: rate, SequenceID: seq})
}

// Samples returns a copy of the stream, oldest first.
func (r *RateStats) Samples(stream string) []RateSample {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RateSample(nil), r.streams[stream]...)
}

// Average returns the mean interval of the stream.
func (r *RateStats) Average(stream string) (float64, bool) {
	samples := r.Samples(stream)
	if len(samples) == 0 {
		return 0, false
	}
	total := 0.0
	for _, s := range samples {
		total += s.Rate
	}
	return total / float64(len(samples)), true
}

// Streams lists the stream names with at least one sample.
func (r *RateStats) Streams() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	return names
}
