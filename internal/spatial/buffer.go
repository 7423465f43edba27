package spatial

import "dwarfendepths/movecore/internal/geom"

// QueryBuffer is caller-owned scratch space for SegmentGrid.Nearby. Reusing one
// buffer per goroutine keeps queries allocation free once it has grown to fit
// the grid. A buffer must not be shared between concurrent callers.
type QueryBuffer struct {
	segments   []geom.Segment
	seen       []uint32
	generation uint32
}

// NewQueryBuffer returns a buffer with room for capacity results.
func NewQueryBuffer(capacity int) *QueryBuffer {
	return &QueryBuffer{segments: make([]geom.Segment, 0, capacity)}
}

// reset clears results and opens a new dedup generation sized for n primitives.
func (b *QueryBuffer) reset(n int) {
	b.segments = b.segments[:0]
	if len(b.seen) < n {
		b.seen = make([]uint32, n)
		b.generation = 0
	}
	b.generation++
	if b.generation == 0 {
		// Wrapped; stale marks could collide with the new generation.
		clear(b.seen)
		b.generation = 1
	}
}

// mark records idx for the current query and reports whether it was new.
func (b *QueryBuffer) mark(idx int32) bool {
	if b.seen[idx] == b.generation {
		return false
	}
	b.seen[idx] = b.generation
	return true
}
