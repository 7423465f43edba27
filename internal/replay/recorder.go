package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"dwarfendepths/movecore/internal/state"
)

// frameEncoding sorts map keys and leaves float64 widths untouched so the
// recorded bits are the simulated bits.
var frameEncoding = func() cbor.EncMode {
	mode, err := cbor.EncOptions{Sort: cbor.SortCoreDeterministic, ShortestFloat: cbor.ShortestFloatNone}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("replay: cbor encoding: %v", err))
	}
	return mode
}()

// Recorder persists every completed tick and lifecycle event into a bundle.
type Recorder struct {
	writer *Writer

	mu           sync.Mutex
	frames       int64
	events       int64
	bytes        int64
	lastSequence uint64
}

// Stats summarises recorder progress for monitoring endpoints.
type Stats struct {
	Directory    string
	Frames       int64
	Events       int64
	FrameBytes   int64
	LastSequence uint64
}

// NewRecorder opens a bundle named after session under root.
func NewRecorder(root, session string, clock func() time.Time) (*Recorder, error) {
	writer, _, err := NewWriter(root, session, clock)
	if err != nil {
		return nil, err
	}
	return &Recorder{writer: writer}, nil
}

// SetHeader records the world the ticks run against.
func (r *Recorder) SetHeader(mapName string, tickInterval time.Duration, maxSlopeDeg float64) {
	if r == nil {
		return
	}
	r.writer.SetHeader(mapName, tickInterval, maxSlopeDeg)
}

// RecordTick appends the cbor-encoded tick as one frame.
func (r *Recorder) RecordTick(_ context.Context, rec state.TickRecord) error {
	if r == nil {
		return fmt.Errorf("recorder not configured")
	}
	payload, err := frameEncoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode tick %d: %w", rec.Sequence, err)
	}
	if err := r.writer.AppendFrame(rec.Sequence, payload); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames++
	r.bytes += int64(len(payload))
	r.lastSequence = rec.Sequence
	r.mu.Unlock()
	return nil
}

// RecordEvent appends a spawn or despawn line to the event log.
func (r *Recorder) RecordEvent(_ context.Context, ev state.LifecycleEvent) error {
	if r == nil {
		return fmt.Errorf("recorder not configured")
	}
	if err := r.writer.AppendEvent(ev.Sequence, string(ev.Kind), ev.Entity); err != nil {
		return err
	}
	r.mu.Lock()
	r.events++
	r.mu.Unlock()
	return nil
}

// Directory returns the bundle directory.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.writer.Directory()
}

// Snapshot returns statistics describing the recorder state.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Directory:    r.writer.Directory(),
		Frames:       r.frames,
		Events:       r.events,
		FrameBytes:   r.bytes,
		LastSequence: r.lastSequence,
	}
}

// Flush forces buffered frames to disk.
func (r *Recorder) Flush() error {
	if r == nil {
		return nil
	}
	return r.writer.Flush()
}

// Close finalises the bundle.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.writer.Close()
}
