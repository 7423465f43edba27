package input

import (
	"sync"
	"testing"
	"time"

	"dwarfendepths/movecore/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// 1.- Now returns the configured timestamp for deterministic gate decisions.
func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// 2.- Advance moves the internal clock forward to simulate elapsed time.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGateRejectsStaleInputs(t *testing.T) {
	gate := NewGate(Config{MaxLead: 64}, logging.NewTestLogger())

	//1.- The input for the tick about to run is still on time.
	if decision := gate.Evaluate(Frame{EntityID: 1, SequenceID: 10, ServerSequence: 10}); !decision.Accepted {
		t.Fatalf("current tick input rejected: %+v", decision)
	}

	//2.- An input for an already simulated tick is stale.
	stale := gate.Evaluate(Frame{EntityID: 1, SequenceID: 9, ServerSequence: 10})
	if stale.Accepted || stale.Reason != DropReasonStale {
		t.Fatalf("expected stale drop, got %+v", stale)
	}
	if metrics := gate.Metrics()[1]; metrics.Stale != 1 {
		t.Fatalf("stale drops = %d, want 1", metrics.Stale)
	}
}

func TestGateRejectsInputsBeyondLead(t *testing.T) {
	gate := NewGate(Config{MaxLead: 4}, logging.NewTestLogger())
	if decision := gate.Evaluate(Frame{EntityID: 2, SequenceID: 14, ServerSequence: 10}); !decision.Accepted {
		t.Fatalf("input at the lead edge rejected: %+v", decision)
	}
	ahead := gate.Evaluate(Frame{EntityID: 2, SequenceID: 15, ServerSequence: 10})
	if ahead.Accepted || ahead.Reason != DropReasonLead {
		t.Fatalf("expected lead drop, got %+v", ahead)
	}
}

func TestGateAcceptsRetransmittedSequence(t *testing.T) {
	gate := NewGate(Config{MaxLead: 64}, logging.NewTestLogger())
	for i := 0; i < 3; i++ {
		if decision := gate.Evaluate(Frame{EntityID: 1, SequenceID: 12, ServerSequence: 10}); !decision.Accepted {
			t.Fatalf("retransmission %d rejected: %+v", i, decision)
		}
	}
}

func TestGateRateLimitsBatches(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{Rate: 20, Burst: 2}, logging.NewTestLogger(), WithClock(clock))

	//1.- The burst allowance passes straight through.
	for i := 0; i < 2; i++ {
		if decision := gate.AllowBatch(1, 3); !decision.Accepted {
			t.Fatalf("burst batch %d rejected: %+v", i, decision)
		}
	}

	//2.- The next batch inside the refill interval is limited.
	clock.Advance(10 * time.Millisecond)
	limited := gate.AllowBatch(1, 3)
	if limited.Accepted || limited.Reason != DropReasonRateLimited {
		t.Fatalf("expected rate limit drop, got %+v", limited)
	}
	if metrics := gate.Metrics()[1]; metrics.RateLimited != 3 {
		t.Fatalf("rate limited drops = %d, want 3", metrics.RateLimited)
	}

	//3.- One refill interval later a token is available again.
	clock.Advance(50 * time.Millisecond)
	if decision := gate.AllowBatch(1, 3); !decision.Accepted {
		t.Fatalf("expected refill acceptance, got %+v", decision)
	}
}

func TestGateForgetClearsEntityState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{MaxLead: 1, Rate: 1, Burst: 1}, logging.NewTestLogger(), WithClock(clock))

	//1.- Exhaust the limiter and record a lead drop.
	gate.AllowBatch(7, 1)
	gate.AllowBatch(7, 1)
	gate.Evaluate(Frame{EntityID: 7, SequenceID: 99, ServerSequence: 1})

	//2.- Forget the entity and ensure a fresh budget is granted.
	gate.Forget(7)
	if metrics := gate.Metrics()[7]; metrics != (DropCounters{}) {
		t.Fatalf("expected metrics reset after forget, got %+v", metrics)
	}
	if decision := gate.AllowBatch(7, 1); !decision.Accepted {
		t.Fatalf("expected new budget after forget, got %+v", decision)
	}
}
