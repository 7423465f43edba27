package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFiresRepeatedly(t *testing.T) {
	var fires int32
	scheduler := NewScheduler(20*time.Millisecond, 4, func(context.Context, time.Time) {
		atomic.AddInt32(&fires, 1)
	})
	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	time.Sleep(55 * time.Millisecond)
	cancel()
	scheduler.Stop()
	if atomic.LoadInt32(&fires) < 2 {
		t.Fatalf("expected scheduler to fire several times, got %d", fires)
	}
}

func TestSchedulerInterval(t *testing.T) {
	scheduler := NewScheduler(50*time.Millisecond, 4, nil)
	if got := scheduler.Interval(); got != 12500*time.Microsecond {
		t.Fatalf("unexpected interval %v", got)
	}
	if got := NewScheduler(50*time.Millisecond, 0, nil).Interval(); got != 50*time.Millisecond {
		t.Fatalf("divisor below one should fire per tick, got %v", got)
	}
}
