package simulation

import (
	"context"
	"time"
)

// FireFunc is invoked on every scheduler firing with the firing time.
type FireFunc func(ctx context.Context, now time.Time)

// Scheduler fires at a sub-tick interval. Each firing runs to completion
// before the next one is delivered, so firings never overlap.
type Scheduler struct {
	interval time.Duration
	fire     FireFunc
	ticker   *time.Ticker
	done     chan struct{}
}

// NewScheduler fires every tick/divisor. A divisor below one fires once per tick.
func NewScheduler(tick time.Duration, divisor int, fire FireFunc) *Scheduler {
	if divisor < 1 {
		divisor = 1
	}
	if fire == nil {
		fire = func(context.Context, time.Time) {}
	}
	interval := tick / time.Duration(divisor)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Scheduler{interval: interval, fire: fire}
}

// Start begins firing until the context is cancelled or Stop is invoked.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.fire == nil {
		return
	}

	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan struct{})
	stop := s.done
	go func() {
		defer close(stop)
		defer s.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-s.ticker.C:
				//1.- Handlers accumulate real time themselves; deliver the wall clock.
				s.fire(ctx, now)
			}
		}
	}()
}

// Stop waits for the firing goroutine to exit. The context passed to Start
// must be cancelled first.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	if s.done != nil {
		<-s.done
		s.done = nil
	}
}

// Interval exposes the configured firing interval for testing.
func (s *Scheduler) Interval() time.Duration {
	if s == nil {
		return 0
	}
	return s.interval
}
