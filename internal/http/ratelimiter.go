package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most limit events per key within a trailing
// window. Keys are typically the caller's remote host.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per
// key and window. A non-positive window or limit disables it.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
		events: make(map[string][]time.Time),
	}
}

// Allow reports whether key may proceed and records the event when it may.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	//1.- Expire old events for every key so idle callers do not accumulate.
	for k, events := range l.events {
		kept := events[:0]
		for _, ts := range events {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.events, k)
			continue
		}
		l.events[k] = kept
	}
	if len(l.events[key]) >= l.limit {
		return false
	}
	l.events[key] = append(l.events[key], now)
	return true
}

// Keys returns how many callers currently hold events in the window.
func (l *SlidingWindowLimiter) Keys() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
