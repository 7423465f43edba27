package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiter(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatal("expected first two calls to be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("expected third call to be denied")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("expected a different caller to have its own budget")
	}

	now = now.Add(30 * time.Second)
	if limiter.Allow("10.0.0.1") {
		t.Fatal("expected call within window to still be denied")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Fatal("expected limiter to permit call after window passes")
	}
	//1.- The idle caller's events expired with the window.
	if limiter.Keys() != 1 {
		t.Fatalf("expected one active key, got %d", limiter.Keys())
	}
}

func TestSlidingWindowLimiterDisabled(t *testing.T) {
	if !NewSlidingWindowLimiter(0, 0, nil).Allow("") {
		t.Fatal("limiter with zero configuration should allow")
	}
	var nilLimiter *SlidingWindowLimiter
	if !nilLimiter.Allow("x") || nilLimiter.Keys() != 0 {
		t.Fatal("nil limiter should allow")
	}
}
