package resilience

import (
	"context"
	"sync"
	"time"
)

// RateGate enforces a minimum spacing between outbound calls to a single
// upstream. All spot-market provider calls go through one gate so a burst of
// parallel launches cannot trip the provider's 429 limiter.
type RateGate struct {
	mu         sync.Mutex
	minSpacing time.Duration
	lastCall   time.Time
}

func NewRateGate(minSpacing time.Duration) *RateGate {
	return &RateGate{minSpacing: minSpacing}
}

// Wait blocks until at least minSpacing has elapsed since the previous caller
// was released, then claims the slot. Callers queued behind a slow slot are
// released one per interval, preserving spacing under bursts.
func (g *RateGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	next := g.lastCall.Add(g.minSpacing)
	if next.Before(now) {
		next = now
	}
	g.lastCall = next
	g.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
