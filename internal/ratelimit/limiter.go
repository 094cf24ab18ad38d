package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum spacing between request issuances across all
// workers combined. It is the one piece of shared mutable state in the
// engine: a mutex-guarded "last issued" timestamp.
type Limiter struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func New(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Wait blocks until at least the configured interval has elapsed since the
// last request issued by any worker, atomically reserving the new issuance
// slot before sleeping. A zero interval disables throttling.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()

	slot := l.last.Add(l.interval)
	if slot.Before(now) {
		slot = now
	}

	l.last = slot
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
