// Package ratelimit provides sliding-window admission control for outbound
// model API calls. Any number of goroutines may call Acquire; global
// throughput is capped at the configured per-minute quota.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

// Limiter admits at most limit requests within any trailing one-minute window.
type Limiter struct {
	limit int

	mu       sync.Mutex
	requests []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRequestsPerMinute is used when the configured quota is not positive.
const DefaultRequestsPerMinute = 3

// New creates a limiter admitting requestsPerMinute requests per sliding minute.
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	return &Limiter{
		limit: requestsPerMinute,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until admitting the caller would not exceed the quota in any
// trailing one-minute window, then records the admission. It returns early
// with the context error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.requests) < l.limit {
			l.requests = append(l.requests, now)
			l.mu.Unlock()
			return nil
		}

		// The oldest entry leaves the window after at most 61s; waiting
		// that long always frees a slot, so this loop cannot deadlock.
		wait := 61*time.Second - now.Sub(l.requests[0])
		l.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.requests) && now.Sub(l.requests[cut]) >= window {
		cut++
	}
	if cut > 0 {
		l.requests = append(l.requests[:0], l.requests[cut:]...)
	}
}
