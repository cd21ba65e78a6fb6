package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func newFakeLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(limit)
	l.now = func() time.Time { return clock.t }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.sleeps = append(clock.sleeps, d)
		clock.t = clock.t.Add(d)
		return nil
	}
	return l, clock
}

func TestAcquireUnderQuota(t *testing.T) {
	l, clock := newFakeLimiter(5)
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("expected no sleeps under quota, got %v", clock.sleeps)
	}
}

func TestThirdCallBlocks(t *testing.T) {
	l, clock := newFakeLimiter(2)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(200 * time.Millisecond)
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(200 * time.Millisecond)

	// Third admission inside the same second must wait for the oldest
	// entry to leave the window.
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if len(clock.sleeps) == 0 {
		t.Fatal("third Acquire did not block")
	}
	if clock.sleeps[0] <= 0 {
		t.Errorf("expected positive wait, got %v", clock.sleeps[0])
	}
	// wait = 61s - (now - oldest) = 61s - 400ms
	want := 61*time.Second - 400*time.Millisecond
	if clock.sleeps[0] != want {
		t.Errorf("wait = %v, want %v", clock.sleeps[0], want)
	}
}

func TestNoWindowExceedsQuota(t *testing.T) {
	const limit = 3
	l, clock := newFakeLimiter(limit)

	var admissions []time.Time
	for i := 0; i < 10; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatal(err)
		}
		admissions = append(admissions, clock.t)
		clock.t = clock.t.Add(100 * time.Millisecond)
	}

	for i := range admissions {
		count := 0
		for j := range admissions {
			d := admissions[j].Sub(admissions[i])
			if d >= 0 && d < time.Minute {
				count++
			}
		}
		if count > limit {
			t.Errorf("window starting at admission %d holds %d > %d admissions", i, count, limit)
		}
	}
}

func TestNonPositiveQuotaDefaults(t *testing.T) {
	for _, limit := range []int{0, -1} {
		l, _ := newFakeLimiter(limit)
		if l.limit != DefaultRequestsPerMinute {
			t.Errorf("New(%d) limit = %d, want %d", limit, l.limit, DefaultRequestsPerMinute)
		}
		// Acquire must admit rather than index into an empty window.
		for i := 0; i < DefaultRequestsPerMinute; i++ {
			if err := l.Acquire(context.Background()); err != nil {
				t.Fatalf("New(%d) Acquire %d: %v", limit, i, err)
			}
		}
	}
}

func TestAcquireCancelled(t *testing.T) {
	l, _ := newFakeLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Acquire(ctx); err != context.Canceled {
		t.Errorf("Acquire after cancel = %v, want context.Canceled", err)
	}
}
