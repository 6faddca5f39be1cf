package broker

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurstThenThrottle(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(5, 5)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %v, should be immediate", elapsed)
	}

	// The sixth request must wait for refill (~200ms at 5/s).
	start = time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("throttled request returned in %v, expected a refill wait", elapsed)
	}
}

func TestTokenBucketSlidingWindow(t *testing.T) {
	t.Parallel()

	// Over any one-second span no more than capacity+rate requests can
	// pass. Drain 20 immediately; within the following half second only
	// ~10 more should clear.
	tb := NewTokenBucket(20, 20)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	passed := 0
	for time.Now().Before(deadline) {
		cctx, cancel := context.WithDeadline(ctx, deadline)
		err := cctx.Err()
		if err == nil {
			err = tb.Wait(cctx)
		}
		cancel()
		if err != nil {
			break
		}
		passed++
	}
	if passed > 12 {
		t.Errorf("passed %d requests in 500ms after burst, want <= ~10", passed)
	}
}

func TestTokenBucketContextCancel(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.1) // one token, very slow refill
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cctx); err != context.DeadlineExceeded {
		t.Errorf("wait = %v, want deadline exceeded", err)
	}
}

func TestNewRateLimiterDefault(t *testing.T) {
	t.Parallel()

	tb := NewRateLimiter(0)
	if tb.rate != 20 || tb.capacity != 20 {
		t.Errorf("default limiter = %v/%v, want 20/20", tb.rate, tb.capacity)
	}
}
