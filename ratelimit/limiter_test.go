package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/beacon/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStartsFull(t *testing.T) {
	l := New(60, 10, WithClock(clock.Fake(epoch)))
	if got := l.Tokens(); got != 10 {
		t.Fatalf("Tokens() = %v, want 10", got)
	}
	if !l.CanSubmit(10) {
		t.Fatal("full bucket should admit a whole burst")
	}
	if l.CanSubmit(11) {
		t.Fatal("bucket should not admit more than its burst")
	}
}

func TestConsumeAllOrNothing(t *testing.T) {
	l := New(60, 10, WithClock(clock.Fake(epoch)))

	if !l.Consume(7) {
		t.Fatal("Consume(7) should succeed on a full bucket")
	}
	if l.Consume(4) {
		t.Fatal("Consume(4) should fail with 3 tokens left")
	}
	if got := l.Tokens(); got != 3 {
		t.Fatalf("failed Consume changed the bucket: Tokens() = %v, want 3", got)
	}
	if !l.Consume(3) {
		t.Fatal("Consume(3) should succeed with 3 tokens left")
	}
	if got := l.Tokens(); got != 0 {
		t.Fatalf("Tokens() = %v, want 0", got)
	}
}

func TestRefill(t *testing.T) {
	fc := clock.Fake(epoch)
	l := New(60, 10, WithClock(fc))
	l.Consume(10)

	fc.Advance(2500 * time.Millisecond)
	if got := l.Tokens(); got != 2.5 {
		t.Fatalf("Tokens() after 2.5s = %v, want 2.5", got)
	}

	fc.Advance(time.Hour)
	if got := l.Tokens(); got != 10 {
		t.Fatalf("Tokens() after idle hour = %v, want capped at 10", got)
	}
}

func TestRefillAccumulatesSmallSteps(t *testing.T) {
	fc := clock.Fake(epoch)
	// 7 per minute does not divide evenly into microseconds.
	l := New(7, 1, WithClock(fc))
	l.Consume(1)

	for i := 0; i < 60; i++ {
		fc.Advance(time.Second / 7)
		_ = l.Tokens()
	}
	// 60/7 s elapsed == exactly one token at 7/min, give or take the
	// integer nanoseconds lost to time.Second/7.
	if l.CanSubmit(1) {
		t.Fatal("bucket refilled early")
	}
	fc.Advance(time.Microsecond)
	if !l.CanSubmit(1) {
		t.Fatalf("bucket did not refill, Tokens() = %v", l.Tokens())
	}
}

func TestWaitTime(t *testing.T) {
	tests := []struct {
		name string
		rate int
		want time.Duration
	}{
		{name: "one per second", rate: 60, want: time.Second},
		{name: "uneven rate rounds up", rate: 7, want: 8572 * time.Millisecond},
		{name: "fast rate", rate: 120_000, want: time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := clock.Fake(epoch)
			l := New(tt.rate, 1, WithClock(fc))

			if got := l.WaitTime(); got != 0 {
				t.Fatalf("WaitTime() on full bucket = %v, want 0", got)
			}

			l.Consume(1)
			wait := l.WaitTime()
			if wait != tt.want {
				t.Fatalf("WaitTime() = %v, want %v", wait, tt.want)
			}

			fc.Advance(wait)
			if !l.CanSubmit(1) {
				t.Fatalf("CanSubmit(1) false after waiting %v", wait)
			}
		})
	}
}

func TestWaitTimeNotEarly(t *testing.T) {
	fc := clock.Fake(epoch)
	l := New(60, 10, WithClock(fc))
	l.Consume(10)

	fc.Advance(999 * time.Millisecond)
	if l.CanSubmit(1) {
		t.Fatal("token available before a full second at 60/min")
	}
	if got := l.WaitTime(); got != time.Millisecond {
		t.Fatalf("WaitTime() = %v, want 1ms", got)
	}
}

func TestUnlimited(t *testing.T) {
	l := New(0, 5)
	for i := 0; i < 1000; i++ {
		if !l.Consume(100) {
			t.Fatal("unlimited limiter should always admit")
		}
	}
	if l.WaitTime() != 0 {
		t.Fatal("unlimited limiter should never wait")
	}
	if err := l.Wait(context.Background(), 100); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
}

func TestBurstFloor(t *testing.T) {
	l := New(60, 0, WithClock(clock.Fake(epoch)))
	if l.Burst() != 1 {
		t.Fatalf("Burst() = %d, want 1", l.Burst())
	}
	if !l.Consume(1) {
		t.Fatal("bucket with burst 1 should admit one token")
	}
}

func TestReset(t *testing.T) {
	l := New(60, 3, WithClock(clock.Fake(epoch)))
	l.Consume(3)
	if l.CanSubmit(1) {
		t.Fatal("should be empty")
	}

	l.Reset()

	if got := l.Tokens(); got != 3 {
		t.Fatalf("Tokens() after Reset = %v, want 3", got)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	l := New(1, 1)
	l.Consume(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, 1); err == nil {
		t.Fatal("Wait should return error when context is cancelled")
	}
}

func TestWait_EventuallyAllowed(t *testing.T) {
	l := New(1200, 1) // 20 per second, ~50ms per token
	l.Consume(1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatalf("Wait should succeed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Wait returned after %v, should have blocked", elapsed)
	}
}

func TestConcurrentConsume(t *testing.T) {
	l := New(60, 50, WithClock(clock.Fake(epoch)))

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Consume(1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 50 {
		t.Fatalf("granted %d tokens, want exactly 50", got)
	}
	if got := l.Tokens(); got < 0 {
		t.Fatalf("Tokens() = %v, must never go negative", got)
	}
}
