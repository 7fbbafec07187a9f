// Package ratelimit provides the token bucket that paces batch submissions.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/beacon/internal/clock"
)

// microsPerToken is the fixed-point scale of the bucket. Tokens are kept as
// integer micro-tokens so that repeated refills cannot accumulate float
// drift.
const microsPerToken = 1_000_000

// nsPerMinuteMicro converts elapsed nanoseconds times a per-minute rate
// into micro-tokens: ns * rate / 60e9 tokens == ns * rate / 60000 micros.
const nsPerMinuteMicro = 60_000

// Defaults used by the pipeline when no explicit limits are configured.
const (
	DefaultRatePerMinute = 60
	DefaultBurst         = 10
)

// Limiter is a single token bucket refilled continuously at a per-minute
// rate and capped at its burst size. The bucket starts full. It is safe for
// concurrent use.
type Limiter struct {
	mu sync.Mutex

	rate   int64 // tokens per minute; <= 0 means unlimited
	burst  int64 // capacity in whole tokens
	tokens int64 // micro-tokens, 0 <= tokens <= burst*microsPerToken
	// frac carries the sub-micro-token remainder of the last refill, in
	// units of 1/nsPerMinuteMicro micro-tokens.
	frac       int64
	lastRefill time.Time
	clock      clock.Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source used for refills.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New creates a limiter that admits ratePerMinute tokens per minute with a
// capacity of burst. A ratePerMinute of 0 or less means unlimited. A burst
// below 1 is raised to 1.
func New(ratePerMinute, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		rate:  int64(ratePerMinute),
		burst: int64(burst),
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.burst < 1 {
		l.burst = 1
	}
	l.tokens = l.capacity()
	l.lastRefill = l.clock.Now()
	return l
}

// Unlimited reports whether the limiter admits everything.
func (l *Limiter) Unlimited() bool { return l.rate <= 0 }

// Burst returns the bucket capacity in whole tokens.
func (l *Limiter) Burst() int { return int(l.burst) }

// RatePerMinute returns the refill rate. Zero or less means unlimited.
func (l *Limiter) RatePerMinute() int { return int(l.rate) }

// CanSubmit reports whether n tokens are currently available, without
// consuming them.
func (l *Limiter) CanSubmit(n int) bool {
	if l.Unlimited() || n <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	return l.tokens >= int64(n)*microsPerToken
}

// Consume removes n tokens if they are all available. It never consumes a
// partial amount: when fewer than n tokens remain it returns false and the
// bucket is unchanged.
func (l *Limiter) Consume(n int) bool {
	if l.Unlimited() || n <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	need := int64(n) * microsPerToken
	if l.tokens < need {
		return false
	}
	l.tokens -= need
	return true
}

// WaitTime returns how long until at least one token is available,
// rounded up to whole milliseconds. It returns 0 when a token is available
// now.
func (l *Limiter) WaitTime() time.Duration {
	return l.waitFor(1)
}

// Wait blocks until n tokens have been consumed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l.Unlimited() || n <= 0 {
		return nil
	}

	for {
		if l.Consume(n) {
			return nil
		}

		d := l.waitFor(n)
		if d <= 0 {
			d = time.Millisecond
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset refills the bucket to capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = l.capacity()
	l.frac = 0
	l.lastRefill = l.clock.Now()
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	if l.Unlimited() {
		return float64(l.burst)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	return float64(l.tokens) / microsPerToken
}

func (l *Limiter) capacity() int64 {
	return l.burst * microsPerToken
}

// waitFor returns how long until n tokens are available, rounded up to
// whole milliseconds. A request larger than the burst can never be met;
// the wait to a full bucket is returned instead.
func (l *Limiter) waitFor(n int) time.Duration {
	if l.Unlimited() {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	want := int64(n) * microsPerToken
	if want > l.capacity() {
		want = l.capacity()
	}
	if l.tokens >= want {
		return 0
	}

	// Nanoseconds until refill covers the deficit, minus what frac
	// already carries.
	numer := (want-l.tokens)*nsPerMinuteMicro - l.frac
	ns := (numer + l.rate - 1) / l.rate
	ms := (ns + int64(time.Millisecond) - 1) / int64(time.Millisecond)
	return time.Duration(ms) * time.Millisecond
}

// refill credits tokens for the time elapsed since the last refill. It
// must be called with mu held.
func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now

	capacity := l.capacity()
	if l.tokens >= capacity {
		l.frac = 0
		return
	}

	// Checking against the time to fill first keeps elapsed*rate from
	// overflowing after long idle periods.
	deficit := capacity - l.tokens
	fillNs := (deficit*nsPerMinuteMicro - l.frac + l.rate - 1) / l.rate
	if int64(elapsed) >= fillNs {
		l.tokens = capacity
		l.frac = 0
		return
	}

	total := int64(elapsed)*l.rate + l.frac
	l.tokens += total / nsPerMinuteMicro
	l.frac = total % nsPerMinuteMicro
	if l.tokens > capacity {
		l.tokens = capacity
		l.frac = 0
	}
}
