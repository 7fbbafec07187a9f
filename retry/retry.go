// Package retry computes backoff schedules for failed submissions.
//
// A Manager is a pure calculator: it holds no per-entry state. Callers pass
// the number of failures recorded so far and receive either a delay, an
// absolute time, or a verdict on whether another attempt is allowed.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/xraph/beacon/internal/clock"
)

// Defaults used when the corresponding option is not supplied.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = time.Hour
	DefaultMaxRetries = 5
)

// jitterFactor scales the symmetric jitter applied to each delay.
const jitterFactor = 0.25

// Manager computes retry delays using exponential backoff with jitter.
type Manager struct {
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	clock      clock.Clock
	random     func() float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseDelay sets the delay for the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(m *Manager) { m.baseDelay = d }
}

// WithMaxDelay caps every computed delay.
func WithMaxDelay(d time.Duration) Option {
	return func(m *Manager) { m.maxDelay = d }
}

// WithMaxRetries sets how many failures an entry may accumulate before it
// is dropped. Zero means a failed entry is never retried.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithClock sets the time source used by NextRetryAt.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(m *Manager) { m.random = fn }
}

// New creates a Manager. Defaults are applied first so that explicit zero
// values passed through options, such as WithMaxRetries(0), are honoured.
func New(opts ...Option) *Manager {
	m := &Manager{
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		maxRetries: DefaultMaxRetries,
		clock:      clock.Real(),
		random:     rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.baseDelay <= 0 {
		m.baseDelay = DefaultBaseDelay
	}
	if m.maxDelay < time.Millisecond {
		m.maxDelay = time.Millisecond
	}
	if m.maxRetries < 0 {
		m.maxRetries = 0
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.random == nil {
		m.random = rand.Float64
	}
	return m
}

// MaxRetries returns the configured retry budget.
func (m *Manager) MaxRetries() int { return m.maxRetries }

// BaseDelay returns the configured delay for the first retry.
func (m *Manager) BaseDelay() time.Duration { return m.baseDelay }

// MaxDelay returns the configured delay cap.
func (m *Manager) MaxDelay() time.Duration { return m.maxDelay }

// NextRetryDelay returns the delay before the next attempt of an entry that
// has failed retryCount times.
//
// The exponential term min(2^retryCount * base, max) is perturbed by up to
// ±12.5% jitter, truncated to whole milliseconds and clamped to
// [1ms, max]. A negative retryCount is treated as zero.
func (m *Manager) NextRetryDelay(retryCount int) time.Duration {
	d := m.backoff(retryCount)

	jitter := float64(d) * jitterFactor * (m.random() - 0.5)
	d = time.Duration(float64(d) + jitter)

	if d > m.maxDelay {
		d = m.maxDelay
	}
	d = d.Truncate(time.Millisecond)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// NextRetryAt returns the absolute time at which an entry that has failed
// retryCount times becomes eligible again.
func (m *Manager) NextRetryAt(retryCount int) time.Time {
	return m.clock.Now().Add(m.NextRetryDelay(retryCount))
}

// ShouldRetry reports whether an entry that has failed retryCount times
// may be attempted again.
func (m *Manager) ShouldRetry(retryCount int) bool {
	return retryCount < m.maxRetries
}

// backoff doubles base retryCount times, saturating at maxDelay so large
// counts cannot overflow.
func (m *Manager) backoff(retryCount int) time.Duration {
	d := m.baseDelay
	if d >= m.maxDelay {
		return m.maxDelay
	}
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= m.maxDelay {
			return m.maxDelay
		}
	}
	return d
}
