package beacon

import (
	"time"

	"github.com/xraph/beacon/queue"
	"github.com/xraph/beacon/ratelimit"
	"github.com/xraph/beacon/retry"
	"github.com/xraph/beacon/submission"
)

// Config holds the configuration for a Beacon instance.
type Config struct {
	// Endpoint is the collector URL. Required.
	Endpoint string

	// APIKey is sent as X-API-Key when set.
	APIKey string

	// SigningSecret, when set, signs each batch body. See package signature.
	SigningSecret string

	// UserAgent identifies this client to the collector.
	UserAgent string

	// Timeout bounds each submission request.
	Timeout time.Duration

	// MaxRetries is how many failed submissions an entry survives before
	// it is dropped. Zero means never retry.
	MaxRetries int

	// BaseDelay is the backoff unit; the n-th retry waits about
	// 2^n * BaseDelay.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff delay.
	MaxDelay time.Duration

	// Interval is how often the background loop submits a batch.
	Interval time.Duration

	// BatchSize is the maximum number of events per submission.
	BatchSize int

	// RateLimit is the sustained submission rate in events per minute.
	// Zero or negative disables rate limiting.
	RateLimit int

	// Burst is the token bucket capacity.
	Burst int

	// MaxQueueSize bounds the queue; the oldest entries are evicted past
	// it. Zero means unbounded.
	MaxQueueSize int

	// Retention is how long an entry may wait before periodic cleanup
	// purges it. Zero disables cleanup.
	Retention time.Duration

	// CleanupInterval is the minimum time between retention cleanups.
	CleanupInterval time.Duration

	// ShutdownTimeout is the maximum time Stop waits for an in-flight
	// submission.
	ShutdownTimeout time.Duration

	// Enabled controls whether remote submission runs. Events are still
	// recorded and queued while disabled.
	Enabled bool
}

// DefaultConfig returns a Config with sensible defaults and no endpoint.
func DefaultConfig() Config {
	return Config{
		UserAgent:       submission.DefaultUserAgent,
		Timeout:         submission.DefaultTimeout,
		MaxRetries:      retry.DefaultMaxRetries,
		BaseDelay:       retry.DefaultBaseDelay,
		MaxDelay:        retry.DefaultMaxDelay,
		Interval:        submission.DefaultInterval,
		BatchSize:       submission.DefaultBatchSize,
		RateLimit:       ratelimit.DefaultRatePerMinute,
		Burst:           ratelimit.DefaultBurst,
		MaxQueueSize:    queue.DefaultMaxSize,
		Retention:       submission.DefaultRetention,
		CleanupInterval: submission.DefaultCleanupInterval,
		ShutdownTimeout: 30 * time.Second,
		Enabled:         true,
	}
}
