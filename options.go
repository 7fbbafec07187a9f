package beacon

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/beacon/observability"
	"github.com/xraph/beacon/queue"
	"github.com/xraph/beacon/store"
)

// Option configures a Beacon instance.
type Option func(*Beacon) error

// WithConfig replaces the whole configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg Config) Option {
	return func(b *Beacon) error {
		b.config = cfg
		return nil
	}
}

// WithStore sets the persistence backend for events and the queue.
func WithStore(s store.Store) Option {
	return func(b *Beacon) error {
		b.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Beacon) error {
		b.logger = logger
		return nil
	}
}

// WithEndpoint sets the collector URL.
func WithEndpoint(endpoint string) Option {
	return func(b *Beacon) error {
		b.config.Endpoint = endpoint
		return nil
	}
}

// WithAPIKey sets the key sent as X-API-Key.
func WithAPIKey(key string) Option {
	return func(b *Beacon) error {
		b.config.APIKey = key
		return nil
	}
}

// WithSigningSecret enables HMAC signing of batch bodies.
func WithSigningSecret(secret string) Option {
	return func(b *Beacon) error {
		b.config.SigningSecret = secret
		return nil
	}
}

// WithUserAgent sets the client identifier header.
func WithUserAgent(ua string) Option {
	return func(b *Beacon) error {
		b.config.UserAgent = ua
		return nil
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Beacon) error {
		b.config.Timeout = d
		return nil
	}
}

// WithMaxRetries sets how many failures an entry survives. Zero is a
// valid value and disables retries.
func WithMaxRetries(n int) Option {
	return func(b *Beacon) error {
		b.config.MaxRetries = n
		return nil
	}
}

// WithBackoff sets the retry base delay and cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(b *Beacon) error {
		b.config.BaseDelay = base
		b.config.MaxDelay = maxDelay
		return nil
	}
}

// WithInterval sets how often the background loop runs.
func WithInterval(d time.Duration) Option {
	return func(b *Beacon) error {
		b.config.Interval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of events per submission.
func WithBatchSize(n int) Option {
	return func(b *Beacon) error {
		b.config.BatchSize = n
		return nil
	}
}

// WithRateLimit sets the sustained rate (events per minute) and burst.
func WithRateLimit(perMinute, burst int) Option {
	return func(b *Beacon) error {
		b.config.RateLimit = perMinute
		b.config.Burst = burst
		return nil
	}
}

// WithMaxQueueSize bounds the queue. Zero means unbounded.
func WithMaxQueueSize(n int) Option {
	return func(b *Beacon) error {
		b.config.MaxQueueSize = n
		return nil
	}
}

// WithRetention sets how long entries may wait before cleanup purges
// them, and how often cleanup runs.
func WithRetention(retention, every time.Duration) Option {
	return func(b *Beacon) error {
		b.config.Retention = retention
		b.config.CleanupInterval = every
		return nil
	}
}

// WithShutdownTimeout sets how long Stop waits for an in-flight cycle.
func WithShutdownTimeout(d time.Duration) Option {
	return func(b *Beacon) error {
		b.config.ShutdownTimeout = d
		return nil
	}
}

// WithEnabled sets whether remote submission starts enabled.
func WithEnabled(enabled bool) Option {
	return func(b *Beacon) error {
		b.config.Enabled = enabled
		return nil
	}
}

// WithHTTPClient sets the HTTP client used to reach the collector.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Beacon) error {
		b.httpClient = hc
		return nil
	}
}

// WithDropHandler registers a handler for entries dropped without being
// submitted.
func WithDropHandler(h queue.DropHandler) Option {
	return func(b *Beacon) error {
		b.onDrop = h
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Beacon) error {
		b.metrics = m
		return nil
	}
}

// WithTracer enables OpenTelemetry spans around submissions.
func WithTracer(t *observability.Tracer) Option {
	return func(b *Beacon) error {
		b.tracer = t
		return nil
	}
}
