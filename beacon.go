package beacon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/observability"
	"github.com/xraph/beacon/queue"
	"github.com/xraph/beacon/ratelimit"
	"github.com/xraph/beacon/retry"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/submission"
)

// Beacon is the root telemetry pipeline: it records events locally and
// ships them to the collector in the background.
type Beacon struct {
	config     Config
	store      store.Store
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	onDrop     queue.DropHandler
	httpClient *http.Client

	retry   *retry.Manager
	limiter *ratelimit.Limiter
	queue   *queue.Queue
	client  *submission.Client
	orch    *submission.Orchestrator
}

// New creates a new Beacon with the given options. A store and an
// endpoint are required; an invalid endpoint or timeout fails here rather
// than on first use.
func New(opts ...Option) (*Beacon, error) {
	b := &Beacon{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.store == nil {
		return nil, ErrNoStore
	}
	if b.config.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if err := b.wireServices(); err != nil {
		return nil, err
	}
	return b, nil
}

// wireServices builds the pipeline after options have been applied.
func (b *Beacon) wireServices() error {
	cfg := b.config

	clientOpts := []submission.ClientOption{submission.WithClientLogger(b.logger)}
	if b.httpClient != nil {
		clientOpts = append(clientOpts, submission.WithHTTPClient(b.httpClient))
	}
	client, err := submission.NewClient(submission.Config{
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		SigningSecret: cfg.SigningSecret,
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		UserAgent:     cfg.UserAgent,
	}, clientOpts...)
	if err != nil {
		return err
	}
	b.client = client

	b.retry = retry.New(
		retry.WithBaseDelay(cfg.BaseDelay),
		retry.WithMaxDelay(cfg.MaxDelay),
		retry.WithMaxRetries(cfg.MaxRetries),
	)
	b.limiter = ratelimit.New(cfg.RateLimit, cfg.Burst)

	queueOpts := []queue.Option{
		queue.WithLogger(b.logger),
		queue.WithMetrics(b.metrics),
		queue.WithMaxSize(cfg.MaxQueueSize),
	}
	if b.onDrop != nil {
		queueOpts = append(queueOpts, queue.WithDropHandler(b.onDrop))
	}
	q, err := queue.New(b.store, b.retry, queueOpts...)
	if err != nil {
		return fmt.Errorf("beacon: %w", err)
	}
	b.queue = q

	b.orch = submission.NewOrchestrator(q, client, b.limiter, b.store,
		submission.WithBatchSize(cfg.BatchSize),
		submission.WithRetention(cfg.Retention),
		submission.WithCleanupInterval(cfg.CleanupInterval),
		submission.WithEnabled(cfg.Enabled),
		submission.WithLogger(b.logger),
		submission.WithMetrics(b.metrics),
		submission.WithTracer(b.tracer),
	)
	return nil
}

// Start begins background submission. Calling it again while running
// does nothing.
func (b *Beacon) Start(ctx context.Context) {
	b.orch.Start(ctx, b.config.Interval)
}

// Stop halts background submission, waiting up to ShutdownTimeout for an
// in-flight batch. Queued events are kept for the next run.
func (b *Beacon) Stop(ctx context.Context) error {
	if b.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.ShutdownTimeout)
		defer cancel()
	}
	return b.orch.Stop(ctx)
}

// SetEnabled turns remote submission on or off, typically in response to
// a consent change. Recording continues either way.
func (b *Beacon) SetEnabled(enabled bool) {
	b.orch.SetEnabled(enabled)
}

// Enabled reports whether remote submission is on.
func (b *Beacon) Enabled() bool { return b.orch.Enabled() }

// Record persists an event and queues it for submission. A missing ID or
// timestamp is filled in; the assigned ID is returned.
func (b *Beacon) Record(ctx context.Context, evt *event.Event) (id.ID, error) {
	if evt == nil {
		return id.Nil, fmt.Errorf("beacon: save event: %w", event.ErrInvalidEvent)
	}
	evtID, err := b.store.SaveEvent(ctx, evt)
	if err != nil {
		return id.Nil, fmt.Errorf("beacon: save event: %w", err)
	}
	if err := b.queue.Enqueue(ctx, []id.ID{evtID}); err != nil {
		return evtID, fmt.Errorf("beacon: enqueue event: %w", err)
	}
	b.metrics.RecordRecorded()

	b.logger.DebugContext(ctx, "event recorded",
		"event_id", evtID,
		"type", evt.Type,
	)
	return evtID, nil
}

// DeleteEvents removes events and any queued submissions for them.
func (b *Beacon) DeleteEvents(ctx context.Context, ids []id.ID) (int64, error) {
	n, err := b.store.DeleteEvents(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("beacon: delete events: %w", err)
	}
	return n, nil
}

// ForceSubmission submits one batch now. It still honors the rate limit;
// a nil result means there was nothing to send or no budget to send it.
func (b *Beacon) ForceSubmission(ctx context.Context) (*submission.Result, error) {
	return b.orch.ForceSubmission(ctx)
}

// QueueStats summarizes the submission queue.
func (b *Beacon) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return b.orch.QueueStats(ctx)
}

// ClearQueue discards every queued submission and returns how many were
// removed. The events themselves are kept.
func (b *Beacon) ClearQueue(ctx context.Context) (int64, error) {
	return b.orch.ClearQueue(ctx)
}

// Cleanup discards queued submissions older than maxAge.
func (b *Beacon) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	return b.orch.Cleanup(ctx, time.Now().Add(-maxAge))
}

// Status reports queue depth and the outcome of recent submissions.
func (b *Beacon) Status(ctx context.Context) (*submission.Status, error) {
	return b.orch.Status(ctx)
}

// Ping reports whether the collector is reachable.
func (b *Beacon) Ping(ctx context.Context) bool {
	return b.client.Ping(ctx)
}

// ServerInfo asks the collector for its version and health.
func (b *Beacon) ServerInfo(ctx context.Context) (*submission.ServerInfo, error) {
	return b.client.ServerInfo(ctx)
}

// Config returns the effective configuration.
func (b *Beacon) Config() Config { return b.config }

// Store returns the underlying store.
func (b *Beacon) Store() store.Store { return b.store }

// Queue returns the submission queue.
func (b *Beacon) Queue() *queue.Queue { return b.queue }

// Orchestrator returns the background submitter.
func (b *Beacon) Orchestrator() *submission.Orchestrator { return b.orch }

// Limiter returns the submission rate limiter.
func (b *Beacon) Limiter() *ratelimit.Limiter { return b.limiter }
