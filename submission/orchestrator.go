package submission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/internal/clock"
	"github.com/xraph/beacon/observability"
	"github.com/xraph/beacon/queue"
	"github.com/xraph/beacon/ratelimit"
)

// Orchestrator defaults.
const (
	DefaultInterval        = 30 * time.Second
	DefaultBatchSize       = 10
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// Skip reasons reported to metrics.
const (
	skipDisabled    = "disabled"
	skipOverlap     = "overlap"
	skipRateLimited = "rate_limited"
	skipEmpty       = "empty"
)

// Submitter sends a batch of events to the collector. *Client implements
// it.
type Submitter interface {
	SubmitBatch(ctx context.Context, events []*event.Event) *Result
	Endpoint() string
}

// EventLoader loads full events for queued IDs.
type EventLoader interface {
	GetEventsByIDs(ctx context.Context, ids []id.ID) ([]*event.Event, error)
}

// Orchestrator drains the queue into the collector on a timer, one
// rate-limited batch per cycle.
type Orchestrator struct {
	queue   *queue.Queue
	client  Submitter
	limiter *ratelimit.Limiter
	events  EventLoader

	batchSize       int
	retention       time.Duration
	cleanupInterval time.Duration
	clock           clock.Clock
	logger          *slog.Logger
	metrics         *observability.Metrics
	tracer          *observability.Tracer

	enabled atomic.Bool
	cycle   sync.Mutex // held for the duration of a submission cycle

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	statusMu    sync.Mutex
	lastAttempt *time.Time
	lastSuccess *time.Time
	lastCleanup time.Time
	lastError   string
	successes   int64
	failures    int64
	submitted   int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBatchSize sets the maximum number of events per submission.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) { o.batchSize = n }
}

// WithRetention sets how long an entry may wait before the periodic
// cleanup purges it. Zero disables cleanup.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// WithCleanupInterval sets the minimum time between retention cleanups.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupInterval = d }
}

// WithEnabled sets whether remote submission starts enabled.
func WithEnabled(enabled bool) Option {
	return func(o *Orchestrator) { o.enabled.Store(enabled) }
}

// WithClock sets the time source for status and cleanup bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer used for submission spans.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator wires the pipeline. Any dependency may be nil, in which
// case every cycle is skipped until a complete pipeline is built.
func NewOrchestrator(q *queue.Queue, client Submitter, limiter *ratelimit.Limiter, events EventLoader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:           q,
		client:          client,
		limiter:         limiter,
		events:          events,
		batchSize:       DefaultBatchSize,
		retention:       DefaultRetention,
		cleanupInterval: DefaultCleanupInterval,
		clock:           clock.Real(),
		logger:          slog.Default(),
	}
	o.enabled.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Start runs SubmitQueuedEvents every interval until Stop is called or
// ctx ends. A non-positive interval means DefaultInterval. Calling Start
// on a running orchestrator does nothing.
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.cancel != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop(ctx, interval)
	}()
	o.logger.InfoContext(ctx, "submission loop started", "interval", interval, "batch_size", o.batchSize)
}

// Stop cancels the loop and waits for an in-flight cycle to finish, or
// for ctx to end. Queued entries are never touched.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.lifecycle.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.lifecycle.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.InfoContext(ctx, "submission loop stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submission: stop: %w", ctx.Err())
	}
}

// Running reports whether the background loop is active.
func (o *Orchestrator) Running() bool {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.cancel != nil
}

// SetEnabled turns remote submission on or off. While disabled, cycles
// are skipped and the queue keeps growing.
func (o *Orchestrator) SetEnabled(enabled bool) {
	if o.enabled.Swap(enabled) != enabled {
		o.logger.Info("remote submission toggled", "enabled", enabled)
	}
}

// Enabled reports whether remote submission is on.
func (o *Orchestrator) Enabled() bool { return o.enabled.Load() }

// BatchSize returns the effective batch size: the configured size,
// capped at the limiter's burst so a full bucket can always cover it.
func (o *Orchestrator) BatchSize() int {
	if o.limiter != nil && !o.limiter.Unlimited() && o.batchSize > o.limiter.Burst() {
		return o.limiter.Burst()
	}
	return o.batchSize
}

func (o *Orchestrator) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick runs one background cycle. Nothing escapes it: errors are logged
// and panics recovered so the loop keeps running.
func (o *Orchestrator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "submission cycle panicked", "panic", r)
			o.recordError(fmt.Sprintf("panic: %v", r))
		}
	}()

	if _, err := o.SubmitQueuedEvents(ctx); err != nil && ctx.Err() == nil {
		o.logger.ErrorContext(ctx, "submission cycle failed", "error", err)
	}
	o.maybeCleanup(ctx)
}

// SubmitQueuedEvents runs one cycle unless another is in progress. A nil
// Result means the cycle was skipped: submission disabled, rate limited,
// nothing eligible, or a concurrent cycle already running.
func (o *Orchestrator) SubmitQueuedEvents(ctx context.Context) (*Result, error) {
	if !o.cycle.TryLock() {
		o.metrics.RecordSkip(skipOverlap)
		return nil, nil
	}
	defer o.cycle.Unlock()
	return o.runCycle(ctx)
}

// ForceSubmission runs one cycle now, waiting for a running cycle to
// finish first. It is still subject to the rate limiter. If ctx ends while
// the batch is in flight, the entries are left untouched and ctx.Err() is
// returned.
func (o *Orchestrator) ForceSubmission(ctx context.Context) (*Result, error) {
	o.cycle.Lock()
	defer o.cycle.Unlock()
	return o.runCycle(ctx)
}

func (o *Orchestrator) runCycle(ctx context.Context) (*Result, error) {
	if !o.enabled.Load() || o.queue == nil || o.client == nil || o.limiter == nil || o.events == nil {
		o.metrics.RecordSkip(skipDisabled)
		return nil, nil
	}

	batch := o.BatchSize()
	if !o.limiter.CanSubmit(batch) {
		o.metrics.RecordSkip(skipRateLimited)
		o.logger.DebugContext(ctx, "rate limited, skipping cycle", "wait", o.limiter.WaitTime())
		return nil, nil
	}

	entries, err := o.queue.Dequeue(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		o.metrics.RecordSkip(skipEmpty)
		return nil, nil
	}

	events, sent, err := o.load(ctx, entries)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	if !o.limiter.Consume(len(events)) {
		o.metrics.RecordSkip(skipRateLimited)
		return nil, nil
	}

	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.StartSubmissionSpan(ctx, o.client.Endpoint(), len(events))
	}

	now := o.clock.Now()
	res := o.client.SubmitBatch(ctx, events)
	if !res.Success && ctx.Err() != nil {
		// Cancelled mid-request: the collector may or may not have the
		// batch. The entries stay as they were and go out again next cycle.
		if span != nil {
			o.tracer.EndSubmissionSpan(span, 0, 0, res.Latency.Milliseconds(), ctx.Err().Error())
		}
		o.logger.InfoContext(ctx, "batch abandoned, submission cancelled", "events", len(events))
		return nil, ctx.Err()
	}
	o.metrics.RecordSubmission(res.Success, res.Accepted, res.Rejected, res.Latency)

	var markErr error
	if res.Success {
		markErr = o.queue.MarkSubmitted(ctx, sent)
		o.recordSuccess(now, res)
		o.logger.DebugContext(ctx, "batch submitted",
			"events", len(events), "accepted", res.Accepted, "rejected", res.Rejected,
			"latency_ms", res.Latency.Milliseconds())
	} else {
		detail := res.ErrorDetail()
		markErr = o.queue.MarkFailed(ctx, sent, detail)
		o.recordFailure(now, detail)
		o.logger.WarnContext(ctx, "batch submission failed",
			"events", len(events), "status", res.StatusCode, "error", detail)
	}

	if span != nil {
		errMsg := ""
		if !res.Success {
			errMsg = res.ErrorDetail()
		}
		o.tracer.EndSubmissionSpan(span, res.Accepted, res.Rejected, res.Latency.Milliseconds(), errMsg)
	}

	if markErr != nil {
		return res, markErr
	}
	return res, nil
}

// load fetches the events behind entries. Entries whose event is gone are
// removed as orphans. It returns the distinct events to send and the IDs
// of every entry they cover.
func (o *Orchestrator) load(ctx context.Context, entries []*queue.Entry) ([]*event.Event, []id.ID, error) {
	eventIDs := make([]id.ID, len(entries))
	for i, e := range entries {
		eventIDs[i] = e.EventID
	}

	loaded, err := o.events.GetEventsByIDs(ctx, id.Dedupe(eventIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("submission: load events: %w", err)
	}
	byID := make(map[string]*event.Event, len(loaded))
	for _, evt := range loaded {
		byID[evt.ID.String()] = evt
	}

	var (
		events  []*event.Event
		sent    []id.ID
		orphans []*queue.Entry
		seen    = make(map[string]bool, len(loaded))
	)
	for _, e := range entries {
		key := e.EventID.String()
		evt, ok := byID[key]
		if !ok {
			orphans = append(orphans, e)
			continue
		}
		sent = append(sent, e.ID)
		if !seen[key] {
			seen[key] = true
			events = append(events, evt)
		}
	}

	if len(orphans) > 0 {
		if err := o.queue.RemoveOrphans(ctx, orphans); err != nil {
			o.logger.ErrorContext(ctx, "remove orphaned entries failed", "count", len(orphans), "error", err)
		}
	}
	return events, sent, nil
}

// maybeCleanup purges entries older than the retention window, at most
// once per cleanup interval.
func (o *Orchestrator) maybeCleanup(ctx context.Context) {
	if o.queue == nil || o.retention <= 0 {
		return
	}
	now := o.clock.Now()

	o.statusMu.Lock()
	due := now.Sub(o.lastCleanup) >= o.cleanupInterval
	if due {
		o.lastCleanup = now
	}
	o.statusMu.Unlock()
	if !due {
		return
	}

	if _, err := o.queue.Cleanup(ctx, now.Add(-o.retention)); err != nil {
		o.logger.ErrorContext(ctx, "retention cleanup failed", "error", err)
	}
}

// Enqueue adds events to the submission queue.
func (o *Orchestrator) Enqueue(ctx context.Context, eventIDs []id.ID) error {
	if o.queue == nil {
		return queue.ErrNoStore
	}
	return o.queue.Enqueue(ctx, eventIDs)
}

// QueueStats summarizes the submission queue.
func (o *Orchestrator) QueueStats(ctx context.Context) (*queue.Stats, error) {
	if o.queue == nil {
		return nil, queue.ErrNoStore
	}
	return o.queue.Stats(ctx)
}

// ClearQueue deletes every queued entry.
func (o *Orchestrator) ClearQueue(ctx context.Context) (int64, error) {
	if o.queue == nil {
		return 0, queue.ErrNoStore
	}
	return o.queue.Clear(ctx)
}

// Cleanup deletes entries queued before olderThan.
func (o *Orchestrator) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	if o.queue == nil {
		return 0, queue.ErrNoStore
	}
	return o.queue.Cleanup(ctx, olderThan)
}
