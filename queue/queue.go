// Package queue implements the persistent submission queue: an ordered
// list of pending event IDs with per-entry retry state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/internal/clock"
	"github.com/xraph/beacon/observability"
	"github.com/xraph/beacon/retry"
)

// DefaultMaxSize bounds the queue when no explicit size is configured.
const DefaultMaxSize = 10_000

// ErrNoStore is returned when a queue is built without a backing store.
var ErrNoStore = errors.New("queue: store is required")

// DropHandler is told about entries that left the queue without a
// successful submission.
type DropHandler interface {
	OnDrop(ctx context.Context, reason DropReason, entries []*Entry)
}

// DropHandlerFunc adapts a function to DropHandler.
type DropHandlerFunc func(ctx context.Context, reason DropReason, entries []*Entry)

// OnDrop calls f.
func (f DropHandlerFunc) OnDrop(ctx context.Context, reason DropReason, entries []*Entry) {
	f(ctx, reason, entries)
}

// Queue is the submission queue service. It assigns entry IDs and
// timestamps, applies the retry policy on failure, and reports drops.
type Queue struct {
	store   Store
	retry   *retry.Manager
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	maxSize int
	onDrop  DropHandler
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source for QueuedAt and eligibility checks.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithMaxSize bounds the number of entries. Zero means unbounded.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// WithDropHandler registers a handler for dropped entries.
func WithDropHandler(h DropHandler) Option {
	return func(q *Queue) { q.onDrop = h }
}

// New creates a queue over store. A nil retry manager uses the defaults.
func New(store Store, rm *retry.Manager, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	q := &Queue{
		store:   store,
		retry:   rm,
		clock:   clock.Real(),
		logger:  slog.Default(),
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.retry == nil {
		q.retry = retry.New(retry.WithClock(q.clock))
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.maxSize < 0 {
		q.maxSize = 0
	}
	return q, nil
}

// Retry returns the retry policy applied by MarkFailed.
func (q *Queue) Retry() *retry.Manager { return q.retry }

// Enqueue adds one entry per event ID in a single transaction. Entries
// start with no failures and are eligible immediately.
func (q *Queue) Enqueue(ctx context.Context, eventIDs []id.ID) error {
	if len(eventIDs) == 0 {
		return nil
	}

	now := q.now()
	entries := make([]*Entry, len(eventIDs))
	for i, evtID := range eventIDs {
		entries[i] = &Entry{
			ID:       id.NewQueueEntryID(),
			EventID:  evtID,
			QueuedAt: now,
		}
	}

	evicted, err := q.store.EnqueueEntries(ctx, entries, q.maxSize)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	q.metrics.RecordEnqueued(len(entries))

	if len(evicted) > 0 {
		q.logger.WarnContext(ctx, "queue full, evicted oldest entries",
			"evicted", len(evicted), "max_size", q.maxSize)
		q.drop(ctx, DropEvicted, evicted)
	}
	return nil
}

// Dequeue returns up to batchSize eligible entries, oldest first. The
// entries stay in the queue until marked submitted or failed.
func (q *Queue) Dequeue(ctx context.Context, batchSize int) ([]*Entry, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	entries, err := q.store.DequeueEntries(ctx, batchSize, q.now())
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	return entries, nil
}

// MarkSubmitted removes successfully submitted entries. Marking an entry
// that is already gone is not an error.
func (q *Queue) MarkSubmitted(ctx context.Context, queueIDs []id.ID) error {
	if len(queueIDs) == 0 {
		return nil
	}
	if _, err := q.store.RemoveEntries(ctx, queueIDs); err != nil {
		return fmt.Errorf("queue: mark submitted: %w", err)
	}
	return nil
}

// MarkFailed records a failed submission for each entry. Entries that
// still have retry budget are rescheduled with exponential backoff; the
// rest are dropped permanently.
func (q *Queue) MarkFailed(ctx context.Context, queueIDs []id.ID, errMsg string) error {
	if len(queueIDs) == 0 {
		return nil
	}

	dropped, err := q.store.FailEntries(ctx, queueIDs, errMsg, q.reschedule)
	if err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}

	for _, e := range dropped {
		q.logger.WarnContext(ctx, "dropping entry after exhausting retries",
			"entry_id", e.ID,
			"event_id", e.EventID,
			"retry_count", e.RetryCount,
			"error", errMsg,
		)
	}
	q.drop(ctx, DropRetryExhausted, dropped)
	return nil
}

// RemoveOrphans deletes entries whose events no longer exist.
func (q *Queue) RemoveOrphans(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]id.ID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := q.store.RemoveEntries(ctx, ids); err != nil {
		return fmt.Errorf("queue: remove orphans: %w", err)
	}
	q.logger.WarnContext(ctx, "removed entries whose events are missing", "count", len(entries))
	q.drop(ctx, DropOrphaned, entries)
	return nil
}

// Stats summarizes the queue.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	st, err := q.store.QueueStats(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	q.metrics.SetQueueDepth(st.Pending, st.Retrying, st.Total)
	return st, nil
}

// Cleanup deletes entries queued before olderThan and returns how many
// were removed.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := q.store.PurgeEntries(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup: %w", err)
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "purged stale queue entries", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Clear deletes every entry and returns how many were removed.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	n, err := q.store.ClearQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: clear: %w", err)
	}
	return n, nil
}

// reschedule applies the retry policy to an entry that has now failed
// retryCount times.
func (q *Queue) reschedule(retryCount int) (time.Time, bool) {
	if !q.retry.ShouldRetry(retryCount) {
		return time.Time{}, false
	}
	return q.now().Add(q.retry.NextRetryDelay(retryCount)), true
}

func (q *Queue) drop(ctx context.Context, reason DropReason, entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	q.metrics.RecordDrop(string(reason), len(entries))
	if q.onDrop != nil {
		q.onDrop.OnDrop(ctx, reason, entries)
	}
}

// now returns the current time at the millisecond resolution every backend
// stores, so that an entry read back compares equal to the one written.
func (q *Queue) now() time.Time {
	return q.clock.Now().UTC().Truncate(time.Millisecond)
}
