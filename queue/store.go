package queue

import (
	"context"
	"time"

	"github.com/xraph/beacon/id"
)

// Store defines the persistence contract for queue entries. Every mutating
// method is atomic: it either applies to all given entries or to none.
type Store interface {
	// EnqueueEntries inserts entries. Every entry's event must exist. When
	// maxSize is positive and the queue would exceed it, the oldest entries
	// are removed in the same transaction and returned.
	EnqueueEntries(ctx context.Context, entries []*Entry, maxSize int) (evicted []*Entry, err error)

	// DequeueEntries returns up to limit entries eligible at now, in
	// ascending QueuedAt order with ties broken by insertion order. It does
	// not remove or lock them.
	DequeueEntries(ctx context.Context, limit int, now time.Time) ([]*Entry, error)

	// RemoveEntries deletes entries by ID. Unknown IDs are ignored.
	RemoveEntries(ctx context.Context, ids []id.ID) (int64, error)

	// FailEntries records a failure against each existing entry: the retry
	// count is incremented and reschedule decides whether the entry is
	// kept with a new NextRetryAt and lastError, or deleted. Deleted
	// entries are returned.
	FailEntries(ctx context.Context, ids []id.ID, lastError string, reschedule RescheduleFunc) (dropped []*Entry, err error)

	// QueueStats summarizes the queue as of now.
	QueueStats(ctx context.Context, now time.Time) (*Stats, error)

	// PurgeEntries deletes entries queued before olderThan.
	PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error)

	// ClearQueue deletes every entry.
	ClearQueue(ctx context.Context) (int64, error)
}
