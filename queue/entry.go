package queue

import (
	"time"

	"github.com/xraph/beacon/id"
)

// Entry is a pending submission of one event. The payload stays in the
// event store; an entry carries only scheduling state.
type Entry struct {
	// ID is the unique TypeID for this entry.
	ID id.ID `json:"id"`

	// EventID references the event to submit.
	EventID id.ID `json:"eventId"`

	// QueuedAt is when the entry was created. It orders the queue.
	QueuedAt time.Time `json:"queuedAt"`

	// RetryCount is the number of failed submissions so far.
	RetryCount int `json:"retryCount"`

	// NextRetryAt is when the entry becomes eligible again after a
	// failure. Nil means eligible immediately.
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`

	// LastError describes the most recent failure.
	LastError *string `json:"lastError,omitempty"`
}

// Eligible reports whether the entry may be dequeued at now.
func (e *Entry) Eligible(now time.Time) bool {
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		c.NextRetryAt = &t
	}
	if e.LastError != nil {
		s := *e.LastError
		c.LastError = &s
	}
	return &c
}

// Stats summarizes the queue.
type Stats struct {
	// Pending counts entries that have never failed.
	Pending int64 `json:"pending"`

	// Retrying counts entries waiting out a backoff delay.
	Retrying int64 `json:"retrying"`

	// Total counts every entry, including failed entries whose backoff
	// has already elapsed.
	Total int64 `json:"total"`

	// OldestQueuedAt is the QueuedAt of the oldest entry, nil when the
	// queue is empty.
	OldestQueuedAt *time.Time `json:"oldestQueuedAt,omitempty"`
}

// DropReason names why an entry left the queue without being submitted.
type DropReason string

// Drop reasons.
const (
	DropRetryExhausted DropReason = "retry_exhausted"
	DropEvicted        DropReason = "evicted"
	DropOrphaned       DropReason = "orphaned"
)

// RescheduleFunc decides the fate of an entry whose failure count has just
// become retryCount. It returns the next eligible time, or ok=false when
// the entry must be dropped.
type RescheduleFunc func(retryCount int) (next time.Time, ok bool)
