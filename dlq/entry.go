// Package dlq records queue entries that left the queue without being
// submitted. Entries are appended to a JSON-lines log as metadata only:
// event payloads stay in the event store and are never copied here.
package dlq

import (
	"time"

	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/queue"
)

// SchemaVersion is the version of the log line format. Bump it when Entry
// changes shape.
const SchemaVersion = "1"

// Entry is one dropped queue entry.
type Entry struct {
	SchemaVersion string `json:"schema_version"`

	// EntryID is the dropped queue entry.
	EntryID id.ID `json:"entry_id"`

	// EventID references the event that was never submitted.
	EventID id.ID `json:"event_id"`

	// Reason says why the entry was dropped.
	Reason queue.DropReason `json:"reason"`

	// RetryCount is the number of failed submissions before the drop.
	RetryCount int `json:"retry_count"`

	// LastError is the error from the final attempt, if any.
	LastError string `json:"last_error,omitempty"`

	QueuedAt  time.Time `json:"queued_at"`
	DroppedAt time.Time `json:"dropped_at"`
}

func newEntry(e *queue.Entry, reason queue.DropReason, at time.Time) *Entry {
	out := &Entry{
		SchemaVersion: SchemaVersion,
		EntryID:       e.ID,
		EventID:       e.EventID,
		Reason:        reason,
		RetryCount:    e.RetryCount,
		QueuedAt:      e.QueuedAt,
		DroppedAt:     at,
	}
	if e.LastError != nil {
		out.LastError = *e.LastError
	}
	return out
}
