package event

import (
	"errors"
	"strings"
	"time"

	"github.com/xraph/beacon/id"
)

// Event is an anonymized analytics record awaiting submission. Events are
// immutable once saved; the queue references them by ID only.
type Event struct {
	// ID is assigned by the event store on save. The collector may use it
	// to deduplicate redelivered batches.
	ID id.ID `json:"id"`

	// SessionID groups events emitted by one application session.
	SessionID string `json:"sessionId"`

	// Type is the event kind, for example "app.launched".
	Type string `json:"eventType"`

	// Data is the already-sanitized payload.
	Data map[string]any `json:"eventData"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// ErrInvalidEvent is returned when an event is missing required fields.
var ErrInvalidEvent = errors.New("event: invalid event")

// Validate checks the fields an event store requires before saving.
func (e *Event) Validate() error {
	if e == nil {
		return ErrInvalidEvent
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.Join(ErrInvalidEvent, errors.New("event: type is required"))
	}
	if e.Timestamp.IsZero() {
		return errors.Join(ErrInvalidEvent, errors.New("event: timestamp is required"))
	}
	return nil
}

// Prepare assigns an ID when the event has none and normalizes the
// timestamp to UTC millisecond precision, the resolution every backend
// stores.
func (e *Event) Prepare(now time.Time) {
	if e.ID.IsNil() {
		e.ID = id.NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	if e.Data == nil {
		e.Data = map[string]any{}
	}
}
