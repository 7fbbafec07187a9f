package event

import (
	"context"

	"github.com/xraph/beacon/id"
)

// Store defines the persistence contract for events awaiting submission.
type Store interface {
	// SaveEvent persists an event and returns its ID. The event must be
	// durable before SaveEvent returns.
	SaveEvent(ctx context.Context, evt *Event) (id.ID, error)

	// GetEventsByIDs returns the events for ids in the order given. IDs
	// with no stored event are skipped rather than reported as errors.
	GetEventsByIDs(ctx context.Context, ids []id.ID) ([]*Event, error)

	// DeleteEvents removes events and, by cascade, every queue entry that
	// references them. It returns the number of events removed.
	DeleteEvents(ctx context.Context, ids []id.ID) (int64, error)
}
