package beacon

import "errors"

// Sentinel errors returned by Beacon operations.
var (
	// ErrNoStore is returned when a Beacon is created without a store.
	ErrNoStore = errors.New("beacon: store is required")

	// ErrNoEndpoint is returned when a Beacon is created without a
	// collector endpoint.
	ErrNoEndpoint = errors.New("beacon: endpoint is required")

	// ErrEventNotFound is returned when a queue entry would reference an
	// event that does not exist.
	ErrEventNotFound = errors.New("beacon: event not found")

	// ErrStoreClosed is returned when a store operation is attempted after
	// the store is closed.
	ErrStoreClosed = errors.New("beacon: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("beacon: migration failed")
)
