// Package store defines the composite Store interface for all beacon
// persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so one backend holds both events and queue entries and
// can cascade deletes between them.
package store

import (
	"context"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/queue"
)

// Store is the aggregate persistence interface.
type Store interface {
	event.Store
	queue.Store

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
