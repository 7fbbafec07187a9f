package sqlite

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations is the ordered schema history for the SQLite store. Names
// sort lexically; append new migrations with a later version prefix.
var Migrations = migrate.NewMigrations()

func init() {
	Migrations.Add(migrate.Migration{
		Name:    "20260101000001",
		Comment: "create_beacon_events",
		Up: func(ctx context.Context, db *bun.DB, _ any) error {
			_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS beacon_events (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL DEFAULT '',
    event_type  TEXT NOT NULL,
    event_data  TEXT NOT NULL DEFAULT '{}',
    occurred_at INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_beacon_events_occurred ON beacon_events (occurred_at);
`)
			return err
		},
		Down: func(ctx context.Context, db *bun.DB, _ any) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS beacon_events`)
			return err
		},
	})

	Migrations.Add(migrate.Migration{
		Name:    "20260101000002",
		Comment: "create_beacon_queue",
		Up: func(ctx context.Context, db *bun.DB, _ any) error {
			_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS beacon_queue (
    id            TEXT PRIMARY KEY,
    event_id      TEXT NOT NULL REFERENCES beacon_events (id) ON DELETE CASCADE,
    queued_at     INTEGER NOT NULL,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER,
    last_error    TEXT
);

CREATE INDEX IF NOT EXISTS idx_beacon_queue_order ON beacon_queue (queued_at);
CREATE INDEX IF NOT EXISTS idx_beacon_queue_next_retry ON beacon_queue (next_retry_at);
CREATE INDEX IF NOT EXISTS idx_beacon_queue_event ON beacon_queue (event_id);
`)
			return err
		},
		Down: func(ctx context.Context, db *bun.DB, _ any) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS beacon_queue`)
			return err
		},
	})
}
