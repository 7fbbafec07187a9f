// Package sqlite implements store.Store on an embedded SQLite database via
// the Bun ORM. It is the default durable backend: events and queue
// entries survive process restarts, and deleting an event cascades to its
// queue entries through a foreign key.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/migrate"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/queue"
	beaconstore "github.com/xraph/beacon/store"
)

// compile-time interface check
var _ beaconstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Bun.
type Store struct {
	db *bun.DB
}

// New wraps an existing Bun database. Foreign keys must be enabled on
// every connection for cascading deletes to work; Open does this.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the SQLite database at path and returns
// a store over it. The schema is not migrated; call Migrate.
func Open(path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("beacon/sqlite: open %q: %w", path, err)
	}
	// One writer keeps SQLite's locking simple and makes every pragma in
	// the DSN apply to the only connection in use.
	sqldb.SetMaxOpenConns(1)

	return New(bun.NewDB(sqldb, sqlitedialect.New())), nil
}

// DSN builds a modernc.org/sqlite data source name for path with foreign
// keys, a busy timeout and write-ahead logging enabled.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// DB returns the underlying Bun database for direct access.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate applies every pending schema migration.
func (s *Store) Migrate(ctx context.Context) error {
	m := migrate.NewMigrator(s.db, Migrations,
		migrate.WithTableName("beacon_migrations"),
		migrate.WithLocksTableName("beacon_migration_locks"),
	)
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("%w: init: %w", beacon.ErrMigrationFailed, err)
	}
	if _, err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", beacon.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Event Store ====================

// SaveEvent inserts evt. Saving an ID that already exists keeps the
// original row.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) (id.ID, error) {
	now := time.Now()
	evt.Prepare(now)
	if err := evt.Validate(); err != nil {
		return id.Nil, err
	}

	m, err := toEventModel(evt, now)
	if err != nil {
		return id.Nil, fmt.Errorf("beacon/sqlite: %w", err)
	}
	if _, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx); err != nil {
		return id.Nil, fmt.Errorf("beacon/sqlite: save event: %w", err)
	}
	return evt.ID, nil
}

// GetEventsByIDs returns events in the order of ids, skipping unknown IDs.
func (s *Store) GetEventsByIDs(ctx context.Context, ids []id.ID) ([]*event.Event, error) {
	if len(ids) == 0 {
		return []*event.Event{}, nil
	}

	var models []eventModel
	if err := s.db.NewSelect().
		Model(&models).
		Where("id IN (?)", bun.In(id.Strings(ids))).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("beacon/sqlite: get events: %w", err)
	}

	byID := make(map[string]*eventModel, len(models))
	for i := range models {
		byID[models[i].ID] = &models[i]
	}

	out := make([]*event.Event, 0, len(models))
	for _, evtID := range ids {
		m, ok := byID[evtID.String()]
		if !ok {
			continue
		}
		evt, err := fromEventModel(m)
		if err != nil {
			return nil, fmt.Errorf("beacon/sqlite: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// DeleteEvents removes events; their queue entries go with them through
// ON DELETE CASCADE.
func (s *Store) DeleteEvents(ctx context.Context, ids []id.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.NewDelete().
		Model((*eventModel)(nil)).
		Where("id IN (?)", bun.In(id.Strings(ids))).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("beacon/sqlite: delete events: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Queue Store ====================

// EnqueueEntries inserts entries and evicts the oldest beyond maxSize, in
// one transaction.
func (s *Store) EnqueueEntries(ctx context.Context, entries []*queue.Entry, maxSize int) ([]*queue.Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	models := make([]*entryModel, len(entries))
	eventIDs := make([]id.ID, len(entries))
	for i, e := range entries {
		models[i] = toEntryModel(e)
		eventIDs[i] = e.EventID
	}
	eventIDs = id.Dedupe(eventIDs)

	var evicted []*queue.Entry
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := tx.NewSelect().
			Model((*eventModel)(nil)).
			Where("id IN (?)", bun.In(id.Strings(eventIDs))).
			Count(ctx)
		if err != nil {
			return err
		}
		if found != len(eventIDs) {
			return beacon.ErrEventNotFound
		}

		if _, err := tx.NewInsert().Model(&models).Exec(ctx); err != nil {
			return err
		}

		if maxSize <= 0 {
			return nil
		}
		total, err := tx.NewSelect().Model((*entryModel)(nil)).Count(ctx)
		if err != nil {
			return err
		}
		if total <= maxSize {
			return nil
		}

		var oldest []entryModel
		if err := tx.NewSelect().
			Model(&oldest).
			OrderExpr("queued_at ASC, rowid ASC").
			Limit(total - maxSize).
			Scan(ctx); err != nil {
			return err
		}
		ids := make([]string, len(oldest))
		for i := range oldest {
			ids[i] = oldest[i].ID
		}
		if _, err := tx.NewDelete().
			Model((*entryModel)(nil)).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx); err != nil {
			return err
		}

		evicted, err = fromEntryModels(oldest)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("beacon/sqlite: enqueue: %w", err)
	}
	return evicted, nil
}

// DequeueEntries returns up to limit eligible entries in queue order.
func (s *Store) DequeueEntries(ctx context.Context, limit int, now time.Time) ([]*queue.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var models []entryModel
	if err := s.db.NewSelect().
		Model(&models).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", toMillis(now)).
		OrderExpr("queued_at ASC, rowid ASC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("beacon/sqlite: dequeue: %w", err)
	}
	return fromEntryModels(models)
}

// RemoveEntries deletes entries by ID.
func (s *Store) RemoveEntries(ctx context.Context, ids []id.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*entryModel)(nil)).
			Where("id IN (?)", bun.In(id.Strings(ids))).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("beacon/sqlite: remove entries: %w", err)
	}
	return n, nil
}

// FailEntries increments retry counts and reschedules or drops entries in
// one transaction.
func (s *Store) FailEntries(ctx context.Context, ids []id.ID, lastError string, reschedule queue.RescheduleFunc) ([]*queue.Entry, error) {
	ids = id.Dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var dropped []*queue.Entry
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var models []entryModel
		if err := tx.NewSelect().
			Model(&models).
			Where("id IN (?)", bun.In(id.Strings(ids))).
			Scan(ctx); err != nil {
			return err
		}

		var drop []string
		for i := range models {
			m := &models[i]
			m.RetryCount++
			msg := lastError
			m.LastError = &msg

			next, keep := reschedule(m.RetryCount)
			if !keep {
				drop = append(drop, m.ID)
				e, err := fromEntryModel(m)
				if err != nil {
					return err
				}
				dropped = append(dropped, e)
				continue
			}

			nextMs := toMillis(next)
			m.NextRetryAt = &nextMs
			if _, err := tx.NewUpdate().
				Model((*entryModel)(nil)).
				Set("retry_count = ?", m.RetryCount).
				Set("next_retry_at = ?", nextMs).
				Set("last_error = ?", msg).
				Where("id = ?", m.ID).
				Exec(ctx); err != nil {
				return err
			}
		}

		if len(drop) == 0 {
			return nil
		}
		_, err := tx.NewDelete().
			Model((*entryModel)(nil)).
			Where("id IN (?)", bun.In(drop)).
			Exec(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("beacon/sqlite: mark failed: %w", err)
	}
	return dropped, nil
}

// QueueStats summarizes the queue in a single pass.
func (s *Store) QueueStats(ctx context.Context, now time.Time) (*queue.Stats, error) {
	var row statsRow
	if err := s.db.NewRaw(`
SELECT
    COUNT(*) AS total,
    COALESCE(SUM(CASE WHEN next_retry_at IS NULL THEN 1 ELSE 0 END), 0) AS pending,
    COALESCE(SUM(CASE WHEN next_retry_at > ? THEN 1 ELSE 0 END), 0) AS retrying,
    MIN(queued_at) AS oldest
FROM beacon_queue`, toMillis(now)).Scan(ctx, &row); err != nil {
		return nil, fmt.Errorf("beacon/sqlite: stats: %w", err)
	}

	st := &queue.Stats{
		Pending:  row.Pending,
		Retrying: row.Retrying,
		Total:    row.Total,
	}
	if row.Oldest != nil {
		t := fromMillis(*row.Oldest)
		st.OldestQueuedAt = &t
	}
	return st, nil
}

// PurgeEntries deletes entries queued before olderThan.
func (s *Store) PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*entryModel)(nil)).
		Where("queued_at < ?", toMillis(olderThan)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("beacon/sqlite: purge: %w", err)
	}
	return res.RowsAffected()
}

// ClearQueue deletes every entry.
func (s *Store) ClearQueue(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*entryModel)(nil)).
		Where("1 = 1").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("beacon/sqlite: clear: %w", err)
	}
	return res.RowsAffected()
}
