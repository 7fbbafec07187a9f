package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/queue"
)

// entryModel is the JSON representation stored in Redis.
type entryModel struct {
	ID          string  `json:"id"`
	EventID     string  `json:"event_id"`
	QueuedAt    int64   `json:"queued_at"`
	RetryCount  int     `json:"retry_count"`
	NextRetryAt *int64  `json:"next_retry_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
	Member      string  `json:"member"`
}

func toEntryModel(e *queue.Entry, seq int64) *entryModel {
	m := &entryModel{
		ID:         e.ID.String(),
		EventID:    e.EventID.String(),
		QueuedAt:   e.QueuedAt.UnixMilli(),
		RetryCount: e.RetryCount,
		LastError:  e.LastError,
		Member:     queueMember(seq, e.ID.String()),
	}
	if e.NextRetryAt != nil {
		ms := e.NextRetryAt.UnixMilli()
		m.NextRetryAt = &ms
	}
	return m
}

func fromEntryModel(m *entryModel) (*queue.Entry, error) {
	qid, err := id.ParseQueueEntryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse queue entry ID %q: %w", m.ID, err)
	}
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	e := &queue.Entry{
		ID:         qid,
		EventID:    evtID,
		QueuedAt:   time.UnixMilli(m.QueuedAt).UTC(),
		RetryCount: m.RetryCount,
		LastError:  m.LastError,
	}
	if m.NextRetryAt != nil {
		t := time.UnixMilli(*m.NextRetryAt).UTC()
		e.NextRetryAt = &t
	}
	return e, nil
}

func (m *entryModel) eligible(nowMs int64) bool {
	return m.NextRetryAt == nil || *m.NextRetryAt <= nowMs
}

// loadEntries fetches entries by ID. Missing entries yield nil.
func (s *Store) loadEntries(ctx context.Context, c goredis.Cmdable, ids []string) ([]*entryModel, error) {
	keys := make([]string, len(ids))
	for i, qid := range ids {
		keys[i] = entityKey(prefixEntry, qid)
	}
	return mgetJSON[entryModel](ctx, c, keys)
}

// writeEntry queues the commands that store m and its index memberships.
func writeEntry(ctx context.Context, pipe goredis.Pipeliner, m *entryModel) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("beacon/redis: marshal entry: %w", err)
	}
	pipe.Set(ctx, entityKey(prefixEntry, m.ID), raw, 0)
	pipe.ZAdd(ctx, zQueue, goredis.Z{Score: float64(m.QueuedAt), Member: m.Member})
	pipe.SAdd(ctx, eventEntriesKey(m.EventID), m.ID)
	if m.NextRetryAt != nil {
		pipe.ZAdd(ctx, zRetry, goredis.Z{Score: float64(*m.NextRetryAt), Member: m.ID})
	}
	return nil
}

// removeEntry queues the commands that delete m and its index memberships.
func removeEntry(ctx context.Context, pipe goredis.Pipeliner, m *entryModel) {
	pipe.Del(ctx, entityKey(prefixEntry, m.ID))
	pipe.ZRem(ctx, zQueue, m.Member)
	pipe.ZRem(ctx, zRetry, m.ID)
	pipe.SRem(ctx, eventEntriesKey(m.EventID), m.ID)
}

func toEntries(models []*entryModel) ([]*queue.Entry, error) {
	out := make([]*queue.Entry, 0, len(models))
	for _, m := range models {
		e, err := fromEntryModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// queueRank orders candidates the way zQueue does: by score, then member.
type queueRank struct {
	score  float64
	member string
	model  *entryModel // set for entries not yet written
}

// EnqueueEntries inserts entries and evicts the oldest beyond maxSize.
func (s *Store) EnqueueEntries(ctx context.Context, entries []*queue.Entry, maxSize int) ([]*queue.Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var evicted []*entryModel
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		evicted = nil

		eventIDs := make([]id.ID, len(entries))
		for i, e := range entries {
			eventIDs[i] = e.EventID
		}
		eventIDs = id.Dedupe(eventIDs)
		eventKeys := make([]string, len(eventIDs))
		for i, evtID := range eventIDs {
			eventKeys[i] = entityKey(prefixEvent, evtID.String())
		}
		found, err := tx.Exists(ctx, eventKeys...).Result()
		if err != nil {
			return err
		}
		if found != int64(len(eventKeys)) {
			return beacon.ErrEventNotFound
		}

		last, err := tx.IncrBy(ctx, keySeq, int64(len(entries))).Result()
		if err != nil {
			return err
		}
		first := last - int64(len(entries)) + 1
		models := make([]*entryModel, len(entries))
		for i, e := range entries {
			models[i] = toEntryModel(e, first+int64(i))
		}

		skip := make(map[string]bool)
		var stale []string
		if maxSize > 0 {
			card, err := tx.ZCard(ctx, zQueue).Result()
			if err != nil {
				return err
			}
			over := card + int64(len(models)) - int64(maxSize)
			if over > 0 {
				oldest, err := tx.ZRangeWithScores(ctx, zQueue, 0, over-1).Result()
				if err != nil {
					return err
				}
				ranks := make([]queueRank, 0, len(oldest)+len(models))
				for _, z := range oldest {
					member, _ := z.Member.(string)
					ranks = append(ranks, queueRank{score: z.Score, member: member})
				}
				for _, m := range models {
					ranks = append(ranks, queueRank{score: float64(m.QueuedAt), member: m.Member, model: m})
				}
				sort.SliceStable(ranks, func(i, j int) bool {
					if ranks[i].score != ranks[j].score {
						return ranks[i].score < ranks[j].score
					}
					return ranks[i].member < ranks[j].member
				})
				for _, r := range ranks[:over] {
					if r.model != nil {
						skip[r.model.ID] = true
					} else {
						stale = append(stale, memberEntryID(r.member))
					}
				}
				// Keep eviction order oldest first across both sources.
				staleModels, err := s.loadEntries(ctx, tx, stale)
				if err != nil {
					return err
				}
				byID := make(map[string]*entryModel, len(staleModels))
				for _, m := range staleModels {
					if m != nil {
						byID[m.ID] = m
					}
				}
				for _, r := range ranks[:over] {
					if r.model != nil {
						evicted = append(evicted, r.model)
					} else if m := byID[memberEntryID(r.member)]; m != nil {
						evicted = append(evicted, m)
					}
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, m := range evicted {
				if !skip[m.ID] {
					removeEntry(ctx, pipe, m)
				}
			}
			for _, m := range models {
				if skip[m.ID] {
					continue
				}
				if err := writeEntry(ctx, pipe, m); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("beacon/redis: enqueue: %w", err)
	}
	return toEntries(evicted)
}

// DequeueEntries returns up to limit eligible entries in queue order.
func (s *Store) DequeueEntries(ctx context.Context, limit int, now time.Time) ([]*queue.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()

	var picked []*entryModel
	for start := int64(0); len(picked) < limit; start += scanPage {
		members, err := s.rdb.ZRange(ctx, zQueue, start, start+scanPage-1).Result()
		if err != nil {
			return nil, fmt.Errorf("beacon/redis: dequeue: %w", err)
		}
		ids := make([]string, len(members))
		for i, member := range members {
			ids[i] = memberEntryID(member)
		}
		models, err := s.loadEntries(ctx, s.rdb, ids)
		if err != nil {
			return nil, fmt.Errorf("beacon/redis: dequeue: %w", err)
		}
		for _, m := range models {
			if m == nil || !m.eligible(nowMs) {
				continue
			}
			picked = append(picked, m)
			if len(picked) == limit {
				break
			}
		}
		if len(members) < scanPage {
			break
		}
	}
	return toEntries(picked)
}

// removeByIDs deletes the entries that exist among ids inside a
// transaction and returns how many were removed.
func (s *Store) removeByIDs(ctx context.Context, ids func(tx *goredis.Tx) ([]string, error)) (int64, error) {
	var n int64
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		n = 0
		targets, err := ids(tx)
		if err != nil {
			return err
		}
		models, err := s.loadEntries(ctx, tx, targets)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, m := range models {
				if m == nil {
					continue
				}
				removeEntry(ctx, pipe, m)
				n++
			}
			return nil
		})
		return err
	})
	return n, err
}

// RemoveEntries deletes entries by ID.
func (s *Store) RemoveEntries(ctx context.Context, ids []id.ID) (int64, error) {
	ids = id.Dedupe(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.removeByIDs(ctx, func(*goredis.Tx) ([]string, error) {
		return id.Strings(ids), nil
	})
	if err != nil {
		return 0, fmt.Errorf("beacon/redis: remove entries: %w", err)
	}
	return n, nil
}

// FailEntries increments retry counts and reschedules or drops entries.
func (s *Store) FailEntries(ctx context.Context, ids []id.ID, lastError string, reschedule queue.RescheduleFunc) ([]*queue.Entry, error) {
	ids = id.Dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var dropped []*entryModel
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		dropped = nil
		models, err := s.loadEntries(ctx, tx, id.Strings(ids))
		if err != nil {
			return err
		}

		var keep []*entryModel
		for _, m := range models {
			if m == nil {
				continue
			}
			m.RetryCount++
			msg := lastError
			m.LastError = &msg

			next, ok := reschedule(m.RetryCount)
			if !ok {
				dropped = append(dropped, m)
				continue
			}
			ms := next.UnixMilli()
			m.NextRetryAt = &ms
			keep = append(keep, m)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, m := range dropped {
				removeEntry(ctx, pipe, m)
			}
			for _, m := range keep {
				if err := writeEntry(ctx, pipe, m); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("beacon/redis: mark failed: %w", err)
	}
	return toEntries(dropped)
}

// QueueStats summarizes the queue from its sorted set indexes.
func (s *Store) QueueStats(ctx context.Context, now time.Time) (*queue.Stats, error) {
	pipe := s.rdb.Pipeline()
	total := pipe.ZCard(ctx, zQueue)
	failed := pipe.ZCard(ctx, zRetry)
	waiting := pipe.ZCount(ctx, zRetry, "("+msScore(now.UnixMilli()), "+inf")
	oldest := pipe.ZRangeWithScores(ctx, zQueue, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !isRedisNil(err) {
		return nil, fmt.Errorf("beacon/redis: stats: %w", err)
	}

	st := &queue.Stats{
		Total:    total.Val(),
		Pending:  total.Val() - failed.Val(),
		Retrying: waiting.Val(),
	}
	if zs := oldest.Val(); len(zs) > 0 {
		t := time.UnixMilli(int64(zs[0].Score)).UTC()
		st.OldestQueuedAt = &t
	}
	return st, nil
}

// PurgeEntries deletes entries queued before olderThan.
func (s *Store) PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := s.removeByIDs(ctx, func(tx *goredis.Tx) ([]string, error) {
		members, err := tx.ZRangeByScore(ctx, zQueue, &goredis.ZRangeBy{
			Min: "-inf",
			Max: "(" + msScore(olderThan.UnixMilli()),
		}).Result()
		if err != nil {
			return nil, err
		}
		out := make([]string, len(members))
		for i, member := range members {
			out[i] = memberEntryID(member)
		}
		return out, nil
	})
	if err != nil {
		return 0, fmt.Errorf("beacon/redis: purge: %w", err)
	}
	return n, nil
}

// ClearQueue deletes every entry.
func (s *Store) ClearQueue(ctx context.Context) (int64, error) {
	n, err := s.removeByIDs(ctx, func(tx *goredis.Tx) ([]string, error) {
		members, err := tx.ZRange(ctx, zQueue, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		out := make([]string, len(members))
		for i, member := range members {
			out[i] = memberEntryID(member)
		}
		return out, nil
	})
	if err != nil {
		return 0, fmt.Errorf("beacon/redis: clear: %w", err)
	}
	return n, nil
}
