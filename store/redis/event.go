package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
)

// eventModel is the JSON representation stored in Redis.
type eventModel struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Type       string         `json:"event_type"`
	Data       map[string]any `json:"event_data"`
	OccurredAt int64          `json:"occurred_at"`
	CreatedAt  int64          `json:"created_at"`
}

func toEventModel(evt *event.Event, now time.Time) *eventModel {
	return &eventModel{
		ID:         evt.ID.String(),
		SessionID:  evt.SessionID,
		Type:       evt.Type,
		Data:       evt.Data,
		OccurredAt: evt.Timestamp.UnixMilli(),
		CreatedAt:  now.UnixMilli(),
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}
	return &event.Event{
		ID:        evtID,
		SessionID: m.SessionID,
		Type:      m.Type,
		Data:      m.Data,
		Timestamp: time.UnixMilli(m.OccurredAt).UTC(),
	}, nil
}

// SaveEvent stores evt unless an event with the same ID already exists.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) (id.ID, error) {
	now := time.Now()
	evt.Prepare(now)
	if err := evt.Validate(); err != nil {
		return id.Nil, err
	}

	raw, err := json.Marshal(toEventModel(evt, now))
	if err != nil {
		return id.Nil, fmt.Errorf("beacon/redis: marshal event: %w", err)
	}
	if err := s.rdb.SetNX(ctx, entityKey(prefixEvent, evt.ID.String()), raw, 0).Err(); err != nil {
		return id.Nil, fmt.Errorf("beacon/redis: save event: %w", err)
	}
	return evt.ID, nil
}

// GetEventsByIDs returns events in the order of ids, skipping unknown IDs.
func (s *Store) GetEventsByIDs(ctx context.Context, ids []id.ID) ([]*event.Event, error) {
	keys := make([]string, len(ids))
	for i, evtID := range ids {
		keys[i] = entityKey(prefixEvent, evtID.String())
	}

	models, err := mgetJSON[eventModel](ctx, s.rdb, keys)
	if err != nil {
		return nil, fmt.Errorf("beacon/redis: get events: %w", err)
	}

	out := make([]*event.Event, 0, len(models))
	for _, m := range models {
		if m == nil {
			continue
		}
		evt, err := fromEventModel(m)
		if err != nil {
			return nil, fmt.Errorf("beacon/redis: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// DeleteEvents removes events together with every queue entry that
// references them.
func (s *Store) DeleteEvents(ctx context.Context, ids []id.ID) (int64, error) {
	ids = id.Dedupe(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		deleted = 0
		var found []string
		var entryIDs []string
		for _, evtID := range ids {
			key := entityKey(prefixEvent, evtID.String())
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			found = append(found, evtID.String())
			members, err := tx.SMembers(ctx, eventEntriesKey(evtID.String())).Result()
			if err != nil {
				return err
			}
			entryIDs = append(entryIDs, members...)
		}

		entries, err := s.loadEntries(ctx, tx, entryIDs)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, m := range entries {
				if m != nil {
					removeEntry(ctx, pipe, m)
				}
			}
			for _, evtID := range found {
				pipe.Del(ctx, entityKey(prefixEvent, evtID), eventEntriesKey(evtID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		deleted = int64(len(found))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("beacon/redis: delete events: %w", err)
	}
	return deleted, nil
}
