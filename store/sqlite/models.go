package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/queue"
)

// Times are stored as Unix milliseconds so that ordering and range
// comparisons happen on integers.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// --- Event models ---

type eventModel struct {
	bun.BaseModel `bun:"table:beacon_events,alias:e"`

	ID         string `bun:"id,pk"`
	SessionID  string `bun:"session_id"`
	EventType  string `bun:"event_type"`
	EventData  string `bun:"event_data"`
	OccurredAt int64  `bun:"occurred_at"`
	CreatedAt  int64  `bun:"created_at"`
}

func toEventModel(evt *event.Event, now time.Time) (*eventModel, error) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &eventModel{
		ID:         evt.ID.String(),
		SessionID:  evt.SessionID,
		EventType:  evt.Type,
		EventData:  string(data),
		OccurredAt: toMillis(evt.Timestamp),
		CreatedAt:  toMillis(now),
	}, nil
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}

	var data map[string]any
	if m.EventData != "" {
		if err := json.Unmarshal([]byte(m.EventData), &data); err != nil {
			return nil, fmt.Errorf("unmarshal event data %q: %w", m.ID, err)
		}
	}

	return &event.Event{
		ID:        evtID,
		SessionID: m.SessionID,
		Type:      m.EventType,
		Data:      data,
		Timestamp: fromMillis(m.OccurredAt),
	}, nil
}

// --- Queue models ---

type entryModel struct {
	bun.BaseModel `bun:"table:beacon_queue,alias:q"`

	ID          string  `bun:"id,pk"`
	EventID     string  `bun:"event_id"`
	QueuedAt    int64   `bun:"queued_at"`
	RetryCount  int     `bun:"retry_count"`
	NextRetryAt *int64  `bun:"next_retry_at"`
	LastError   *string `bun:"last_error"`
}

func toEntryModel(e *queue.Entry) *entryModel {
	m := &entryModel{
		ID:         e.ID.String(),
		EventID:    e.EventID.String(),
		QueuedAt:   toMillis(e.QueuedAt),
		RetryCount: e.RetryCount,
		LastError:  e.LastError,
	}
	if e.NextRetryAt != nil {
		ms := toMillis(*e.NextRetryAt)
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
		QueuedAt:   fromMillis(m.QueuedAt),
		RetryCount: m.RetryCount,
		LastError:  m.LastError,
	}
	if m.NextRetryAt != nil {
		t := fromMillis(*m.NextRetryAt)
		e.NextRetryAt = &t
	}
	return e, nil
}

func fromEntryModels(models []entryModel) ([]*queue.Entry, error) {
	out := make([]*queue.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// statsRow is the result of the single-pass stats query.
type statsRow struct {
	Total    int64  `bun:"total"`
	Pending  int64  `bun:"pending"`
	Retrying int64  `bun:"retrying"`
	Oldest   *int64 `bun:"oldest"`
}
