// Package storetest is a conformance suite that every store.Store backend
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/queue"
	"github.com/xraph/beacon/store"
)

// Factory returns a fresh, migrated, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// base is a fixed reference time at millisecond precision.
var base = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"SaveAndLoadEvents", testSaveAndLoadEvents},
		{"SaveAssignsID", testSaveAssignsID},
		{"SaveRejectsInvalid", testSaveRejectsInvalid},
		{"DequeueFIFO", testDequeueFIFO},
		{"DequeueTieBreaksByInsertion", testDequeueTieBreaks},
		{"DequeueSkipsFutureRetries", testDequeueSkipsFutureRetries},
		{"EnqueueUnknownEventIsAtomic", testEnqueueUnknownEvent},
		{"EnqueueEvictsOldest", testEnqueueEvictsOldest},
		{"RemoveEntriesIdempotent", testRemoveEntriesIdempotent},
		{"FailEntriesReschedules", testFailEntriesReschedules},
		{"FailEntriesDrops", testFailEntriesDrops},
		{"FailEntriesIgnoresUnknown", testFailEntriesIgnoresUnknown},
		{"QueueStats", testQueueStats},
		{"PurgeEntries", testPurgeEntries},
		{"ClearQueue", testClearQueue},
		{"DeleteEventsCascades", testDeleteEventsCascades},
		{"Lifecycle", testLifecycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer func() { _ = s.Close() }()
			tt.fn(t, s)
		})
	}
}

func ctx() context.Context { return context.Background() }

func newEvent(typ string, at time.Time) *event.Event {
	return &event.Event{
		SessionID: "sess-1",
		Type:      typ,
		Data:      map[string]any{"screen": "home", "count": 3, "flags": []any{"a", "b"}},
		Timestamp: at,
	}
}

func saveEvents(t *testing.T, s store.Store, n int) []id.ID {
	t.Helper()
	ids := make([]id.ID, n)
	for i := range ids {
		evtID, err := s.SaveEvent(ctx(), newEvent("app.action", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		ids[i] = evtID
	}
	return ids
}

func newEntry(evtID id.ID, queuedAt time.Time) *queue.Entry {
	return &queue.Entry{
		ID:       id.NewQueueEntryID(),
		EventID:  evtID,
		QueuedAt: queuedAt,
	}
}

func enqueue(t *testing.T, s store.Store, entries ...*queue.Entry) {
	t.Helper()
	evicted, err := s.EnqueueEntries(ctx(), entries, 0)
	require.NoError(t, err)
	require.Empty(t, evicted)
}

func entryIDs(entries []*queue.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID.String()
	}
	return out
}

func never(int) (time.Time, bool) { return time.Time{}, false }

func testSaveAndLoadEvents(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 3)
	missing := id.NewEventID()

	got, err := s.GetEventsByIDs(ctx(), []id.ID{ids[2], missing, ids[0]})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, ids[2].String(), got[0].ID.String())
	assert.Equal(t, ids[0].String(), got[1].ID.String())

	evt := got[1]
	assert.Equal(t, "sess-1", evt.SessionID)
	assert.Equal(t, "app.action", evt.Type)
	assert.True(t, evt.Timestamp.Equal(base), "timestamp %v != %v", evt.Timestamp, base)
	assert.Equal(t, "home", evt.Data["screen"])
	assert.EqualValues(t, 3, evt.Data["count"])
	assert.Equal(t, []any{"a", "b"}, evt.Data["flags"])

	none, err := s.GetEventsByIDs(ctx(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSaveAssignsID(t *testing.T, s store.Store) {
	evt := newEvent("app.launched", base)
	evtID, err := s.SaveEvent(ctx(), evt)
	require.NoError(t, err)
	assert.False(t, evtID.IsNil())
	assert.Equal(t, id.PrefixEvent, evtID.Prefix())
	assert.Equal(t, evtID.String(), evt.ID.String())

	// Saving the same ID twice keeps a single event.
	again, err := s.SaveEvent(ctx(), evt)
	require.NoError(t, err)
	assert.Equal(t, evtID.String(), again.String())

	got, err := s.GetEventsByIDs(ctx(), []id.ID{evtID})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testSaveRejectsInvalid(t *testing.T, s store.Store) {
	_, err := s.SaveEvent(ctx(), &event.Event{Timestamp: base})
	assert.ErrorIs(t, err, event.ErrInvalidEvent)
}

func testDequeueFIFO(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 4)
	e0 := newEntry(ids[0], base.Add(3*time.Second))
	e1 := newEntry(ids[1], base.Add(1*time.Second))
	e2 := newEntry(ids[2], base.Add(2*time.Second))
	e3 := newEntry(ids[3], base.Add(4*time.Second))
	enqueue(t, s, e0, e1, e2, e3)

	got, err := s.DequeueEntries(ctx(), 3, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, entryIDs([]*queue.Entry{e1, e2, e0}), entryIDs(got))

	first := got[0]
	assert.Equal(t, ids[1].String(), first.EventID.String())
	assert.True(t, first.QueuedAt.Equal(e1.QueuedAt))
	assert.Equal(t, 0, first.RetryCount)
	assert.Nil(t, first.NextRetryAt)
	assert.Nil(t, first.LastError)

	// Dequeue does not remove.
	again, err := s.DequeueEntries(ctx(), 10, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, again, 4)
}

func testDequeueTieBreaks(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 5)
	var entries []*queue.Entry
	for _, evtID := range ids {
		entries = append(entries, newEntry(evtID, base))
	}
	enqueue(t, s, entries...)

	got, err := s.DequeueEntries(ctx(), 5, base)
	require.NoError(t, err)
	assert.Equal(t, entryIDs(entries), entryIDs(got))
}

func testDequeueSkipsFutureRetries(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 2)
	a := newEntry(ids[0], base)
	b := newEntry(ids[1], base.Add(time.Second))
	enqueue(t, s, a, b)

	retryAt := base.Add(time.Minute)
	_, err := s.FailEntries(ctx(), []id.ID{a.ID}, "boom", func(int) (time.Time, bool) {
		return retryAt, true
	})
	require.NoError(t, err)

	got, err := s.DequeueEntries(ctx(), 10, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID.String()}, entryIDs(got))

	// Eligible again once the retry time is reached.
	got, err = s.DequeueEntries(ctx(), 10, retryAt)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID.String(), b.ID.String()}, entryIDs(got))
}

func testEnqueueUnknownEvent(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 1)
	good := newEntry(ids[0], base)
	bad := newEntry(id.NewEventID(), base)

	_, err := s.EnqueueEntries(ctx(), []*queue.Entry{good, bad}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, beacon.ErrEventNotFound), "got %v", err)

	got, err := s.DequeueEntries(ctx(), 10, base)
	require.NoError(t, err)
	assert.Empty(t, got, "a failed enqueue must not insert anything")
}

func testEnqueueEvictsOldest(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 5)
	var entries []*queue.Entry
	for i, evtID := range ids[:3] {
		entries = append(entries, newEntry(evtID, base.Add(time.Duration(i)*time.Second)))
	}
	enqueue(t, s, entries...)

	fresh := []*queue.Entry{
		newEntry(ids[3], base.Add(10*time.Second)),
		newEntry(ids[4], base.Add(10*time.Second)),
	}
	evicted, err := s.EnqueueEntries(ctx(), fresh, 3)
	require.NoError(t, err)
	assert.Equal(t, entryIDs(entries[:2]), entryIDs(evicted))

	got, err := s.DequeueEntries(ctx(), 10, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, entryIDs([]*queue.Entry{entries[2], fresh[0], fresh[1]}), entryIDs(got))
}

func testRemoveEntriesIdempotent(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 2)
	a := newEntry(ids[0], base)
	b := newEntry(ids[1], base)
	enqueue(t, s, a, b)

	n, err := s.RemoveEntries(ctx(), []id.ID{a.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.RemoveEntries(ctx(), []id.ID{a.ID, id.NewQueueEntryID()})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	got, err := s.DequeueEntries(ctx(), 10, base)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID.String()}, entryIDs(got))
}

func testFailEntriesReschedules(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 1)
	e := newEntry(ids[0], base)
	enqueue(t, s, e)

	var seen []int
	reschedule := func(rc int) (time.Time, bool) {
		seen = append(seen, rc)
		return base.Add(time.Duration(rc) * time.Minute), true
	}

	for i := 0; i < 3; i++ {
		dropped, err := s.FailEntries(ctx(), []id.ID{e.ID}, "HTTP 500", reschedule)
		require.NoError(t, err)
		assert.Empty(t, dropped)
	}
	assert.Equal(t, []int{1, 2, 3}, seen)

	got, err := s.DequeueEntries(ctx(), 1, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].RetryCount)
	require.NotNil(t, got[0].LastError)
	assert.Equal(t, "HTTP 500", *got[0].LastError)
	require.NotNil(t, got[0].NextRetryAt)
	assert.True(t, got[0].NextRetryAt.Equal(base.Add(3*time.Minute)))
}

func testFailEntriesDrops(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 2)
	a := newEntry(ids[0], base)
	b := newEntry(ids[1], base)
	enqueue(t, s, a, b)

	dropped, err := s.FailEntries(ctx(), []id.ID{a.ID}, "gone", never)
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, a.ID.String(), dropped[0].ID.String())
	assert.Equal(t, 1, dropped[0].RetryCount)

	got, err := s.DequeueEntries(ctx(), 10, base)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID.String()}, entryIDs(got))

	// The event itself survives a dropped entry.
	evts, err := s.GetEventsByIDs(ctx(), []id.ID{ids[0]})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func testFailEntriesIgnoresUnknown(t *testing.T, s store.Store) {
	dropped, err := s.FailEntries(ctx(), []id.ID{id.NewQueueEntryID()}, "x", never)
	require.NoError(t, err)
	assert.Empty(t, dropped)
}

func testQueueStats(t *testing.T, s store.Store) {
	now := base.Add(time.Hour)

	empty, err := s.QueueStats(ctx(), now)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.OldestQueuedAt)

	ids := saveEvents(t, s, 4)
	pending := newEntry(ids[0], base.Add(2*time.Second))
	waiting := newEntry(ids[1], base.Add(time.Second))
	due := newEntry(ids[2], base.Add(3*time.Second))
	pending2 := newEntry(ids[3], base.Add(4*time.Second))
	enqueue(t, s, pending, waiting, due, pending2)

	_, err = s.FailEntries(ctx(), []id.ID{waiting.ID}, "later", func(int) (time.Time, bool) {
		return now.Add(time.Minute), true
	})
	require.NoError(t, err)
	_, err = s.FailEntries(ctx(), []id.ID{due.ID}, "earlier", func(int) (time.Time, bool) {
		return now.Add(-time.Minute), true
	})
	require.NoError(t, err)

	st, err := s.QueueStats(ctx(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Pending)
	assert.EqualValues(t, 1, st.Retrying)
	assert.EqualValues(t, 4, st.Total)
	require.NotNil(t, st.OldestQueuedAt)
	assert.True(t, st.OldestQueuedAt.Equal(waiting.QueuedAt))
}

func testPurgeEntries(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 3)
	old := newEntry(ids[0], base)
	edge := newEntry(ids[1], base.Add(time.Hour))
	young := newEntry(ids[2], base.Add(2*time.Hour))
	enqueue(t, s, old, edge, young)

	n, err := s.PurgeEntries(ctx(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.DequeueEntries(ctx(), 10, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{edge.ID.String(), young.ID.String()}, entryIDs(got))
}

func testClearQueue(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 3)
	for _, evtID := range ids {
		enqueue(t, s, newEntry(evtID, base))
	}

	n, err := s.ClearQueue(ctx())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	st, err := s.QueueStats(ctx(), base)
	require.NoError(t, err)
	assert.Zero(t, st.Total)

	n, err = s.ClearQueue(ctx())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDeleteEventsCascades(t *testing.T, s store.Store) {
	ids := saveEvents(t, s, 2)
	a := newEntry(ids[0], base)
	a2 := newEntry(ids[0], base)
	b := newEntry(ids[1], base)
	enqueue(t, s, a, a2, b)

	n, err := s.DeleteEvents(ctx(), []id.ID{ids[0], id.NewEventID()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.DequeueEntries(ctx(), 10, base)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID.String()}, entryIDs(got))

	evts, err := s.GetEventsByIDs(ctx(), ids)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, ids[1].String(), evts[0].ID.String())
}

func testLifecycle(t *testing.T, s store.Store) {
	require.NoError(t, s.Migrate(ctx()), "migrate must be idempotent")
	require.NoError(t, s.Ping(ctx()))
}
