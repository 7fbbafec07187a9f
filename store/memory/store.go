// Package memory provides an in-memory Store implementation for unit
// testing and ephemeral pipelines.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/queue"
	beaconstore "github.com/xraph/beacon/store"
)

// compile-time interface check.
var _ beaconstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	events  map[string]*event.Event // keyed by ID string
	entries map[string]*memEntry    // keyed by ID string
	seq     uint64                  // insertion order, breaks QueuedAt ties

	closed bool
}

type memEntry struct {
	entry *queue.Entry
	seq   uint64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		events:  make(map[string]*event.Event),
		entries: make(map[string]*memEntry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return beacon.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// event.Store
// ──────────────────────────────────────────────────

// SaveEvent stores a copy of evt. Saving an ID that already exists keeps
// the original event.
func (s *Store) SaveEvent(_ context.Context, evt *event.Event) (id.ID, error) {
	evt.Prepare(time.Now())
	if err := evt.Validate(); err != nil {
		return id.Nil, err
	}
	cp, err := copyEvent(evt)
	if err != nil {
		return id.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return id.Nil, beacon.ErrStoreClosed
	}

	if _, ok := s.events[evt.ID.String()]; !ok {
		s.events[evt.ID.String()] = cp
	}
	return evt.ID, nil
}

// GetEventsByIDs returns the stored events for ids, skipping unknown IDs.
func (s *Store) GetEventsByIDs(_ context.Context, ids []id.ID) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, beacon.ErrStoreClosed
	}

	out := make([]*event.Event, 0, len(ids))
	for _, evtID := range ids {
		evt, ok := s.events[evtID.String()]
		if !ok {
			continue
		}
		cp, err := copyEvent(evt)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteEvents removes events and the queue entries that reference them.
func (s *Store) DeleteEvents(_ context.Context, ids []id.ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, beacon.ErrStoreClosed
	}

	doomed := make(map[string]struct{}, len(ids))
	var n int64
	for _, evtID := range ids {
		if _, ok := s.events[evtID.String()]; !ok {
			continue
		}
		delete(s.events, evtID.String())
		doomed[evtID.String()] = struct{}{}
		n++
	}
	for qid, me := range s.entries {
		if _, ok := doomed[me.entry.EventID.String()]; ok {
			delete(s.entries, qid)
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// queue.Store
// ──────────────────────────────────────────────────

// EnqueueEntries inserts entries, evicting the oldest when maxSize is
// exceeded.
func (s *Store) EnqueueEntries(_ context.Context, entries []*queue.Entry, maxSize int) ([]*queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, beacon.ErrStoreClosed
	}

	for _, e := range entries {
		if _, ok := s.events[e.EventID.String()]; !ok {
			return nil, fmt.Errorf("%w: %s", beacon.ErrEventNotFound, e.EventID)
		}
	}

	for _, e := range entries {
		s.seq++
		s.entries[e.ID.String()] = &memEntry{entry: e.Clone(), seq: s.seq}
	}

	if maxSize <= 0 || len(s.entries) <= maxSize {
		return nil, nil
	}

	ordered := s.orderedLocked()
	overflow := ordered[:len(ordered)-maxSize]
	evicted := make([]*queue.Entry, len(overflow))
	for i, me := range overflow {
		delete(s.entries, me.entry.ID.String())
		evicted[i] = me.entry.Clone()
	}
	return evicted, nil
}

// DequeueEntries returns up to limit eligible entries in queue order.
func (s *Store) DequeueEntries(_ context.Context, limit int, now time.Time) ([]*queue.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, beacon.ErrStoreClosed
	}

	var out []*queue.Entry
	for _, me := range s.orderedLocked() {
		if len(out) >= limit {
			break
		}
		if me.entry.Eligible(now) {
			out = append(out, me.entry.Clone())
		}
	}
	return out, nil
}

// RemoveEntries deletes entries by ID.
func (s *Store) RemoveEntries(_ context.Context, ids []id.ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, beacon.ErrStoreClosed
	}

	var n int64
	for _, qid := range ids {
		if _, ok := s.entries[qid.String()]; ok {
			delete(s.entries, qid.String())
			n++
		}
	}
	return n, nil
}

// FailEntries increments retry counts and reschedules or drops entries.
func (s *Store) FailEntries(_ context.Context, ids []id.ID, lastError string, reschedule queue.RescheduleFunc) ([]*queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, beacon.ErrStoreClosed
	}

	var dropped []*queue.Entry
	for _, qid := range id.Dedupe(ids) {
		me, ok := s.entries[qid.String()]
		if !ok {
			continue
		}
		e := me.entry
		e.RetryCount++
		msg := lastError
		e.LastError = &msg

		next, keep := reschedule(e.RetryCount)
		if !keep {
			delete(s.entries, qid.String())
			dropped = append(dropped, e.Clone())
			continue
		}
		e.NextRetryAt = &next
	}
	return dropped, nil
}

// QueueStats summarizes the queue as of now.
func (s *Store) QueueStats(_ context.Context, now time.Time) (*queue.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, beacon.ErrStoreClosed
	}

	st := &queue.Stats{}
	for _, me := range s.entries {
		e := me.entry
		st.Total++
		switch {
		case e.NextRetryAt == nil:
			st.Pending++
		case e.NextRetryAt.After(now):
			st.Retrying++
		}
		if st.OldestQueuedAt == nil || e.QueuedAt.Before(*st.OldestQueuedAt) {
			t := e.QueuedAt
			st.OldestQueuedAt = &t
		}
	}
	return st, nil
}

// PurgeEntries deletes entries queued before olderThan.
func (s *Store) PurgeEntries(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, beacon.ErrStoreClosed
	}

	var n int64
	for qid, me := range s.entries {
		if me.entry.QueuedAt.Before(olderThan) {
			delete(s.entries, qid)
			n++
		}
	}
	return n, nil
}

// ClearQueue deletes every entry.
func (s *Store) ClearQueue(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, beacon.ErrStoreClosed
	}

	n := int64(len(s.entries))
	s.entries = make(map[string]*memEntry)
	return n, nil
}

// orderedLocked returns all entries by ascending QueuedAt, then insertion
// order. Callers must hold mu.
func (s *Store) orderedLocked() []*memEntry {
	out := make([]*memEntry, 0, len(s.entries))
	for _, me := range s.entries {
		out = append(out, me)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.entry.QueuedAt.Equal(b.entry.QueuedAt) {
			return a.entry.QueuedAt.Before(b.entry.QueuedAt)
		}
		return a.seq < b.seq
	})
	return out
}

// copyEvent deep-copies evt by round-tripping its payload through JSON, so
// values read back have the same types a persistent backend would return.
func copyEvent(evt *event.Event) (*event.Event, error) {
	cp := *evt
	raw, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal event data: %w", err)
	}
	cp.Data = nil
	if err := json.Unmarshal(raw, &cp.Data); err != nil {
		return nil, fmt.Errorf("memory: unmarshal event data: %w", err)
	}
	return &cp, nil
}
