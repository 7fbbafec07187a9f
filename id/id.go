// Package id names recorded events and their queue entries.
//
// An event keeps its ID from the moment it is saved until the collector
// acknowledges it, and the same value travels in every batch so the
// collector can discard redelivered copies. Queue entries get their own
// IDs because one event may be queued more than once.
//
// Both are TypeIDs: "evt_..." for events and "qe_..." for entries. The
// suffix is a UUIDv7, so IDs minted later sort after earlier ones.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix is the kind tag in front of the underscore.
type Prefix string

const (
	// PrefixEvent tags recorded telemetry events.
	PrefixEvent Prefix = "evt"

	// PrefixQueueEntry tags submission queue entries.
	PrefixQueueEntry Prefix = "qe"
)

// ID is an event or queue entry identifier. The zero value is Nil, which
// encodes as "" in JSON and NULL in SQL.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the unset ID.
var Nil ID

// NewEventID mints an ID for an event about to be saved.
func NewEventID() ID { return mint(PrefixEvent) }

// NewQueueEntryID mints an ID for a new queue entry.
func NewQueueEntryID() ID { return mint(PrefixQueueEntry) }

func mint(p Prefix) ID {
	tid, err := typeid.Generate(string(p))
	if err != nil {
		// Only reachable with a malformed constant above.
		panic(fmt.Sprintf("id: mint %q: %v", p, err))
	}
	return ID{tid: tid, set: true}
}

// Parse reads an ID of either kind.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseEventID reads an event ID, rejecting any other kind.
func ParseEventID(s string) (ID, error) { return parseKind(s, PrefixEvent) }

// ParseQueueEntryID reads a queue entry ID, rejecting any other kind.
func ParseQueueEntryID(s string) (ID, error) { return parseKind(s, PrefixQueueEntry) }

func parseKind(s string, want Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := v.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q is a %q id, want %q", s, got, want)
	}
	return v, nil
}

// Strings renders ids in order, Nil as "". Stores use it for IN clauses
// and Redis keys.
func Strings(ids []ID) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}

// Dedupe drops Nil values and repeats, keeping first occurrences in order.
// A batch may reference one event through several entries.
func Dedupe(ids []ID) []ID {
	seen := make(map[string]struct{}, len(ids))
	out := make([]ID, 0, len(ids))
	for _, v := range ids {
		if !v.set {
			continue
		}
		k := v.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

// Prefix returns the kind tag, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

// IsNil reports whether i is unset.
func (i ID) IsNil() bool { return !i.set }

// MarshalText encodes i for JSON bodies and the dead-letter log.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText accepts "" as Nil.
func (i *ID) UnmarshalText(data []byte) error {
	return i.assign(string(data))
}

// Value stores Nil as NULL and anything else as its string form.
func (i ID) Value() (driver.Value, error) {
	if !i.set {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.tid.String(), nil
}

// Scan reads a TEXT column written by Value.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.assign(v)
	case []byte:
		return i.assign(string(v))
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}

func (i *ID) assign(s string) error {
	if s == "" {
		*i = Nil
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}
