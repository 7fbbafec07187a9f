package redis

import (
	"fmt"
	"strings"
)

// Key prefixes for primary record storage.
const (
	prefixEvent = "beacon:evt:"
	prefixEntry = "beacon:qe:"
)

// Sorted set indexes.
const (
	// zQueue orders every entry by QueuedAt (score, Unix ms). Members are
	// "<seq>:<entry id>" with a zero-padded sequence so that equal scores
	// fall back to insertion order.
	zQueue = "beacon:z:queue"

	// zRetry holds failed entries scored by NextRetryAt (Unix ms).
	zRetry = "beacon:z:retry"
)

// Set indexes.
const (
	sEventEntries = "beacon:s:evt:" // + event ID + ":qe"
)

// keySeq is the insertion counter used to build zQueue members.
const keySeq = "beacon:seq"

// entityKey returns the primary key for a record.
func entityKey(prefix, id string) string {
	return prefix + id
}

// eventEntriesKey returns the set of entry IDs referencing an event.
func eventEntriesKey(eventID string) string {
	return sEventEntries + eventID + ":qe"
}

// queueMember builds the zQueue member for an entry.
func queueMember(seq int64, entryID string) string {
	return fmt.Sprintf("%019d:%s", seq, entryID)
}

// memberEntryID extracts the entry ID from a zQueue member.
func memberEntryID(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}
