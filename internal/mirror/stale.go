package mirror

import (
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
)

// IsStale decides whether an incoming event must be rejected given the
// stored snapshot of a document or its tombstone.
//
// A missing document, or one without a readable lastEvent, never blocks the
// event. An older event is stale. An event with the same time is stale
// unless it is a deletion, so a same-time update cannot mask a delete.
func IsStale(existing docstore.Snapshot, incoming time.Time, deletion bool) bool {
	stored, ok := LastEvent(existing)
	if !ok {
		return false
	}
	if stored.After(incoming) {
		return true
	}
	return stored.Equal(incoming) && !deletion
}

// LastEvent returns the lastEvent of a live snapshot.
func LastEvent(snap docstore.Snapshot) (time.Time, bool) {
	if !snap.Exists {
		return time.Time{}, false
	}
	return snap.Data.GetTime(FieldLastEvent)
}

// latest returns the later of t and the snapshot's lastEvent, so rewriting a
// document never moves its lastEvent backwards.
func latest(t time.Time, snap docstore.Snapshot) time.Time {
	if stored, ok := LastEvent(snap); ok && stored.After(t) {
		return stored
	}
	return t
}
