// Package event holds the calendar event model shared by the sync core,
// the identity scheme that marks remote events as ours, and the diff engine
// that turns a remote snapshot plus the local state into an add/remove plan.
package event

import "time"

// SyncableEvent is a locally recorded event ready to be pushed to a
// destination. It is read-only for the duration of a sync pass; the
// ingestion side owns its lifecycle.
type SyncableEvent struct {
	ID          string    // Local row ID
	UID         string    // Source-assigned iCalendar UID
	Start       time.Time // Start time of the busy block
	End         time.Time // End time of the busy block
	Summary     string    // Display summary (anonymized before push)
	Description string    // Optional description
	SourceID    string    // Owning source ID
	SourceName  string    // Owning source display name
	SourceURL   string    // Owning source URL, if any
}

// RemoteEvent is an event read back from a destination provider. It exists
// only transiently during a sync pass and is never persisted.
type RemoteEvent struct {
	DeleteID string    // Provider-native identifier used for deletion
	UID      string    // Content UID used for identity matching
	Start    time.Time // Start time
	End      time.Time // End time
}

// TimeSlot is the (start, end) key two events are compared on. Times are
// epoch milliseconds so identical wall-clock instants in different
// time.Location values compare equal.
type TimeSlot struct {
	Start int64
	End   int64
}

// Slot returns the event's time-slot key.
func (e *SyncableEvent) Slot() TimeSlot {
	return TimeSlot{Start: e.Start.UnixMilli(), End: e.End.UnixMilli()}
}

// Slot returns the event's time-slot key.
func (e *RemoteEvent) Slot() TimeSlot {
	return TimeSlot{Start: e.Start.UnixMilli(), End: e.End.UnixMilli()}
}
