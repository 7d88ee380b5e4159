// Package provider normalizes heterogeneous destination calendar APIs into
// list/push/delete operations. Two families implement the contract: OAuth
// token-refreshing providers (Google) and basic-auth CalDAV providers.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/keeperhq/calkeeper/internal/event"
)

// Kind selects a provider family.
type Kind string

const (
	KindGoogle Kind = "google"
	KindCalDAV Kind = "caldav"
)

// ErrNeedsReauth is returned when a provider has degraded to a no-op
// because its authorization was revoked or expired. The flag is durable;
// the provider stays short-circuited until the user re-authenticates.
var ErrNeedsReauth = errors.New("destination needs re-authentication")

// ListOptions bounds a remote listing.
type ListOptions struct {
	// Start and End bound the listing window. Zero values fall back to
	// the provider's default window (start-of-today to the configured
	// horizon).
	Start time.Time
	End   time.Time
}

// PushResult reports the outcome for one pushed event. Failures are
// isolated per event; a failed push never aborts its siblings unless
// ShouldContinue is false.
type PushResult struct {
	EventID        string // Local event ID
	RemoteUID      string // UID the event was pushed under
	Success        bool
	Error          string
	ShouldContinue bool // False aborts the remaining batch for this destination
}

// DeleteResult reports the outcome for one deletion. A 404 counts as
// success: the event is already gone.
type DeleteResult struct {
	DeleteID       string
	Success        bool
	Error          string
	ShouldContinue bool
}

// Provider is the destination calendar contract. Implementations filter
// listings to system-owned events before returning, so callers may safely
// delete anything listed.
type Provider interface {
	Kind() Kind

	// ListRemoteEvents returns the system-owned events currently on the
	// destination, traversing pagination to exhaustion.
	ListRemoteEvents(ctx context.Context, opts ListOptions) ([]*event.RemoteEvent, error)

	// PushEvents writes anonymized busy blocks to the destination, one
	// result per input event in order.
	PushEvents(ctx context.Context, events []*event.SyncableEvent) ([]PushResult, error)

	// DeleteEvents removes previously pushed events by provider-native ID.
	DeleteEvents(ctx context.Context, deleteIDs []string) ([]DeleteResult, error)

	// NeedsReauth reports whether the provider has degraded to a no-op
	// pending re-authentication.
	NeedsReauth() bool
}

// syncWindow returns the default listing window: start-of-today (UTC) to
// the configured horizon. Listing windows are never unbounded; response
// sizes stay predictable.
func syncWindow(opts ListOptions, horizonYears int) (time.Time, time.Time) {
	start, end := opts.Start, opts.End
	if start.IsZero() {
		now := time.Now().UTC()
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = start.AddDate(horizonYears, 0, 0)
	}
	return start, end
}
