// Package store reads the relational state the sync core consumes: local
// syncable events, destination configurations, and source-to-destination
// mappings. Event rows are owned by the ingestion side; the core only
// writes its own columns (tokens, needs_reauth, last_synced_at).
package store

import "time"

// DestinationKind selects the provider family for a destination.
type DestinationKind string

const (
	KindGoogle DestinationKind = "google"
	KindCalDAV DestinationKind = "caldav"
)

// Destination is one (user, destination calendar) pair with its connection
// data. Credential columns are encrypted at rest; the provider factory
// decrypts them for the duration of a single sync call.
type Destination struct {
	ID         string
	UserID     string
	Kind       DestinationKind
	Name       string
	CalendarID string // Provider calendar ID (google) or collection path (caldav)
	ServerURL  string // CalDAV server endpoint
	Username   string // CalDAV basic-auth user

	Credentials  string // Encrypted CalDAV password
	AccessToken  string // Encrypted OAuth access token
	RefreshToken string // Encrypted OAuth refresh token
	TokenExpiry  *time.Time

	NeedsReauth  bool
	LastSyncedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source is an origin calendar being ingested. The core only reads it for
// display fields on pushed events.
type Source struct {
	ID        string
	UserID    string
	Name      string
	URL       string
	Kind      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
