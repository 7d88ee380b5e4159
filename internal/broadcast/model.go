// Package broadcast fans sync status out to connected clients. Status
// snapshots travel through a pub/sub channel so any process in the fleet
// can deliver them to the websocket connections it holds; delivery is
// at-most-once by design, the next snapshot supersedes a lost one.
package broadcast

import (
	"encoding/json"
	"time"
)

// Envelope is the wire frame published on the status channel and written
// to websocket clients.
type Envelope struct {
	UserID string          `json:"userId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	EventStatus = "sync:status"
	EventPing   = "ping"
	EventPong   = "pong"
)

// Sync lifecycle states.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
)

// Sync stages within a run.
const (
	StageFetching   = "fetching"
	StageComparing  = "comparing"
	StageProcessing = "processing"
)

// Operation types reported in LastOperation.
const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// Progress counts processed operations against the run's total.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// LastOperation identifies the most recent add or remove, keyed by the
// affected event's start time.
type LastOperation struct {
	Type      string    `json:"type"`
	EventTime time.Time `json:"eventTime"`
}

// SyncStatus is one destination's status snapshot. Clients render it
// directly; every field reflects the state at emission time.
type SyncStatus struct {
	DestinationID    string `json:"destinationId"`
	Status           string `json:"status"`
	Stage            string `json:"stage,omitempty"`
	LocalEventCount  int    `json:"localEventCount"`
	RemoteEventCount int    `json:"remoteEventCount"`

	Progress      *Progress      `json:"progress,omitempty"`
	LastOperation *LastOperation `json:"lastOperation,omitempty"`

	InSync                bool       `json:"inSync"`
	NeedsReauthentication bool       `json:"needsReauthentication"`
	LastSyncedAt          *time.Time `json:"lastSyncedAt,omitempty"`
}
