package history

import (
	"context"
	"time"
)

// Record represents a single pairing session in the history store.
//
// A record is created when a session connects, updated when the remote
// controller first announces itself, and closed with traffic counters
// when the session disconnects.
type Record struct {
	// ID is the session identifier assigned at connect.
	ID string `json:"id"`

	// Paircode is the MQTT namespace the session used.
	Paircode string `json:"paircode"`

	// DeviceName is the raw device name supplied at connect.
	DeviceName string `json:"device_name"`

	// StartedAt is when the session was established (UTC).
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the session was torn down (UTC). Nil while live.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// PeerSeen reports whether a remote controller announced itself
	// during the session.
	PeerSeen bool `json:"peer_seen"`

	// EventsIn counts controller events relayed to the environment.
	EventsIn int64 `json:"events_in"`

	// EventsOut counts environment events relayed to the controller.
	EventsOut int64 `json:"events_out"`
}

// Repository stores and retrieves pairing session history.
//
// Implementations must be thread-safe and use UTC timestamps.
type Repository interface {
	// Create inserts a new session record at connect time.
	Create(ctx context.Context, rec Record) error

	// MarkPeerSeen flags the session as having seen its remote peer.
	// Returns ErrSessionNotFound if no record exists for the ID.
	MarkPeerSeen(ctx context.Context, id string) error

	// Finish closes the session record with its end time and traffic
	// counters. Returns ErrSessionNotFound if no record exists.
	Finish(ctx context.Context, id string, endedAt time.Time, eventsIn, eventsOut int64) error

	// Recent returns the most recent sessions, newest first.
	// The limit may be clamped by the implementation.
	Recent(ctx context.Context, limit int) ([]Record, error)
}
