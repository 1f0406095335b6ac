package relay

import (
	"time"

	"github.com/vrlink/vrlink-core/internal/pairing"
)

// State is the connection lifecycle position of a Manager.
type State string

const (
	// StateIdle means no session exists and Connect is accepted.
	StateIdle State = "idle"

	// StateConnecting means session establishment is in flight.
	StateConnecting State = "connecting"

	// StateConnected means one session is live.
	StateConnected State = "connected"

	// StateDisconnecting means session teardown is in flight.
	StateDisconnecting State = "disconnecting"
)

// Session identifies one live pairing. It is created when the connect
// handshake completes and destroyed when disconnect completes; a Manager
// holds at most one at a time.
//
// The identity fields are immutable for the session's lifetime. The set of
// active event types lives on the Gateway, scoped to the same lifetime.
type Session struct {
	// ID is a generated uuid correlating history and telemetry records.
	ID string

	// Paircode is the shared session identifier both peers derive.
	Paircode string

	// DeviceName is the raw name the session was requested with.
	DeviceName string

	// StartedAt is when the handshake completed (UTC).
	StartedAt time.Time
}

// Topics returns the four broker topics of this session.
func (s Session) Topics() pairing.Topics {
	return pairing.Topics{Paircode: s.Paircode}
}
