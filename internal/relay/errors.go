package relay

import (
	"errors"
	"fmt"
)

// Package errors. State-gate rejections are fatal to the call, never to the
// process; callers match them with errors.Is.
var (
	// ErrMalformedRequest is the sentinel behind every MalformedRequestError.
	ErrMalformedRequest = errors.New("relay: malformed request")

	// ErrConnectionFailed wraps any dial, subscribe or publish failure during
	// session establishment. The manager is back at Idle when it is returned.
	ErrConnectionFailed = errors.New("relay: connection failed")

	// ErrAlreadyConnected rejects a connect while a session is live.
	ErrAlreadyConnected = errors.New("relay: already connected")

	// ErrNotConnected rejects an operation that needs a live session.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrBusy rejects connect/disconnect while a state transition is in
	// flight. Requests are never queued; the caller retries once the
	// transition settles.
	ErrBusy = errors.New("relay: state transition in progress")
)

// MalformedRequestError reports a trigger payload that failed validation.
// Validation runs synchronously before any side effect, so a request that
// produces this error has touched neither the broker nor the session.
type MalformedRequestError struct {
	// Trigger is the operation the payload arrived on (e.g. "connect").
	Trigger string

	// Field is the offending property (e.g. "deviceName").
	Field string

	// Expected describes the type or shape the property must have.
	Expected string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("relay: malformed %s request: property %q must be %s", e.Trigger, e.Field, e.Expected)
}

// Unwrap lets errors.Is(err, ErrMalformedRequest) match.
func (e *MalformedRequestError) Unwrap() error {
	return ErrMalformedRequest
}
