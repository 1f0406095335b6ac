package pairing

import "errors"

// Package errors. Wrapped with fmt.Errorf("%w: ...") at the point of failure
// and matched by callers with errors.Is.
var (
	// ErrInvalidDeviceName indicates a device name that cannot form a paircode.
	ErrInvalidDeviceName = errors.New("pairing: invalid device name")

	// ErrBadPayload indicates an inbound payload that failed variant decoding.
	// Receivers log and drop these; they are never fatal to the session.
	ErrBadPayload = errors.New("pairing: bad payload")
)
