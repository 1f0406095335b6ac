package host

import (
	"encoding/json"
	"errors"

	"github.com/vrlink/vrlink-core/internal/relay"
)

// Control channel frame types.
const (
	// Inbound trigger frames.
	FrameConnect        = "connect"
	FrameDisconnect     = "disconnect"
	FrameAddListener    = "add_listener"
	FrameRemoveListener = "remove_listener"
	FrameRelayEvent     = "relay_event"
	FramePing           = "ping"

	// Outbound frames.
	FrameAck           = "ack"
	FrameError         = "error"
	FramePong          = "pong"
	FrameEvent         = "event"
	FramePeerConnected = "peer_connected"

	// frameSendBufferSize is the per-client outbound frame buffer size.
	frameSendBufferSize = 256
)

// Frame is a message on the WebSocket control channel, in either direction.
//
// Inbound frames carry a trigger in Type, an optional correlation ID the
// reply echoes back, and a trigger-specific Payload. The relay_event trigger
// puts the native event name in Event and its detail in Payload. Outbound
// event frames use the same two fields, so detail bytes pass through the
// daemon without re-encoding.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error codes carried in error frame payloads.
const (
	ErrCodeMalformedRequest = "malformed_request"
	ErrCodeAlreadyConnected = "already_connected"
	ErrCodeNotConnected     = "not_connected"
	ErrCodeBusy             = "busy"
	ErrCodeConnectionFailed = "connection_failed"
	ErrCodeUnknownType      = "unknown_type"
	ErrCodeInternal         = "internal_error"
)

// errorPayload is the payload of an outbound error frame.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// connectAckPayload is the payload of a successful connect ack.
type connectAckPayload struct {
	SessionID string `json:"session_id"`
	Paircode  string `json:"paircode"`
}

// listenerAckPayload is the payload of a listener-change ack, reporting the
// resulting active set.
type listenerAckPayload struct {
	ActiveEvents []string `json:"active_events"`
}

// errorFor maps a relay error to its error frame payload. Malformed requests
// carry the offending field so the embedding environment can point at it.
func errorFor(err error) errorPayload {
	var malformed *relay.MalformedRequestError
	if errors.As(err, &malformed) {
		return errorPayload{
			Code:    ErrCodeMalformedRequest,
			Message: malformed.Error(),
			Field:   malformed.Field,
		}
	}

	switch {
	case errors.Is(err, relay.ErrAlreadyConnected):
		return errorPayload{Code: ErrCodeAlreadyConnected, Message: err.Error()}
	case errors.Is(err, relay.ErrNotConnected):
		return errorPayload{Code: ErrCodeNotConnected, Message: err.Error()}
	case errors.Is(err, relay.ErrBusy):
		return errorPayload{Code: ErrCodeBusy, Message: err.Error()}
	case errors.Is(err, relay.ErrConnectionFailed):
		return errorPayload{Code: ErrCodeConnectionFailed, Message: err.Error()}
	default:
		return errorPayload{Code: ErrCodeInternal, Message: err.Error()}
	}
}
