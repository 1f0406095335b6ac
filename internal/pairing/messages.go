package pairing

import (
	"encoding/json"
	"fmt"
)

// Peer roles carried in the "type" field of a status message.
const (
	// PeerVR identifies the VR-side peer (this daemon).
	PeerVR = "vr"

	// PeerRemote identifies the remote controller peer.
	PeerRemote = "remote"
)

// StatusMessage announces a peer's presence or absence.
// Topic: {paircode}/status
// QoS: 1
type StatusMessage struct {
	// Type is the announcing peer's role: "vr" or "remote".
	Type string `json:"type"`

	// Connected is true when the peer has joined the session and false when
	// it is leaving (or has died, via the broker will).
	Connected bool `json:"connected"`
}

// ControlMessage requests activation or deactivation of one event type.
// The subtopic, not the payload, says which of the two it is.
// Topic: {paircode}/add_event_listener or {paircode}/remove_event_listener
// QoS: 1
type ControlMessage struct {
	// Type is the native event type to start or stop relaying
	// (e.g. "keydown", "mousemove").
	Type string `json:"type"`
}

// EventMessage carries one relayed native event.
// Topic: {paircode}/data
type EventMessage struct {
	// Type is the native event name. Receivers reconstruct the event from
	// this field, never from the topic.
	Type string `json:"type"`

	// Detail is the event's payload, opaque to the relay. It is forwarded
	// byte-for-byte to the dispatching side.
	Detail json.RawMessage `json:"detail,omitempty"`
}

// NewStatus returns a status message for the given peer role.
func NewStatus(peer string, connected bool) StatusMessage {
	return StatusMessage{Type: peer, Connected: connected}
}

// DecodeStatus decodes a payload from the status subtopic.
// The "type" field is required; a status without a role is dropped as
// unrecognised rather than guessed at.
func DecodeStatus(payload []byte) (StatusMessage, error) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return StatusMessage{}, fmt.Errorf("%w: status: %w", ErrBadPayload, err)
	}
	if msg.Type == "" {
		return StatusMessage{}, fmt.Errorf("%w: status: missing type", ErrBadPayload)
	}
	return msg, nil
}

// DecodeControl decodes a payload from the add/remove listener subtopics.
// The "type" field is required.
func DecodeControl(payload []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: control: %w", ErrBadPayload, err)
	}
	if msg.Type == "" {
		return ControlMessage{}, fmt.Errorf("%w: control: missing type", ErrBadPayload)
	}
	return msg, nil
}

// DecodeEvent decodes a payload from the data subtopic.
// The "type" field is required; "detail" is optional and passed through
// untouched.
func DecodeEvent(payload []byte) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("%w: event: %w", ErrBadPayload, err)
	}
	if msg.Type == "" {
		return EventMessage{}, fmt.Errorf("%w: event: missing type", ErrBadPayload)
	}
	return msg, nil
}
