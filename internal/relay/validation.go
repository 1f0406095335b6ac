package relay

import (
	"encoding/json"

	"github.com/vrlink/vrlink-core/internal/pairing"
)

// Trigger names used in malformed-request diagnostics. They match the frame
// types of the control surface so an error message points straight at the
// request that caused it.
const (
	TriggerConnect        = "connect"
	TriggerAddListener    = "add_listener"
	TriggerRemoveListener = "remove_listener"
	TriggerRelayEvent     = "relay_event"
)

// ConnectRequest asks the Manager to open a session.
type ConnectRequest struct {
	// DeviceName is the human-entered pairing name. Required; it is
	// normalised into the paircode, never used verbatim.
	DeviceName string `json:"deviceName"`

	// Events lists event types to activate as soon as the session is up.
	// Optional.
	Events []string `json:"events,omitempty"`
}

// Validate checks the request before any side effect runs.
func (r ConnectRequest) Validate() error {
	if pairing.ValidateDeviceName(r.DeviceName) != nil {
		return &MalformedRequestError{Trigger: TriggerConnect, Field: "deviceName", Expected: "non-empty string"}
	}
	return validateEvents(TriggerConnect, r.Events, false)
}

// ListenerRequest asks the Gateway to activate or deactivate event types.
// The same shape serves both the add and remove triggers.
type ListenerRequest struct {
	Events []string `json:"events"`
}

// Validate checks the request before any side effect runs. trigger names the
// operation for diagnostics: TriggerAddListener or TriggerRemoveListener.
func (r ListenerRequest) Validate(trigger string) error {
	return validateEvents(trigger, r.Events, true)
}

// EventRequest asks the Gateway to relay one locally captured event.
type EventRequest struct {
	// Type is the native event name. Required.
	Type string `json:"type"`

	// Detail is the opaque event payload, forwarded untouched. Optional.
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Validate checks the request before any side effect runs.
func (r EventRequest) Validate() error {
	if r.Type == "" {
		return &MalformedRequestError{Trigger: TriggerRelayEvent, Field: "type", Expected: "non-empty string"}
	}
	return nil
}

// validateEvents checks an event-type list. An absent list passes unless
// required; present elements must always be non-empty strings.
func validateEvents(trigger string, events []string, required bool) error {
	if len(events) == 0 {
		if required {
			return &MalformedRequestError{Trigger: trigger, Field: "events", Expected: "non-empty array of strings"}
		}
		return nil
	}
	for _, event := range events {
		if event == "" {
			return &MalformedRequestError{Trigger: trigger, Field: "events", Expected: "array of non-empty strings"}
		}
	}
	return nil
}
