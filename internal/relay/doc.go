// Package relay pairs this daemon with a remote controller over a shared
// message broker and forwards input events between them.
//
// # Lifecycle
//
// A Manager owns at most one Session and walks it through a fixed cycle:
//
//	Idle -> Connecting -> Connected -> Disconnecting -> Idle
//
// Connect derives the paircode from the app namespace and device name, dials
// the broker with an offline-status will, subscribes to the status and data
// topics, announces presence, and activates any initial event types. Every
// step waits for the broker acknowledgement before the next; a failure at
// any point unwinds what was built and leaves the manager Idle.
//
// Disconnect unwinds in reverse: unsubscribe data, unsubscribe status,
// publish the offline presence, close the transport. Shutdown is the
// teardown-path variant that treats Idle as success.
//
// # Message Flow
//
// The Gateway handles all session traffic. Inbound messages route by
// subtopic: a remote online status becomes a peer-connected notification,
// data messages are decoded and re-dispatched into the Environment, and
// everything else is ignored. Undecodable payloads are logged and dropped.
// Outbound, the gateway publishes listener-control messages (Activate and
// Deactivate) and relayed events (PublishEvent).
//
// # Validation
//
// Every externally triggered operation has a request type whose Validate
// method runs before any side effect. Failures are *MalformedRequestError
// values naming the trigger, the offending property and the expected shape.
//
// # Wiring
//
// The package depends only on small interfaces: Dialer and Broker for the
// transport, Environment for local event dispatch, and optional Recorder and
// Telemetry sinks. main adapts the concrete MQTT client, WebSocket hub,
// history repository and InfluxDB writer onto them.
package relay
