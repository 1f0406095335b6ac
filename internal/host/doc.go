// Package host implements the embedding-environment surface of the daemon.
//
// This package provides:
//   - WebSocket control channel carrying trigger frames and replies
//   - Hub fan-out of remote events and peer presence to control clients
//   - Health endpoint reporting relay session state and component probes
//   - Session history endpoint backed by the SQLite store
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The host server sits between the embedding environment (a VR client or a
// remote controller UI) and the relay core. Trigger frames arrive on the
// WebSocket, are validated, and run against the relay manager and gateway;
// inbound broker traffic flows the other way, from the gateway through the
// Hub to every connected control client.
//
// The Hub doubles as the relay's Environment implementation, so it is
// constructed before the server and shared with the gateway.
//
// # Lifecycle
//
// A control client that established the session is its owner. If the owner's
// socket drops without an orderly disconnect frame, the hub's detach callback
// tears the session down so the broker connection is not left dangling.
package host
