package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names for relay telemetry.
const (
	measurementSessions = "sessions"
	measurementEvents   = "events"
)

// WriteSessionEvent records a session lifecycle transition.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - kind: Lifecycle transition (connect, disconnect, peer_seen)
//   - paircode: Pairing namespace the session uses
//
// Example:
//
//	client.WriteSessionEvent("connect", "vrlink/quest-3")
func (c *Client) WriteSessionEvent(kind, paircode string) {
	c.writePoint(measurementSessions,
		map[string]string{
			"kind":     kind,
			"paircode": paircode,
		},
		map[string]any{
			"count": 1,
		},
	)
}

// WriteRelayedEvent records a single relayed event crossing the broker.
//
// Parameters:
//   - paircode: Pairing namespace the event travelled through
//   - eventType: Application event name (e.g. "click", "keyup")
//   - direction: "in" for controller-to-environment, "out" for the reverse
//
// Event types are application-defined but low cardinality in practice,
// so they are safe to index as a tag.
func (c *Client) WriteRelayedEvent(paircode, eventType, direction string) {
	c.writePoint(measurementEvents,
		map[string]string{
			"paircode":  paircode,
			"type":      eventType,
			"direction": direction,
		},
		map[string]any{
			"count": 1,
		},
	)
}

// writePoint batches a single point with the current timestamp.
// Drops the point silently when the client is not connected.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
