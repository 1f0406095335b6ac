package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vrlink/vrlink-core/internal/pairing"
)

// dataQoS is the QoS for relayed event payloads. Presence and listener
// control use the session QoS; event traffic is fire-and-forget.
const dataQoS byte = 0

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Environment is the embedding surface the relay dispatches into. The host
// package implements it with the WebSocket hub; tests implement it with a
// recording fake.
type Environment interface {
	// PeerConnected notifies the environment that the remote peer announced
	// itself on the session.
	PeerConnected()

	// DispatchEvent re-dispatches a relayed native event locally. name and
	// detail come from the decoded payload, never from the topic.
	DispatchEvent(name string, detail json.RawMessage)
}

// Gateway routes inbound session messages and publishes outbound control and
// event messages. It holds the set of active event types for the current
// session.
//
// A Gateway is inert until the Manager binds it to an established broker
// connection; listener changes requested while unbound are logged and
// skipped, never queued.
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	env Environment

	mu     sync.RWMutex
	broker Broker
	topics pairing.Topics
	qos    byte
	active map[string]struct{}
	tel    Telemetry

	eventsIn  atomic.Int64
	eventsOut atomic.Int64

	// onPeerSeen is assigned once by NewManager, before any session exists.
	onPeerSeen func()

	logger   Logger
	loggerMu sync.RWMutex
}

// NewGateway creates a gateway dispatching into env. env must be non-nil.
func NewGateway(env Environment) *Gateway {
	return &Gateway{
		env:    env,
		active: make(map[string]struct{}),
	}
}

// SetLogger sets the logger for the gateway. Pass nil to disable logging.
func (g *Gateway) SetLogger(logger Logger) {
	g.loggerMu.Lock()
	defer g.loggerMu.Unlock()
	g.logger = logger
}

// bind attaches the gateway to an established session. The active set and
// counters reset; they are scoped to one session.
func (g *Gateway) bind(broker Broker, topics pairing.Topics, qos byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broker = broker
	g.topics = topics
	g.qos = qos
	g.active = make(map[string]struct{})
	g.eventsIn.Store(0)
	g.eventsOut.Store(0)
}

// unbind detaches the gateway at session teardown. Publishes requested after
// this point are skipped (listener changes) or rejected (events).
func (g *Gateway) unbind() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broker = nil
	g.topics = pairing.Topics{}
	g.active = make(map[string]struct{})
}

// setPeerObserver registers the manager hook fired on every remote online
// status. Must be called before the first session is established.
func (g *Gateway) setPeerObserver(fn func()) {
	g.onPeerSeen = fn
}

// setTelemetry registers the optional telemetry sink.
func (g *Gateway) setTelemetry(tel Telemetry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tel = tel
}

// counters returns the relayed-event totals for the current session.
func (g *Gateway) counters() (in, out int64) {
	return g.eventsIn.Load(), g.eventsOut.Load()
}

// ActiveEvents returns a sorted snapshot of the active event types.
func (g *Gateway) ActiveEvents() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	events := make([]string, 0, len(g.active))
	for event := range g.active {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// HandleMessage routes one inbound broker message by its subtopic. It is the
// subscription handler for both session subscriptions.
//
// Undecodable payloads are logged and dropped; routing always returns nil so
// a bad message can never stall the relay.
func (g *Gateway) HandleMessage(topic string, payload []byte) error {
	switch pairing.SubtopicOf(topic) {
	case pairing.SubtopicStatus:
		g.handleStatus(topic, payload)
	case pairing.SubtopicData:
		g.handleData(topic, payload)
	default:
		g.logDebug("ignoring message on unhandled subtopic", "topic", topic)
	}
	return nil
}

// handleStatus reacts to presence announcements. Only the remote peer coming
// online is acted on; everything else (our own echo, departures, unknown
// roles) is deliberately ignored.
func (g *Gateway) handleStatus(topic string, payload []byte) {
	msg, err := pairing.DecodeStatus(payload)
	if err != nil {
		g.logWarn("dropping undecodable status", "topic", topic, "error", err)
		return
	}
	if msg.Type != pairing.PeerRemote || !msg.Connected {
		return
	}

	g.logInfo("remote peer connected")
	if g.onPeerSeen != nil {
		g.onPeerSeen()
	}
	g.env.PeerConnected()
}

// handleData decodes a relayed event and dispatches it into the environment.
// The event name comes from the payload, never from the topic.
func (g *Gateway) handleData(topic string, payload []byte) {
	msg, err := pairing.DecodeEvent(payload)
	if err != nil {
		g.logWarn("dropping undecodable event", "topic", topic, "error", err)
		return
	}

	g.eventsIn.Add(1)

	g.mu.RLock()
	paircode := g.topics.Paircode
	tel := g.tel
	g.mu.RUnlock()
	if tel != nil && paircode != "" {
		tel.RelayEvent(paircode, msg.Type, DirectionInbound)
	}

	g.env.DispatchEvent(msg.Type, msg.Detail)
}

// Activate publishes an add-listener control message for each event type and
// adds it to the active set. Without a live session the request is logged
// and skipped; the remote only learns about listeners requested while the
// session is up. Re-activating an active type republishes, which the remote
// treats as idempotent.
func (g *Gateway) Activate(ctx context.Context, events []string) error {
	return g.publishControl(ctx, pairing.SubtopicAddListener, events, true)
}

// Deactivate publishes a remove-listener control message for each event type
// and removes it from the active set. Same skip semantics as Activate.
func (g *Gateway) Deactivate(ctx context.Context, events []string) error {
	return g.publishControl(ctx, pairing.SubtopicRemoveListener, events, false)
}

func (g *Gateway) publishControl(ctx context.Context, subtopic pairing.Subtopic, events []string, add bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.broker == nil {
		g.logDebug("skipping listener change without session",
			"subtopic", string(subtopic),
			"events", events)
		return nil
	}

	topic := pairing.TopicFor(g.topics.Paircode, subtopic)
	for _, event := range events {
		payload, err := json.Marshal(pairing.ControlMessage{Type: event})
		if err != nil {
			return fmt.Errorf("encode %s for %q: %w", subtopic, event, err)
		}
		if err := g.broker.Publish(topic, payload, g.qos); err != nil {
			return fmt.Errorf("publish %s for %q: %w", subtopic, event, err)
		}
		if add {
			g.active[event] = struct{}{}
		} else {
			delete(g.active, event)
		}
	}
	return nil
}

// PublishEvent relays one locally captured native event to the remote peer.
// Returns ErrNotConnected without a live session so the caller can report it.
func (g *Gateway) PublishEvent(ctx context.Context, name string, detail json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.RLock()
	broker := g.broker
	paircode := g.topics.Paircode
	topic := g.topics.Data()
	tel := g.tel
	g.mu.RUnlock()

	if broker == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(pairing.EventMessage{Type: name, Detail: detail})
	if err != nil {
		return fmt.Errorf("encode event %q: %w", name, err)
	}
	if err := broker.Publish(topic, payload, dataQoS); err != nil {
		return fmt.Errorf("publish event %q: %w", name, err)
	}

	g.eventsOut.Add(1)
	if tel != nil {
		tel.RelayEvent(paircode, name, DirectionOutbound)
	}
	return nil
}

// logDebug logs a debug message if logger is set.
func (g *Gateway) logDebug(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (g *Gateway) logInfo(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (g *Gateway) logWarn(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
