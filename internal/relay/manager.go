package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrlink/vrlink-core/internal/pairing"
)

// Broker is the session's view of one established broker connection.
// This allows mocking in tests and keeps the relay free of any MQTT library
// dependency; main adapts the concrete client.
type Broker interface {
	// Publish sends a message and waits for the broker acknowledgement
	// appropriate to the QoS level.
	Publish(topic string, payload []byte, qos byte) error

	// Subscribe registers a handler for a topic and waits for the broker
	// acknowledgement.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// Close disconnects from the broker gracefully.
	Close() error
}

// DialOptions carries the per-session connection parameters.
type DialOptions struct {
	// ClientID identifies this connection to the broker.
	ClientID string

	// WillTopic/WillPayload/WillQoS register the broker-side will, published
	// on our behalf if the connection dies without a clean disconnect. The
	// manager sets it to the session's offline status so the remote peer
	// observes teardown even on a crash.
	WillTopic   string
	WillPayload []byte
	WillQoS     byte

	// OnReconnect is invoked after the transport restores a dropped
	// connection and its subscriptions. Dialers may also fire it for the
	// initial connection; the manager tolerates the overlap.
	OnReconnect func()
}

// Dialer establishes broker connections. Broker endpoint configuration
// (scheme, host, credentials) belongs to the dialer; the manager only
// supplies what varies per session.
type Dialer interface {
	Dial(opts DialOptions) (Broker, error)
}

// Recorder persists session lifecycle records. Optional; satisfied by the
// history repository via an adapter in main.
type Recorder interface {
	SessionStarted(ctx context.Context, s Session) error
	PeerSeen(ctx context.Context, sessionID string) error
	SessionEnded(ctx context.Context, sessionID string, endedAt time.Time, eventsIn, eventsOut int64) error
}

// Telemetry receives relay metrics. Optional; satisfied by the InfluxDB
// client via an adapter in main. Implementations must not block.
type Telemetry interface {
	SessionEvent(kind, paircode string)
	RelayEvent(paircode, eventType, direction string)
}

// Session event kinds reported to Telemetry.
const (
	SessionEventConnect    = "connect"
	SessionEventDisconnect = "disconnect"
	SessionEventPeerSeen   = "peer_seen"
)

// Relay directions reported to Telemetry.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// ManagerConfig carries the session-independent relay settings.
type ManagerConfig struct {
	// App is the namespace prefix shared by both peers; the paircode is
	// App + "/" + normalised device name.
	App string

	// ClientID identifies this daemon to the broker. When empty a fresh
	// vrlink-<uuid8> ID is generated for each session.
	ClientID string

	// QoS applies to presence and listener-control publishes.
	QoS byte
}

// Manager owns the session lifecycle: Idle -> Connecting -> Connected ->
// Disconnecting -> Idle. It holds the broker connection and the Session
// identity exclusively; the Gateway reaches the broker only through the
// binding the manager installs.
//
// Overlapping transitions are rejected, never queued: Connect outside Idle
// and Disconnect outside Connected fail fast without touching the existing
// session.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	cfg     ManagerConfig
	dialer  Dialer
	gateway *Gateway

	mu       sync.Mutex
	state    State
	session  *Session
	broker   Broker
	peerSeen bool

	recorder  Recorder  // Optional session history sink
	telemetry Telemetry // Optional metrics sink

	logger   Logger
	loggerMu sync.RWMutex
}

// NewManager creates a manager driving the given gateway over connections
// from dialer.
func NewManager(cfg ManagerConfig, dialer Dialer, gateway *Gateway) *Manager {
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		gateway: gateway,
		state:   StateIdle,
	}
	gateway.setPeerObserver(m.notePeerSeen)
	return m
}

// SetLogger sets the logger for the manager and its gateway.
// Pass nil to disable logging.
func (m *Manager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()

	m.gateway.SetLogger(logger)
}

// SetRecorder registers the optional session history sink.
// Call before the first Connect.
func (m *Manager) SetRecorder(recorder Recorder) {
	m.recorder = recorder
}

// SetTelemetry registers the optional metrics sink for the manager and its
// gateway. Call before the first Connect.
func (m *Manager) SetTelemetry(telemetry Telemetry) {
	m.telemetry = telemetry
	m.gateway.setTelemetry(telemetry)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the active session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Connect establishes a session for the requested device name.
//
// The sequence is strictly ordered: dial, subscribe status, subscribe data,
// publish online presence, activate initial event types. Any failure unwinds
// the partial connection and returns an error wrapping ErrConnectionFailed
// with the manager back at Idle; no partial session is retained.
//
// Returns a *MalformedRequestError before any side effect when the request
// is invalid, ErrAlreadyConnected from Connected and ErrBusy during a
// transition.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateConnecting, StateDisconnecting:
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateConnecting
	m.mu.Unlock()

	session, broker, err := m.establish(ctx, req)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.session = session
	m.broker = broker
	m.peerSeen = false
	m.state = StateConnected
	m.mu.Unlock()

	m.logInfo("session connected",
		"session_id", session.ID,
		"paircode", session.Paircode)

	if m.recorder != nil {
		if err := m.recorder.SessionStarted(ctx, *session); err != nil {
			m.logWarn("failed to record session start", "error", err)
		}
	}
	if m.telemetry != nil {
		m.telemetry.SessionEvent(SessionEventConnect, session.Paircode)
	}
	return nil
}

// establish runs the connect sequence and returns the session and its broker
// connection, or unwinds whatever was built and returns an error.
func (m *Manager) establish(ctx context.Context, req ConnectRequest) (*Session, Broker, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	session := &Session{
		ID:         uuid.New().String(),
		Paircode:   pairing.DerivePaircode(m.cfg.App, req.DeviceName),
		DeviceName: req.DeviceName,
		StartedAt:  time.Now().UTC(),
	}
	topics := session.Topics()

	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "vrlink-" + session.ID[:8]
	}

	// The will mirrors the offline status we publish on clean disconnect,
	// so the remote observes teardown even if this process dies.
	will, err := statusPayload(false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode will: %w", ErrConnectionFailed, err)
	}

	broker, err := m.dialer.Dial(DialOptions{
		ClientID:    clientID,
		WillTopic:   topics.Status(),
		WillPayload: will,
		WillQoS:     m.cfg.QoS,
		OnReconnect: m.republishPresence,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial: %w", ErrConnectionFailed, err)
	}

	if err := broker.Subscribe(topics.Status(), m.cfg.QoS, m.gateway.HandleMessage); err != nil {
		m.unwind(broker)
		return nil, nil, fmt.Errorf("%w: subscribe status: %w", ErrConnectionFailed, err)
	}
	if err := broker.Subscribe(topics.Data(), m.cfg.QoS, m.gateway.HandleMessage); err != nil {
		m.unwind(broker, topics.Status())
		return nil, nil, fmt.Errorf("%w: subscribe data: %w", ErrConnectionFailed, err)
	}

	// Bind before the presence publish so initial event activation (and any
	// early inbound traffic) runs against this session.
	m.gateway.bind(broker, topics, m.cfg.QoS)

	online, err := statusPayload(true)
	if err == nil {
		err = broker.Publish(topics.Status(), online, m.cfg.QoS)
	}
	if err != nil {
		m.gateway.unbind()
		m.unwind(broker, topics.Data(), topics.Status())
		return nil, nil, fmt.Errorf("%w: publish presence: %w", ErrConnectionFailed, err)
	}

	if len(req.Events) > 0 {
		if err := m.gateway.Activate(ctx, req.Events); err != nil {
			m.gateway.unbind()
			m.unwind(broker, topics.Data(), topics.Status())
			return nil, nil, fmt.Errorf("%w: activate initial events: %w", ErrConnectionFailed, err)
		}
	}

	return session, broker, nil
}

// unwind releases a partially established connection: best-effort
// unsubscribes followed by a transport close. Failures are logged, not
// returned; the connect error that triggered the unwind is the one the
// caller reports.
func (m *Manager) unwind(broker Broker, topics ...string) {
	for _, topic := range topics {
		if err := broker.Unsubscribe(topic); err != nil {
			m.logWarn("failed to unsubscribe during unwind", "topic", topic, "error", err)
		}
	}
	if err := broker.Close(); err != nil {
		m.logWarn("failed to close transport during unwind", "error", err)
	}
}

// Disconnect tears down the active session: unsubscribe data then status
// (reverse of the subscribe order), publish the offline presence, close the
// transport, return to Idle. Teardown failures after the state gate are
// logged and teardown continues; the manager always re-arms.
//
// Returns ErrNotConnected from Idle and ErrBusy during a transition.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return ErrNotConnected
	case StateConnecting, StateDisconnecting:
		m.mu.Unlock()
		return ErrBusy
	}
	session := *m.session
	broker := m.broker
	m.state = StateDisconnecting
	m.mu.Unlock()

	eventsIn, eventsOut := m.gateway.counters()
	m.gateway.unbind()

	topics := session.Topics()

	if err := broker.Unsubscribe(topics.Data()); err != nil {
		m.logWarn("failed to unsubscribe data", "error", err)
	}
	if err := broker.Unsubscribe(topics.Status()); err != nil {
		m.logWarn("failed to unsubscribe status", "error", err)
	}

	offline, err := statusPayload(false)
	if err == nil {
		err = broker.Publish(topics.Status(), offline, m.cfg.QoS)
	}
	if err != nil {
		m.logWarn("failed to publish offline status", "error", err)
	}

	if err := broker.Close(); err != nil {
		m.logWarn("failed to close transport", "error", err)
	}

	m.mu.Lock()
	m.session = nil
	m.broker = nil
	m.peerSeen = false
	m.state = StateIdle
	m.mu.Unlock()

	m.logInfo("session disconnected",
		"session_id", session.ID,
		"paircode", session.Paircode,
		"events_in", eventsIn,
		"events_out", eventsOut)

	if m.recorder != nil {
		if err := m.recorder.SessionEnded(ctx, session.ID, time.Now().UTC(), eventsIn, eventsOut); err != nil {
			m.logWarn("failed to record session end", "error", err)
		}
	}
	if m.telemetry != nil {
		m.telemetry.SessionEvent(SessionEventDisconnect, session.Paircode)
	}
	return nil
}

// Shutdown releases the active session if one exists. Unlike Disconnect it
// treats an idle manager as success, so teardown paths can call it
// unconditionally.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.Disconnect(ctx)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// republishPresence re-announces the online status after the transport
// reconnects. A dropped connection makes the broker publish the will, so
// until the announcement repeats the remote peer believes this side is gone.
// Safe to fire in any state; only a connected session publishes.
func (m *Manager) republishPresence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.broker == nil {
		return
	}

	online, err := statusPayload(true)
	if err != nil {
		m.logWarn("failed to encode presence", "error", err)
		return
	}
	if err := m.broker.Publish(m.session.Topics().Status(), online, m.cfg.QoS); err != nil {
		m.logWarn("failed to republish presence after reconnect",
			"paircode", m.session.Paircode,
			"error", err)
		return
	}
	m.logInfo("presence republished after reconnect", "paircode", m.session.Paircode)
}

// notePeerSeen records the first remote peer arrival of the session. Fired
// by the gateway on every remote online status; duplicates are collapsed
// here so history records the arrival once.
func (m *Manager) notePeerSeen() {
	m.mu.Lock()
	if m.session == nil || m.peerSeen {
		m.mu.Unlock()
		return
	}
	m.peerSeen = true
	session := *m.session
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.PeerSeen(context.Background(), session.ID); err != nil {
			m.logWarn("failed to record peer arrival", "error", err)
		}
	}
	if m.telemetry != nil {
		m.telemetry.SessionEvent(SessionEventPeerSeen, session.Paircode)
	}
}

// statusPayload encodes our presence announcement.
func statusPayload(connected bool) ([]byte, error) {
	return json.Marshal(pairing.NewStatus(pairing.PeerVR, connected))
}

// logInfo logs an info message if logger is set.
func (m *Manager) logInfo(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (m *Manager) logWarn(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
