package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeBroker implements Broker for testing, recording operations in order.
type fakeBroker struct {
	mu           sync.Mutex
	ops          []string
	published    []fakePublish
	subscribed   []fakeSubscription
	unsubscribed []string
	closed       bool
	handlers     map[string]func(topic string, payload []byte) error

	publishErrOn   map[string]error
	subscribeErrOn map[string]error
	unsubscribeErr error
	blockSubscribe chan struct{}
}

type fakePublish struct {
	Topic   string
	Payload string
	QoS     byte
}

type fakeSubscription struct {
	Topic string
	QoS   byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:       make(map[string]func(topic string, payload []byte) error),
		publishErrOn:   make(map[string]error),
		subscribeErrOn: make(map[string]error),
	}
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.publishErrOn[topic]; err != nil {
		return err
	}
	b.ops = append(b.ops, "publish:"+topic)
	b.published = append(b.published, fakePublish{Topic: topic, Payload: string(payload), QoS: qos})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	if b.blockSubscribe != nil {
		<-b.blockSubscribe
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.subscribeErrOn[topic]; err != nil {
		return err
	}
	b.ops = append(b.ops, "subscribe:"+topic)
	b.subscribed = append(b.subscribed, fakeSubscription{Topic: topic, QoS: qos})
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubscribeErr != nil {
		return b.unsubscribeErr
	}
	b.ops = append(b.ops, "unsubscribe:"+topic)
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "close")
	b.closed = true
	return nil
}

// Simulate delivers an inbound message to the registered handler.
func (b *fakeBroker) Simulate(topic string, payload []byte) {
	b.mu.Lock()
	handler, ok := b.handlers[topic]
	b.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

func (b *fakeBroker) opsSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

func (b *fakeBroker) publishedSnapshot() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublish(nil), b.published...)
}

func (b *fakeBroker) subscribedSnapshot() []fakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeSubscription(nil), b.subscribed...)
}

func (b *fakeBroker) unsubscribedSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unsubscribed...)
}

func (b *fakeBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fakeDialer implements Dialer for testing.
type fakeDialer struct {
	mu      sync.Mutex
	broker  *fakeBroker
	dialErr error
	dials   []DialOptions
	dialed  chan struct{}
}

func (d *fakeDialer) Dial(opts DialOptions) (Broker, error) {
	d.mu.Lock()
	d.dials = append(d.dials, opts)
	dialed := d.dialed
	err := d.dialErr
	d.mu.Unlock()

	if dialed != nil {
		select {
		case dialed <- struct{}{}:
		default:
		}
	}
	if err != nil {
		return nil, err
	}
	return d.broker, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dialsSnapshot() []DialOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialOptions(nil), d.dials...)
}

// fakeEnvironment implements Environment for testing.
type fakeEnvironment struct {
	mu            sync.Mutex
	peerConnected int
	dispatched    []dispatchedEvent
}

type dispatchedEvent struct {
	Name   string
	Detail string
}

func (e *fakeEnvironment) PeerConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerConnected++
}

func (e *fakeEnvironment) DispatchEvent(name string, detail json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatched = append(e.dispatched, dispatchedEvent{Name: name, Detail: string(detail)})
}

func (e *fakeEnvironment) peerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerConnected
}

func (e *fakeEnvironment) dispatchedSnapshot() []dispatchedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dispatchedEvent(nil), e.dispatched...)
}

// fakeRecorder implements Recorder for testing.
type fakeRecorder struct {
	mu      sync.Mutex
	started []Session
	peers   []string
	ended   []sessionEnd
}

type sessionEnd struct {
	SessionID string
	EventsIn  int64
	EventsOut int64
}

func (r *fakeRecorder) SessionStarted(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
	return nil
}

func (r *fakeRecorder) PeerSeen(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, sessionID)
	return nil
}

func (r *fakeRecorder) SessionEnded(ctx context.Context, sessionID string, endedAt time.Time, eventsIn, eventsOut int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, sessionEnd{SessionID: sessionID, EventsIn: eventsIn, EventsOut: eventsOut})
	return nil
}

// fakeTelemetry implements Telemetry for testing.
type fakeTelemetry struct {
	mu       sync.Mutex
	sessions []string
	relays   []string
}

func (t *fakeTelemetry) SessionEvent(kind, paircode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = append(t.sessions, kind+":"+paircode)
}

func (t *fakeTelemetry) RelayEvent(paircode, eventType, direction string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.relays = append(t.relays, direction+":"+eventType)
}

// Ensure the fakes implement their interfaces.
var (
	_ Broker      = (*fakeBroker)(nil)
	_ Dialer      = (*fakeDialer)(nil)
	_ Environment = (*fakeEnvironment)(nil)
	_ Recorder    = (*fakeRecorder)(nil)
	_ Telemetry   = (*fakeTelemetry)(nil)
)

// newTestRelay wires a manager and gateway over fakes.
func newTestRelay() (*Manager, *Gateway, *fakeDialer, *fakeBroker, *fakeEnvironment) {
	env := &fakeEnvironment{}
	gateway := NewGateway(env)
	broker := newFakeBroker()
	dialer := &fakeDialer{broker: broker}
	manager := NewManager(ManagerConfig{App: "vrlink", QoS: 1}, dialer, gateway)
	return manager, gateway, dialer, broker, env
}

// =============================================================================
// Connect Tests
// =============================================================================

func TestConnect(t *testing.T) {
	manager, _, dialer, broker, _ := newTestRelay()

	err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "My Device"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if state := manager.State(); state != StateConnected {
		t.Errorf("State() = %q, want %q", state, StateConnected)
	}

	session, ok := manager.Session()
	if !ok {
		t.Fatal("Session() not present after connect")
	}
	if session.Paircode != "vrlink/my-device" {
		t.Errorf("Paircode = %q, want %q", session.Paircode, "vrlink/my-device")
	}
	if session.DeviceName != "My Device" {
		t.Errorf("DeviceName = %q, want %q", session.DeviceName, "My Device")
	}
	if session.ID == "" {
		t.Error("session ID is empty")
	}

	// Subscriptions in order: status then data, both at the session QoS.
	subs := broker.subscribedSnapshot()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(subs))
	}
	if subs[0].Topic != "vrlink/my-device/status" || subs[0].QoS != 1 {
		t.Errorf("first subscription = %+v, want status at QoS 1", subs[0])
	}
	if subs[1].Topic != "vrlink/my-device/data" || subs[1].QoS != 1 {
		t.Errorf("second subscription = %+v, want data at QoS 1", subs[1])
	}

	// Exactly one publish: the online presence.
	pubs := broker.publishedSnapshot()
	if len(pubs) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pubs))
	}
	if pubs[0].Topic != "vrlink/my-device/status" {
		t.Errorf("publish topic = %q", pubs[0].Topic)
	}
	if pubs[0].Payload != `{"type":"vr","connected":true}` {
		t.Errorf("publish payload = %s", pubs[0].Payload)
	}
	if pubs[0].QoS != 1 {
		t.Errorf("publish QoS = %d, want 1", pubs[0].QoS)
	}

	// The dial registered an offline-status will on the status topic.
	dials := dialer.dialsSnapshot()
	if len(dials) != 1 {
		t.Fatalf("dials = %d, want 1", len(dials))
	}
	if dials[0].WillTopic != "vrlink/my-device/status" {
		t.Errorf("WillTopic = %q", dials[0].WillTopic)
	}
	if string(dials[0].WillPayload) != `{"type":"vr","connected":false}` {
		t.Errorf("WillPayload = %s", dials[0].WillPayload)
	}
	if dials[0].WillQoS != 1 {
		t.Errorf("WillQoS = %d, want 1", dials[0].WillQoS)
	}
	if dials[0].OnReconnect == nil {
		t.Error("dial options missing reconnect hook")
	}
}

func TestConnect_MissingDeviceName(t *testing.T) {
	manager, _, dialer, _, _ := newTestRelay()

	err := manager.Connect(context.Background(), ConnectRequest{})
	if err == nil {
		t.Fatal("Connect() expected error for missing device name")
	}

	if !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("error = %v, want ErrMalformedRequest", err)
	}

	var malformed *MalformedRequestError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %T, want *MalformedRequestError", err)
	}
	if malformed.Trigger != TriggerConnect {
		t.Errorf("Trigger = %q, want %q", malformed.Trigger, TriggerConnect)
	}
	if malformed.Field != "deviceName" {
		t.Errorf("Field = %q, want %q", malformed.Field, "deviceName")
	}

	// Validation runs before any side effect: the broker was never dialed.
	if dialer.dialCount() != 0 {
		t.Errorf("dials = %d, want 0", dialer.dialCount())
	}
	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

func TestConnect_WithInitialEvents(t *testing.T) {
	manager, gateway, _, broker, _ := newTestRelay()

	err := manager.Connect(context.Background(), ConnectRequest{
		DeviceName: "duck",
		Events:     []string{"keydown", "mousemove"},
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	pubs := broker.publishedSnapshot()
	if len(pubs) != 3 {
		t.Fatalf("publishes = %d, want 3 (presence + two activations)", len(pubs))
	}
	if pubs[0].Topic != "vrlink/duck/status" {
		t.Errorf("first publish = %q, want presence before activations", pubs[0].Topic)
	}
	if pubs[1].Topic != "vrlink/duck/add_event_listener" || pubs[1].Payload != `{"type":"keydown"}` {
		t.Errorf("second publish = %+v", pubs[1])
	}
	if pubs[2].Topic != "vrlink/duck/add_event_listener" || pubs[2].Payload != `{"type":"mousemove"}` {
		t.Errorf("third publish = %+v", pubs[2])
	}

	active := gateway.ActiveEvents()
	if len(active) != 2 || active[0] != "keydown" || active[1] != "mousemove" {
		t.Errorf("ActiveEvents() = %v", active)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	manager, _, dialer, _, _ := newTestRelay()
	dialer.dialErr = errors.New("connection refused")

	err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}

	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
	if _, ok := manager.Session(); ok {
		t.Error("Session() present after failed connect")
	}
}

func TestConnect_SubscribeStatusFailure(t *testing.T) {
	manager, _, _, broker, _ := newTestRelay()
	broker.subscribeErrOn["vrlink/duck/status"] = errors.New("subscribe denied")

	err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}

	if !broker.isClosed() {
		t.Error("transport not closed after failed connect")
	}
	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

func TestConnect_SubscribeDataFailure(t *testing.T) {
	manager, _, _, broker, _ := newTestRelay()
	broker.subscribeErrOn["vrlink/duck/data"] = errors.New("subscribe denied")

	err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}

	// The status subscription made it up and must be unwound.
	unsubs := broker.unsubscribedSnapshot()
	if len(unsubs) != 1 || unsubs[0] != "vrlink/duck/status" {
		t.Errorf("unsubscribed = %v, want [vrlink/duck/status]", unsubs)
	}
	if !broker.isClosed() {
		t.Error("transport not closed after failed connect")
	}
	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

func TestConnect_PresencePublishFailure(t *testing.T) {
	manager, gateway, _, broker, _ := newTestRelay()
	broker.publishErrOn["vrlink/duck/status"] = errors.New("publish denied")

	err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}

	// Both subscriptions unwound, data first.
	unsubs := broker.unsubscribedSnapshot()
	if len(unsubs) != 2 || unsubs[0] != "vrlink/duck/data" || unsubs[1] != "vrlink/duck/status" {
		t.Errorf("unsubscribed = %v, want [data, status]", unsubs)
	}
	if !broker.isClosed() {
		t.Error("transport not closed after failed connect")
	}
	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}

	// No partial session: the gateway was unbound again.
	if err := gateway.PublishEvent(context.Background(), "keydown", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishEvent() after failed connect = %v, want ErrNotConnected", err)
	}
}

func TestConnect_InitialActivationFailure(t *testing.T) {
	manager, gateway, _, broker, _ := newTestRelay()
	broker.publishErrOn["vrlink/duck/add_event_listener"] = errors.New("publish denied")

	err := manager.Connect(context.Background(), ConnectRequest{
		DeviceName: "duck",
		Events:     []string{"keydown"},
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}

	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
	if active := gateway.ActiveEvents(); len(active) != 0 {
		t.Errorf("ActiveEvents() = %v, want empty after failed connect", active)
	}
	if !broker.isClosed() {
		t.Error("transport not closed after failed connect")
	}
}

func TestConnect_WhileConnected(t *testing.T) {
	manager, _, dialer, _, _ := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	original, _ := manager.Session()

	err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "other"})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}

	// The existing session is untouched.
	current, ok := manager.Session()
	if !ok {
		t.Fatal("Session() missing after rejected connect")
	}
	if current.ID != original.ID {
		t.Errorf("session ID changed: %q -> %q", original.ID, current.ID)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}
}

func TestConnect_WhileConnecting(t *testing.T) {
	manager, _, dialer, broker, _ := newTestRelay()
	broker.blockSubscribe = make(chan struct{})
	dialer.dialed = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"})
	}()

	// Wait until the first connect is past the state gate and inside dial.
	<-dialer.dialed

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "other"}); !errors.Is(err, ErrBusy) {
		t.Errorf("Connect() during transition = %v, want ErrBusy", err)
	}
	if err := manager.Disconnect(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Disconnect() during transition = %v, want ErrBusy", err)
	}

	close(broker.blockSubscribe)
	if err := <-done; err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if state := manager.State(); state != StateConnected {
		t.Errorf("State() = %q, want %q", state, StateConnected)
	}
}

func TestConnect_GeneratedClientID(t *testing.T) {
	manager, _, dialer, _, _ := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	dials := dialer.dialsSnapshot()
	if len(dials) != 2 {
		t.Fatalf("dials = %d, want 2", len(dials))
	}
	for i, d := range dials {
		if !strings.HasPrefix(d.ClientID, "vrlink-") {
			t.Errorf("dial %d ClientID = %q, want vrlink- prefix", i, d.ClientID)
		}
		if len(d.ClientID) != len("vrlink-")+8 {
			t.Errorf("dial %d ClientID length = %d", i, len(d.ClientID))
		}
	}
	if dials[0].ClientID == dials[1].ClientID {
		t.Errorf("client IDs not regenerated per session: %q", dials[0].ClientID)
	}
}

func TestConnect_ConfiguredClientID(t *testing.T) {
	env := &fakeEnvironment{}
	gateway := NewGateway(env)
	broker := newFakeBroker()
	dialer := &fakeDialer{broker: broker}
	manager := NewManager(ManagerConfig{App: "vrlink", ClientID: "vrlink-lab", QoS: 1}, dialer, gateway)

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dials := dialer.dialsSnapshot()
	if dials[0].ClientID != "vrlink-lab" {
		t.Errorf("ClientID = %q, want %q", dials[0].ClientID, "vrlink-lab")
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	manager, _, dialer, _, _ := newTestRelay()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.Connect(ctx, ConnectRequest{DeviceName: "duck"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}
	if dialer.dialCount() != 0 {
		t.Errorf("dials = %d, want 0", dialer.dialCount())
	}
	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestDisconnect(t *testing.T) {
	manager, _, _, broker, _ := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
	if _, ok := manager.Session(); ok {
		t.Error("Session() present after disconnect")
	}

	// Teardown order: unsubscribe data, unsubscribe status, publish offline,
	// close.
	ops := broker.opsSnapshot()
	want := []string{
		"unsubscribe:vrlink/duck/data",
		"unsubscribe:vrlink/duck/status",
		"publish:vrlink/duck/status",
		"close",
	}
	if len(ops) < len(want) {
		t.Fatalf("ops = %v", ops)
	}
	tail := ops[len(ops)-len(want):]
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("teardown ops = %v, want suffix %v", tail, want)
		}
	}

	// The final publish is the offline presence at the session QoS.
	pubs := broker.publishedSnapshot()
	last := pubs[len(pubs)-1]
	if last.Payload != `{"type":"vr","connected":false}` {
		t.Errorf("offline payload = %s", last.Payload)
	}
	if last.QoS != 1 {
		t.Errorf("offline QoS = %d, want 1", last.QoS)
	}
}

func TestDisconnect_WhileIdle(t *testing.T) {
	manager, _, _, _, _ := newTestRelay()

	err := manager.Disconnect(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect() = %v, want ErrNotConnected", err)
	}
}

func TestDisconnect_UnsubscribeFailureContinues(t *testing.T) {
	manager, _, _, broker, _ := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	broker.unsubscribeErr = errors.New("unsubscribe denied")

	if err := manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v, want nil (teardown continues)", err)
	}

	// Offline presence still published, transport still closed.
	pubs := broker.publishedSnapshot()
	last := pubs[len(pubs)-1]
	if last.Payload != `{"type":"vr","connected":false}` {
		t.Errorf("offline payload = %s", last.Payload)
	}
	if !broker.isClosed() {
		t.Error("transport not closed")
	}
	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

func TestDisconnect_RearmsConnect(t *testing.T) {
	manager, _, _, _, _ := newTestRelay()

	for i := 0; i < 3; i++ {
		if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
			t.Fatalf("Connect() cycle %d error = %v", i, err)
		}
		if err := manager.Disconnect(context.Background()); err != nil {
			t.Fatalf("Disconnect() cycle %d error = %v", i, err)
		}
	}

	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

// =============================================================================
// Shutdown Tests
// =============================================================================

func TestShutdown_Idle(t *testing.T) {
	manager, _, _, _, _ := newTestRelay()

	if err := manager.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on idle manager = %v, want nil", err)
	}
}

func TestShutdown_Connected(t *testing.T) {
	manager, _, _, broker, _ := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := manager.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	if !broker.isClosed() {
		t.Error("transport not closed")
	}
	if state := manager.State(); state != StateIdle {
		t.Errorf("State() = %q, want %q", state, StateIdle)
	}
}

// =============================================================================
// Reconnect Tests
// =============================================================================

func TestReconnect_RepublishesPresence(t *testing.T) {
	manager, _, dialer, broker, _ := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The transport dropping and recovering fires the hook captured at dial
	// time; the peer saw our will during the outage, so presence repeats.
	dialer.dialsSnapshot()[0].OnReconnect()

	pubs := broker.publishedSnapshot()
	if len(pubs) != 2 {
		t.Fatalf("publishes = %d, want 2 (presence plus re-announcement)", len(pubs))
	}
	last := pubs[1]
	if last.Topic != "vrlink/duck/status" {
		t.Errorf("republish topic = %q, want %q", last.Topic, "vrlink/duck/status")
	}
	if last.Payload != `{"type":"vr","connected":true}` {
		t.Errorf("republish payload = %s", last.Payload)
	}
	if last.QoS != 1 {
		t.Errorf("republish QoS = %d, want 1", last.QoS)
	}
}

func TestReconnect_AfterTeardownIsNoop(t *testing.T) {
	manager, _, dialer, broker, _ := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	hook := dialer.dialsSnapshot()[0].OnReconnect
	if err := manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	before := len(broker.publishedSnapshot())
	hook()

	if after := len(broker.publishedSnapshot()); after != before {
		t.Errorf("publishes after late reconnect = %d, want %d", after, before)
	}
}

// =============================================================================
// Session Cycle Tests
// =============================================================================

func TestSessionCycle_PeerConnectedNotification(t *testing.T) {
	manager, _, _, broker, env := newTestRelay()

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	broker.Simulate("vrlink/duck/status", []byte(`{"type":"remote","connected":true}`))

	if count := env.peerCount(); count != 1 {
		t.Errorf("peer-connected notifications = %d, want exactly 1", count)
	}

	if err := manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	// Offline presence precedes the transport close.
	ops := broker.opsSnapshot()
	publishIdx, closeIdx := -1, -1
	for i, op := range ops {
		switch op {
		case "publish:vrlink/duck/status":
			publishIdx = i
		case "close":
			closeIdx = i
		}
	}
	if publishIdx == -1 || closeIdx == -1 || publishIdx > closeIdx {
		t.Errorf("ops = %v, want offline publish before close", ops)
	}
}

func TestSessionCycle_RecorderAndTelemetry(t *testing.T) {
	manager, gateway, _, broker, _ := newTestRelay()
	recorder := &fakeRecorder{}
	telemetry := &fakeTelemetry{}
	manager.SetRecorder(recorder)
	manager.SetTelemetry(telemetry)

	if err := manager.Connect(context.Background(), ConnectRequest{DeviceName: "duck"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	session, _ := manager.Session()

	recorder.mu.Lock()
	if len(recorder.started) != 1 || recorder.started[0].ID != session.ID {
		t.Errorf("started = %+v", recorder.started)
	}
	recorder.mu.Unlock()

	// Remote arrives twice; history records the arrival once.
	broker.Simulate("vrlink/duck/status", []byte(`{"type":"remote","connected":true}`))
	broker.Simulate("vrlink/duck/status", []byte(`{"type":"remote","connected":true}`))

	recorder.mu.Lock()
	if len(recorder.peers) != 1 || recorder.peers[0] != session.ID {
		t.Errorf("peers = %v, want one entry for %s", recorder.peers, session.ID)
	}
	recorder.mu.Unlock()

	// One event in, one out.
	broker.Simulate("vrlink/duck/data", []byte(`{"type":"keydown","detail":{"code":"KeyW"}}`))
	if err := gateway.PublishEvent(context.Background(), "pose", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	if err := manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	recorder.mu.Lock()
	if len(recorder.ended) != 1 {
		t.Fatalf("ended = %+v", recorder.ended)
	}
	end := recorder.ended[0]
	recorder.mu.Unlock()

	if end.SessionID != session.ID {
		t.Errorf("ended SessionID = %q, want %q", end.SessionID, session.ID)
	}
	if end.EventsIn != 1 || end.EventsOut != 1 {
		t.Errorf("ended counters = in %d out %d, want 1/1", end.EventsIn, end.EventsOut)
	}

	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()
	wantSessions := []string{
		"connect:vrlink/duck",
		"peer_seen:vrlink/duck",
		"disconnect:vrlink/duck",
	}
	if len(telemetry.sessions) != len(wantSessions) {
		t.Fatalf("session events = %v", telemetry.sessions)
	}
	for i := range wantSessions {
		if telemetry.sessions[i] != wantSessions[i] {
			t.Errorf("session event %d = %q, want %q", i, telemetry.sessions[i], wantSessions[i])
		}
	}
	wantRelays := []string{"in:keydown", "out:pose"}
	if len(telemetry.relays) != len(wantRelays) {
		t.Fatalf("relay events = %v", telemetry.relays)
	}
	for i := range wantRelays {
		if telemetry.relays[i] != wantRelays[i] {
			t.Errorf("relay event %d = %q, want %q", i, telemetry.relays[i], wantRelays[i])
		}
	}
}
