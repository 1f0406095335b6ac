package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vrlink/vrlink-core/internal/pairing"
)

// newBoundGateway returns a gateway bound to a fake broker for the
// "vrlink/duck" session.
func newBoundGateway() (*Gateway, *fakeBroker, *fakeEnvironment) {
	env := &fakeEnvironment{}
	gateway := NewGateway(env)
	broker := newFakeBroker()
	gateway.bind(broker, pairing.Topics{Paircode: "vrlink/duck"}, 1)
	return gateway, broker, env
}

// =============================================================================
// Inbound Routing Tests
// =============================================================================

func TestHandleMessage_RemoteOnlineStatus(t *testing.T) {
	gateway, _, env := newBoundGateway()

	err := gateway.HandleMessage("vrlink/duck/status", []byte(`{"type":"remote","connected":true}`))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if count := env.peerCount(); count != 1 {
		t.Errorf("peer-connected notifications = %d, want 1", count)
	}
}

func TestHandleMessage_StatusIgnored(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "own echo", payload: `{"type":"vr","connected":true}`},
		{name: "remote leaving", payload: `{"type":"remote","connected":false}`},
		{name: "unknown role", payload: `{"type":"observer","connected":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway, _, env := newBoundGateway()

			if err := gateway.HandleMessage("vrlink/duck/status", []byte(tt.payload)); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if count := env.peerCount(); count != 0 {
				t.Errorf("peer-connected notifications = %d, want 0", count)
			}
		})
	}
}

func TestHandleMessage_Data(t *testing.T) {
	gateway, _, env := newBoundGateway()

	err := gateway.HandleMessage("vrlink/duck/data", []byte(`{"type":"keydown","detail":{"code":"KeyW"}}`))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	dispatched := env.dispatchedSnapshot()
	if len(dispatched) != 1 {
		t.Fatalf("dispatched = %d events, want 1", len(dispatched))
	}
	// The event name comes from the payload, not the topic.
	if dispatched[0].Name != "keydown" {
		t.Errorf("Name = %q, want %q", dispatched[0].Name, "keydown")
	}
	if dispatched[0].Detail != `{"code":"KeyW"}` {
		t.Errorf("Detail = %s", dispatched[0].Detail)
	}

	if in, _ := gateway.counters(); in != 1 {
		t.Errorf("inbound counter = %d, want 1", in)
	}
}

func TestHandleMessage_MalformedDataDropped(t *testing.T) {
	gateway, _, env := newBoundGateway()

	// A stream of garbage must not stop the relay.
	garbage := []string{
		`not json at all`,
		`{"detail":{"code":"KeyW"}}`,
		`{"type":""}`,
		``,
		`[1,2,3]`,
	}
	for _, payload := range garbage {
		if err := gateway.HandleMessage("vrlink/duck/data", []byte(payload)); err != nil {
			t.Fatalf("HandleMessage(%q) error = %v", payload, err)
		}
	}

	if len(env.dispatchedSnapshot()) != 0 {
		t.Fatalf("dispatched = %v, want none", env.dispatchedSnapshot())
	}

	// The next valid message still relays.
	if err := gateway.HandleMessage("vrlink/duck/data", []byte(`{"type":"click"}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	dispatched := env.dispatchedSnapshot()
	if len(dispatched) != 1 || dispatched[0].Name != "click" {
		t.Errorf("dispatched = %v, want one click event", dispatched)
	}
}

func TestHandleMessage_UnhandledSubtopics(t *testing.T) {
	gateway, broker, env := newBoundGateway()

	topics := []string{
		"vrlink/duck/add_event_listener",
		"vrlink/duck/remove_event_listener",
		"vrlink/duck/telemetry",
	}
	for _, topic := range topics {
		if err := gateway.HandleMessage(topic, []byte(`{"type":"keydown"}`)); err != nil {
			t.Fatalf("HandleMessage(%s) error = %v", topic, err)
		}
	}

	if count := env.peerCount(); count != 0 {
		t.Errorf("peer-connected notifications = %d, want 0", count)
	}
	if len(env.dispatchedSnapshot()) != 0 {
		t.Errorf("dispatched = %v, want none", env.dispatchedSnapshot())
	}
	if len(broker.publishedSnapshot()) != 0 {
		t.Errorf("publishes = %v, want none", broker.publishedSnapshot())
	}
	if active := gateway.ActiveEvents(); len(active) != 0 {
		t.Errorf("ActiveEvents() = %v, want empty", active)
	}
}

// =============================================================================
// Listener Control Tests
// =============================================================================

func TestActivate_Connected(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	err := gateway.Activate(context.Background(), []string{"keydown"})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	pubs := broker.publishedSnapshot()
	if len(pubs) != 1 {
		t.Fatalf("publishes = %d, want exactly 1", len(pubs))
	}
	if pubs[0].Topic != "vrlink/duck/add_event_listener" {
		t.Errorf("topic = %q", pubs[0].Topic)
	}
	if pubs[0].Payload != `{"type":"keydown"}` {
		t.Errorf("payload = %s", pubs[0].Payload)
	}
	if pubs[0].QoS != 1 {
		t.Errorf("QoS = %d, want 1", pubs[0].QoS)
	}

	active := gateway.ActiveEvents()
	if len(active) != 1 || active[0] != "keydown" {
		t.Errorf("ActiveEvents() = %v", active)
	}
}

func TestActivate_NotConnected(t *testing.T) {
	env := &fakeEnvironment{}
	gateway := NewGateway(env)
	broker := newFakeBroker()
	gateway.bind(broker, pairing.Topics{Paircode: "vrlink/duck"}, 1)
	gateway.unbind()

	// No session: no publish, no error, just a diagnostic.
	if err := gateway.Activate(context.Background(), []string{"keydown"}); err != nil {
		t.Fatalf("Activate() without session = %v, want nil", err)
	}

	if len(broker.publishedSnapshot()) != 0 {
		t.Errorf("publishes = %v, want none", broker.publishedSnapshot())
	}
	if active := gateway.ActiveEvents(); len(active) != 0 {
		t.Errorf("ActiveEvents() = %v, want empty", active)
	}
}

func TestActivate_DuplicateRepublishes(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	for i := 0; i < 2; i++ {
		if err := gateway.Activate(context.Background(), []string{"keydown"}); err != nil {
			t.Fatalf("Activate() %d error = %v", i, err)
		}
	}

	if pubs := broker.publishedSnapshot(); len(pubs) != 2 {
		t.Errorf("publishes = %d, want 2 (duplicate republishes)", len(pubs))
	}
	if active := gateway.ActiveEvents(); len(active) != 1 {
		t.Errorf("ActiveEvents() = %v, want single entry", active)
	}
}

func TestActivate_MultipleEventsInOrder(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	err := gateway.Activate(context.Background(), []string{"keydown", "keyup", "mousemove"})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	pubs := broker.publishedSnapshot()
	want := []string{`{"type":"keydown"}`, `{"type":"keyup"}`, `{"type":"mousemove"}`}
	if len(pubs) != len(want) {
		t.Fatalf("publishes = %d, want %d", len(pubs), len(want))
	}
	for i := range want {
		if pubs[i].Payload != want[i] {
			t.Errorf("publish %d = %s, want %s", i, pubs[i].Payload, want[i])
		}
	}
}

func TestActivate_PublishFailure(t *testing.T) {
	gateway, broker, _ := newBoundGateway()
	boom := errors.New("publish denied")
	broker.publishErrOn["vrlink/duck/add_event_listener"] = boom

	err := gateway.Activate(context.Background(), []string{"keydown"})
	if !errors.Is(err, boom) {
		t.Errorf("Activate() error = %v, want wrapped %v", err, boom)
	}
	if active := gateway.ActiveEvents(); len(active) != 0 {
		t.Errorf("ActiveEvents() = %v, want empty after failed publish", active)
	}
}

func TestDeactivate(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	if err := gateway.Activate(context.Background(), []string{"keydown", "keyup"}); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := gateway.Deactivate(context.Background(), []string{"keydown"}); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	pubs := broker.publishedSnapshot()
	last := pubs[len(pubs)-1]
	if last.Topic != "vrlink/duck/remove_event_listener" {
		t.Errorf("topic = %q", last.Topic)
	}
	if last.Payload != `{"type":"keydown"}` {
		t.Errorf("payload = %s", last.Payload)
	}

	active := gateway.ActiveEvents()
	if len(active) != 1 || active[0] != "keyup" {
		t.Errorf("ActiveEvents() = %v, want [keyup]", active)
	}
}

func TestDeactivate_InactiveStillPublishes(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	if err := gateway.Deactivate(context.Background(), []string{"keydown"}); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	pubs := broker.publishedSnapshot()
	if len(pubs) != 1 || pubs[0].Topic != "vrlink/duck/remove_event_listener" {
		t.Errorf("publishes = %+v", pubs)
	}
}

func TestActiveEvents_Sorted(t *testing.T) {
	gateway, _, _ := newBoundGateway()

	if err := gateway.Activate(context.Background(), []string{"zoom", "axismove", "keydown"}); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	active := gateway.ActiveEvents()
	want := []string{"axismove", "keydown", "zoom"}
	if len(active) != len(want) {
		t.Fatalf("ActiveEvents() = %v", active)
	}
	for i := range want {
		if active[i] != want[i] {
			t.Errorf("ActiveEvents()[%d] = %q, want %q", i, active[i], want[i])
		}
	}
}

// =============================================================================
// Outbound Event Tests
// =============================================================================

func TestPublishEvent(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	err := gateway.PublishEvent(context.Background(), "pose", json.RawMessage(`{"x":1,"y":2}`))
	if err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	pubs := broker.publishedSnapshot()
	if len(pubs) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pubs))
	}
	if pubs[0].Topic != "vrlink/duck/data" {
		t.Errorf("topic = %q", pubs[0].Topic)
	}
	if pubs[0].Payload != `{"type":"pose","detail":{"x":1,"y":2}}` {
		t.Errorf("payload = %s", pubs[0].Payload)
	}
	if pubs[0].QoS != 0 {
		t.Errorf("QoS = %d, want 0", pubs[0].QoS)
	}

	if _, out := gateway.counters(); out != 1 {
		t.Errorf("outbound counter = %d, want 1", out)
	}
}

func TestPublishEvent_WithoutDetail(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	if err := gateway.PublishEvent(context.Background(), "click", nil); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	pubs := broker.publishedSnapshot()
	if pubs[0].Payload != `{"type":"click"}` {
		t.Errorf("payload = %s", pubs[0].Payload)
	}
}

func TestPublishEvent_NotConnected(t *testing.T) {
	env := &fakeEnvironment{}
	gateway := NewGateway(env)

	err := gateway.PublishEvent(context.Background(), "pose", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishEvent() = %v, want ErrNotConnected", err)
	}
}

func TestPublishEvent_InvalidDetail(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	err := gateway.PublishEvent(context.Background(), "pose", json.RawMessage(`{broken`))
	if err == nil {
		t.Fatal("PublishEvent() expected error for invalid detail")
	}
	if len(broker.publishedSnapshot()) != 0 {
		t.Errorf("publishes = %v, want none", broker.publishedSnapshot())
	}
}

// =============================================================================
// Session Scoping Tests
// =============================================================================

func TestBind_ResetsSessionScope(t *testing.T) {
	gateway, broker, _ := newBoundGateway()

	if err := gateway.Activate(context.Background(), []string{"keydown"}); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := gateway.HandleMessage("vrlink/duck/data", []byte(`{"type":"keydown"}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	// A new session starts with a clean slate.
	gateway.bind(broker, pairing.Topics{Paircode: "vrlink/goose"}, 1)

	if active := gateway.ActiveEvents(); len(active) != 0 {
		t.Errorf("ActiveEvents() = %v, want empty after rebind", active)
	}
	in, out := gateway.counters()
	if in != 0 || out != 0 {
		t.Errorf("counters = %d/%d, want 0/0 after rebind", in, out)
	}

	if err := gateway.PublishEvent(context.Background(), "pose", nil); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	pubs := broker.publishedSnapshot()
	last := pubs[len(pubs)-1]
	if last.Topic != "vrlink/goose/data" {
		t.Errorf("topic = %q, want new session's data topic", last.Topic)
	}
}
