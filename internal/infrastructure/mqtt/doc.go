// Package mqtt provides MQTT client connectivity for VRLink Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Caller-supplied Last Will messages for ungraceful-disconnect detection
//   - Connection health monitoring
//
// # Architecture
//
// VRLink uses MQTT as the pairing bus between the local instance and its
// remote controller peer. The broker decouples the two ends: neither needs
// to know the other's address, only the shared paircode namespace.
//
//	VRLink Core ↔ MQTT Broker ↔ Remote Controller
//
// The client is deliberately protocol-agnostic: topic construction, the
// status handshake, and all message shapes live in the pairing and relay
// packages. This package only moves validated bytes.
//
// # Security Considerations
//
//   - Use the ssl or wss scheme for production deployments
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.Broker, mqtt.ConnectOptions{
//	    ClientID: "vrlink-3f2a9c1d",
//	    Will:     &mqtt.Will{Topic: statusTopic, Payload: offline, QoS: 1},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("vrlink/my-device/data", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
