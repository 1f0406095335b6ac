package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vrlink/vrlink-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// ConnectOptions carries per-connection settings the config file cannot know:
// the client identity and an optional last-will message for the session.
type ConnectOptions struct {
	// ClientID identifies this connection to the broker. Required.
	ClientID string

	// Will, when non-nil, is registered with the broker and published by it
	// if the connection drops without a graceful disconnect.
	Will *Will
}

// Will is a broker-published message announcing an ungraceful disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// buildClientOptions creates paho MQTT options from VRLink config.
//
// This configures:
//   - Broker URL from scheme/host/port (plus path for websocket transports)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff
//   - TLS configuration for ssl/wss schemes
//   - Clean session mode
func buildClientOptions(cfg config.BrokerConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg))

	// Client identification
	opts.SetClientID(clientID)

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	// Auto-reconnect with exponential backoff
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	// Connection timeout
	opts.SetConnectTimeout(defaultConnectTimeout)

	// Keepalive - broker sends PINGs to detect dead connections
	opts.SetKeepAlive(defaultKeepAlive)

	// TLS configuration for secure schemes
	if cfg.Scheme == "ssl" || cfg.Scheme == "wss" {
		tlsConfig := &tls.Config{
			MinVersion: tlsMinVersion,
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts
}

// brokerURL assembles the broker URL from the configured scheme, address,
// and optional path. The path only applies to websocket transports, where
// brokers expose MQTT on an HTTP endpoint (commonly "/mqtt").
func brokerURL(cfg config.BrokerConfig) string {
	url := fmt.Sprintf("%s://%s:%d", cfg.Scheme, cfg.Host, cfg.Port)
	if cfg.Path != "" && (cfg.Scheme == "ws" || cfg.Scheme == "wss") {
		url += cfg.Path
	}
	return url
}

// configureWill registers the caller-supplied last-will message.
//
// The broker publishes the will if the client disconnects unexpectedly
// (crash, network failure, etc.). The relay layer passes the session's
// offline status message here so the remote peer observes teardown even
// when this process dies mid-session.
func configureWill(opts *pahomqtt.ClientOptions, will *Will) {
	opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, false)
}
