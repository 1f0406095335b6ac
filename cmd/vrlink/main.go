// VRLink Core - VR Input Relay Daemon
//
// This is the main entry point for the VRLink Core daemon. VRLink pairs a
// VR client with a remote controller through a shared message broker and
// relays input events between them:
//   - Deterministic pairing: both peers derive the paircode independently
//   - Per-session broker connections with a last-will presence announcement
//   - WebSocket control channel for the embedding environment
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/vrlink/vrlink-core/migrations"

	"github.com/vrlink/vrlink-core/internal/history"
	"github.com/vrlink/vrlink-core/internal/host"
	"github.com/vrlink/vrlink-core/internal/infrastructure/config"
	"github.com/vrlink/vrlink-core/internal/infrastructure/database"
	"github.com/vrlink/vrlink-core/internal/infrastructure/influxdb"
	"github.com/vrlink/vrlink-core/internal/infrastructure/logging"
	"github.com/vrlink/vrlink-core/internal/infrastructure/mqtt"
	"github.com/vrlink/vrlink-core/internal/relay"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds session teardown once the run context is gone.
const shutdownTimeout = 10 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting VRLink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the session history database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	sessionHistory := history.NewSQLiteRepository(db.DB)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Assemble the relay: the hub is the environment the gateway dispatches
	// into, and the dialer opens one broker connection per session.
	hub := host.NewHub(cfg.Host.WebSocket, log)
	gateway := relay.NewGateway(hub)
	dialer := &sessionDialer{cfg: cfg.Broker, log: log}

	manager := relay.NewManager(relay.ManagerConfig{
		App:      cfg.App.Name,
		ClientID: cfg.Broker.ClientID,
		QoS:      byte(cfg.Broker.QoS),
	}, dialer, gateway)
	manager.SetLogger(log)
	manager.SetRecorder(&historyRecorder{repo: sessionHistory})
	if influxClient != nil {
		manager.SetTelemetry(&influxTelemetry{client: influxClient})
	}

	// An owner socket vanishing without a disconnect frame releases the
	// session, so a crashed embedding environment never wedges the relay.
	hub.SetOnDetach(func() {
		detachCtx, detachCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer detachCancel()
		if err := manager.Shutdown(detachCtx); err != nil {
			log.Error("failed to release detached session", "error", err)
		}
	})

	// Session teardown runs before the deferred infrastructure closes
	// (LIFO), so the offline presence still reaches the broker.
	defer func() {
		teardownCtx, teardownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer teardownCancel()
		if err := manager.Shutdown(teardownCtx); err != nil {
			log.Error("error releasing session", "error", err)
		}
	}()

	// Start the host surface
	checks := map[string]host.HealthChecker{
		"database": db,
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	srv, err := host.New(host.Deps{
		Config:  cfg.Host,
		Logger:  log,
		Manager: manager,
		Gateway: gateway,
		Hub:     hub,
		History: sessionHistory,
		Checks:  checks,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating host surface: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting host surface: %w", err)
	}
	defer func() {
		log.Info("stopping host surface")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping host surface", "error", closeErr)
		}
	}()
	log.Info("host surface started", "address", fmt.Sprintf("%s:%d", cfg.Host.Host, cfg.Host.Port))

	// Verify infrastructure is healthy
	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Optional startup pairing, for deployments where the daemon should be
	// waiting on the paircode before any control client attaches. Failure is
	// not fatal; the embedding environment can still connect explicitly.
	if cfg.Autoconnect.Enabled {
		req := relay.ConnectRequest{
			DeviceName: cfg.Autoconnect.DeviceName,
			Events:     cfg.Autoconnect.Events,
		}
		if err := manager.Connect(ctx, req); err != nil {
			log.Warn("autoconnect failed", "device_name", cfg.Autoconnect.DeviceName, "error", err)
		} else {
			log.Info("autoconnect established", "device_name", cfg.Autoconnect.DeviceName)
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. Host surface
	// 2. Active session (if any)
	// 3. InfluxDB (if enabled)
	// 4. Database

	log.Info("VRLink Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses VRLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VRLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// The broker is deliberately absent: connections are per-session, so broker
// reachability is proven at connect time, not at startup.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// sessionDialer adapts the infrastructure MQTT client to the relay's Dialer
// interface. Endpoint configuration lives here; the relay supplies only the
// per-session identity and will.
type sessionDialer struct {
	cfg config.BrokerConfig
	log *logging.Logger
}

// Dial implements relay.Dialer.
func (d *sessionDialer) Dial(opts relay.DialOptions) (relay.Broker, error) {
	client, err := mqtt.Connect(d.cfg, mqtt.ConnectOptions{
		ClientID: opts.ClientID,
		Will: &mqtt.Will{
			Topic:   opts.WillTopic,
			Payload: opts.WillPayload,
			QoS:     opts.WillQoS,
		},
	})
	if err != nil {
		return nil, err
	}

	client.SetLogger(d.log)
	client.SetOnConnect(func() {
		d.log.Info("broker session connected", "client_id", opts.ClientID)
		// The broker fired the will during the outage, so the peer saw us
		// go offline. Re-announce once the subscriptions are restored.
		if opts.OnReconnect != nil {
			opts.OnReconnect()
		}
	})
	client.SetOnDisconnect(func(err error) {
		d.log.Warn("broker session connection lost", "client_id", opts.ClientID, "error", err)
	})

	return &sessionBroker{client: client}, nil
}

// sessionBroker adapts the infrastructure MQTT client to the relay's Broker
// interface. The differences are small: the relay never publishes retained
// messages, and it has no use for the retained flag in its signature.
type sessionBroker struct {
	client *mqtt.Client
}

// Publish implements relay.Broker.
func (b *sessionBroker) Publish(topic string, payload []byte, qos byte) error {
	return b.client.Publish(topic, payload, qos, false)
}

// Subscribe implements relay.Broker.
func (b *sessionBroker) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	return b.client.Subscribe(topic, qos, handler)
}

// Unsubscribe implements relay.Broker.
func (b *sessionBroker) Unsubscribe(topic string) error {
	return b.client.Unsubscribe(topic)
}

// Close implements relay.Broker.
func (b *sessionBroker) Close() error {
	return b.client.Close()
}

// historyRecorder adapts the history repository to the relay's Recorder
// interface, mapping sessions onto persistence records.
type historyRecorder struct {
	repo history.Repository
}

// SessionStarted implements relay.Recorder.
func (r *historyRecorder) SessionStarted(ctx context.Context, s relay.Session) error {
	return r.repo.Create(ctx, history.Record{
		ID:         s.ID,
		Paircode:   s.Paircode,
		DeviceName: s.DeviceName,
		StartedAt:  s.StartedAt,
	})
}

// PeerSeen implements relay.Recorder.
func (r *historyRecorder) PeerSeen(ctx context.Context, sessionID string) error {
	return r.repo.MarkPeerSeen(ctx, sessionID)
}

// SessionEnded implements relay.Recorder.
func (r *historyRecorder) SessionEnded(ctx context.Context, sessionID string, endedAt time.Time, eventsIn, eventsOut int64) error {
	return r.repo.Finish(ctx, sessionID, endedAt, eventsIn, eventsOut)
}

// influxTelemetry adapts the InfluxDB client to the relay's Telemetry
// interface. Writes are batched and asynchronous, so these never block the
// relay path.
type influxTelemetry struct {
	client *influxdb.Client
}

// SessionEvent implements relay.Telemetry.
func (t *influxTelemetry) SessionEvent(kind, paircode string) {
	t.client.WriteSessionEvent(kind, paircode)
}

// RelayEvent implements relay.Telemetry.
func (t *influxTelemetry) RelayEvent(paircode, eventType, direction string) {
	t.client.WriteRelayedEvent(paircode, eventType, direction)
}
