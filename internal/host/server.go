package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vrlink/vrlink-core/internal/history"
	"github.com/vrlink/vrlink-core/internal/infrastructure/config"
	"github.com/vrlink/vrlink-core/internal/infrastructure/logging"
	"github.com/vrlink/vrlink-core/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker reports the health of one infrastructure dependency.
// Satisfied by the database and InfluxDB clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the host surface server.
type Deps struct {
	Config  config.HostConfig
	Logger  *logging.Logger
	Manager *relay.Manager
	Gateway *relay.Gateway

	// Hub is created by the caller because it doubles as the relay's
	// Environment: the gateway must hold it before the server exists.
	Hub *Hub

	// History serves GET /sessions. Optional.
	History history.Repository

	// Checks are infrastructure health probes reported on GET /healthz,
	// keyed by component name. Optional.
	Checks map[string]HealthChecker

	Version string
}

// Server is the embedding-environment boundary: a small HTTP server carrying
// the WebSocket control channel plus health and session-history endpoints.
//
// It is created with New() and started with Start().
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg     config.HostConfig
	logger  *logging.Logger
	manager *relay.Manager
	gateway *relay.Gateway
	hub     *Hub
	history history.Repository
	checks  map[string]HealthChecker
	version string

	server *http.Server
	cancel context.CancelFunc // cancels the hub loop on Close()
}

// upgrader configures the WebSocket upgrader. Origins are not filtered here;
// the surface binds to loopback by default and the CORS middleware governs
// cross-origin HTTP access.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// New creates the host surface server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns an error if a required dependency is missing.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("relay manager is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("relay gateway is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		manager: deps.Manager,
		gateway: deps.Gateway,
		hub:     deps.Hub,
		history: deps.History,
		checks:  deps.Checks,
		version: deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the hub loop and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop the hub independently of the
	// parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("host surface listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("host surface error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections. Control clients are disconnected
// by the hub loop exiting.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("host surface shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down host surface: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("host health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("host surface not started")
	}

	return nil
}

// handleWS upgrades the HTTP connection to a control channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("control channel upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, frameSendBufferSize),
		manager: s.manager,
		gateway: s.gateway,
	}

	s.hub.Register(client)

	go client.writePump(s.cfg.WebSocket)
	go client.readPump(s.cfg.WebSocket)
}
