package host

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vrlink/vrlink-core/internal/infrastructure/config"
	"github.com/vrlink/vrlink-core/internal/infrastructure/logging"
	"github.com/vrlink/vrlink-core/internal/relay"
)

// Hub manages WebSocket control clients and fans gateway callbacks out to
// them as outbound frames.
//
// It is the relay.Environment implementation: remote events and peer
// presence arriving over the broker become event and peer_connected frames
// on every connected control channel.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*Client]struct{}

	// owner is the client whose connect frame established the live session.
	// Its departure fires onDetach so an abandoned session is torn down
	// rather than left holding the broker connection.
	owner    *Client
	onDetach func()

	mu sync.RWMutex
}

var _ relay.Environment = (*Hub)(nil)

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// SetOnDetach registers a callback fired when the session owner disconnects
// without sending a disconnect frame. The daemon wires this to the relay
// manager's shutdown. Call before the server starts accepting connections.
func (h *Hub) SetOnDetach(fn func()) {
	h.mu.Lock()
	h.onDetach = fn
	h.mu.Unlock()
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("control client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
// If the departing client owns the live session, the detach callback fires
// on its own goroutine so teardown never blocks the read pump exit.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	detached := h.owner == client
	if detached {
		h.owner = nil
	}
	onDetach := h.onDetach
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	if detached && onDetach != nil {
		h.logger.Info("session owner detached, releasing session")
		go onDetach()
	}
	h.logger.Debug("control client disconnected", "clients", h.ClientCount())
}

// claimSession marks the client as owner of the live session.
func (h *Hub) claimSession(client *Client) {
	h.mu.Lock()
	h.owner = client
	h.mu.Unlock()
}

// releaseSession clears session ownership after an orderly disconnect.
func (h *Hub) releaseSession() {
	h.mu.Lock()
	h.owner = nil
	h.mu.Unlock()
}

// PeerConnected implements relay.Environment. The remote peer came online;
// every control client hears about it.
func (h *Hub) PeerConnected() {
	data, err := json.Marshal(Frame{Type: FramePeerConnected})
	if err != nil {
		return
	}
	h.broadcast(data)
}

// DispatchEvent implements relay.Environment. A remote event arrived for an
// active listener; name and detail are forwarded verbatim.
func (h *Hub) DispatchEvent(name string, detail json.RawMessage) {
	data, err := json.Marshal(Frame{Type: FrameEvent, Event: name, Payload: detail})
	if err != nil {
		h.logger.Error("failed to marshal event frame", "event", name, "error", err)
		return
	}
	h.broadcast(data)
}

// broadcast sends a marshalled frame to all connected clients.
// Lock ordering: the client list is snapshotted under the hub lock, then the
// lock is released before any send.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
	if len(clients) > 0 {
		h.logger.Debug("frame broadcast", "recipients", len(clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
	h.owner = nil
}
