package host

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vrlink/vrlink-core/internal/infrastructure/config"
	"github.com/vrlink/vrlink-core/internal/relay"
)

// Client represents one connected control channel.
//
// Inbound frames are triggers dispatched against the relay; outbound frames
// are queued on the send channel and drained by writePump. Trigger handling
// is synchronous within one client, so a client's own triggers never race
// each other; triggers from different clients are serialised by the relay's
// state gate instead.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	manager *relay.Manager
	gateway *relay.Gateway
}

// readPump reads frames from the WebSocket connection and dispatches them.
func (c *Client) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("control channel read error", "error", err)
			} else {
				c.hub.logger.Debug("control channel closed", "error", err)
			}
			return
		}
		// Any client frame resets the read deadline (keeps the connection
		// alive even if the embedding environment doesn't answer pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleFrame(message)
	}
}

// writePump writes queued frames to the WebSocket connection.
func (c *Client) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound control frame.
func (c *Client) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError("", errorPayload{Code: ErrCodeMalformedRequest, Message: "invalid JSON frame"})
		return
	}

	switch frame.Type {
	case FrameConnect:
		c.handleConnect(frame)
	case FrameDisconnect:
		c.handleDisconnect(frame)
	case FrameAddListener:
		c.handleListenerChange(frame, relay.TriggerAddListener)
	case FrameRemoveListener:
		c.handleListenerChange(frame, relay.TriggerRemoveListener)
	case FrameRelayEvent:
		c.handleRelayEvent(frame)
	case FramePing:
		c.sendFrame(Frame{Type: FramePong, ID: frame.ID})
	default:
		c.sendError(frame.ID, errorPayload{
			Code:    ErrCodeUnknownType,
			Message: "unknown frame type: " + frame.Type,
		})
	}
}

// handleConnect runs the connect trigger: establish a session for the
// requested device name. On success this client becomes the session owner,
// so its departure tears the session down.
func (c *Client) handleConnect(frame Frame) {
	var req relay.ConnectRequest
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.sendError(frame.ID, errorPayload{
				Code:    ErrCodeMalformedRequest,
				Message: "invalid connect payload",
				Field:   "payload",
			})
			return
		}
	}

	if err := c.manager.Connect(context.Background(), req); err != nil {
		c.sendError(frame.ID, errorFor(err))
		return
	}

	c.hub.claimSession(c)

	session, _ := c.manager.Session()
	c.sendAck(frame.ID, connectAckPayload{
		SessionID: session.ID,
		Paircode:  session.Paircode,
	})
}

// handleDisconnect runs the disconnect trigger. The frame carries no payload.
func (c *Client) handleDisconnect(frame Frame) {
	if err := c.manager.Disconnect(context.Background()); err != nil {
		c.sendError(frame.ID, errorFor(err))
		return
	}

	c.hub.releaseSession()
	c.sendAck(frame.ID, nil)
}

// handleListenerChange runs the add_listener or remove_listener trigger.
// The request must name at least one event type; validation runs before the
// gateway is touched.
func (c *Client) handleListenerChange(frame Frame, trigger string) {
	var req relay.ListenerRequest
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.sendError(frame.ID, errorPayload{
				Code:    ErrCodeMalformedRequest,
				Message: "invalid listener payload",
				Field:   "payload",
			})
			return
		}
	}
	if err := req.Validate(trigger); err != nil {
		c.sendError(frame.ID, errorFor(err))
		return
	}

	var err error
	if trigger == relay.TriggerAddListener {
		err = c.gateway.Activate(context.Background(), req.Events)
	} else {
		err = c.gateway.Deactivate(context.Background(), req.Events)
	}
	if err != nil {
		c.sendError(frame.ID, errorFor(err))
		return
	}

	c.sendAck(frame.ID, listenerAckPayload{ActiveEvents: c.gateway.ActiveEvents()})
}

// handleRelayEvent runs the relay_event trigger: forward one locally
// captured native event to the remote peer. The event name rides in the
// frame's Event field, its detail in Payload.
func (c *Client) handleRelayEvent(frame Frame) {
	req := relay.EventRequest{Type: frame.Event, Detail: frame.Payload}
	if err := req.Validate(); err != nil {
		c.sendError(frame.ID, errorFor(err))
		return
	}

	if err := c.gateway.PublishEvent(context.Background(), req.Type, req.Detail); err != nil {
		c.sendError(frame.ID, errorFor(err))
		return
	}

	c.sendAck(frame.ID, nil)
}

// trySend attempts to queue data on the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *Client) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// sendFrame marshals and queues one outbound frame.
func (c *Client) sendFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendAck queues an ack frame echoing the request id, with an optional
// trigger-specific payload.
func (c *Client) sendAck(id string, payload any) {
	frame := Frame{Type: FrameAck, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		frame.Payload = data
	}
	c.sendFrame(frame)
}

// sendError queues an error frame echoing the request id.
func (c *Client) sendError(id string, payload errorPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.sendFrame(Frame{Type: FrameError, ID: id, Payload: data})
}
