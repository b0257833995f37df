// Package websocket fans authority events out to live dashboard clients.
package websocket

import (
	"context"
	"sync"

	"github.com/parking-lock-sync/backend/internal/logging"
	"pkt.systems/pslog"
)

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	logger pslog.Logger

	// Registered clients
	clients map[*Client]bool

	// Outbound messages for every client
	broadcast chan []byte

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger pslog.Logger) *Hub {
	return &Hub{
		logger:     logging.Subsystem(logger, "websocket"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main event loop and returns when ctx is done, after
// disconnecting every client. This should be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket.client.connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.removeLocked(client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket.client.disconnected", "total", total)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than stall everyone else.
					h.removeLocked(client)
					h.logger.Warn("websocket.client.dropped", "reason", "send buffer full")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	client.closed = true
	close(client.send)
}

// Broadcast queues a message for all connected clients. It never blocks.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("websocket.broadcast.dropped", "bytes", len(message))
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket client connection.
type Client struct {
	hub    *Hub
	send   chan []byte
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, 256),
	}
}

// Send returns the send channel for the client. The hub closes it when the
// client is removed.
func (c *Client) Send() chan []byte {
	return c.send
}

// Reply queues a message for this client only. It reports false when the
// client's buffer is full.
func (c *Client) Reply(message []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}
