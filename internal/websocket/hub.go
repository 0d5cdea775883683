package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scardozos/rottenbikes-auth/internal/authsession"
	"github.com/scardozos/rottenbikes-auth/internal/notify"
)

// Hub maintains the set of active WebSocket clients and broadcasts messages.
// It is both an engine observer and a notification sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients without blocking.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug().Str("type", msg.Type).Msg("client buffer full, message dropped")
		}
	}
}

// Observe forwards engine events. Pass it to Engine.Subscribe.
func (h *Hub) Observe(ev authsession.Event) {
	h.Broadcast(EventMessage(ev))
}

// Notify forwards notifications, making the hub a notify.Sink.
func (h *Hub) Notify(n notify.Notification) {
	h.Broadcast(NotificationMessage(n))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
