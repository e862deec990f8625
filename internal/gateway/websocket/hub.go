// Package websocket fans control-plane events out to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	ws "github.com/yourbuddyconner/agent-ops-sub007/pkg/websocket"
)

// Scope identifies a subscription target: "session:<id>", "task:<id>",
// or "execution:<id>".
func SessionScope(id string) string   { return "session:" + id }
func TaskScope(id string) string      { return "task:" + id }
func ExecutionScope(id string) string { return "execution:" + id }

// Hub manages all event gateway connections. Delivery is at-most-once per
// connection: a full client buffer drops, it never blocks the hub.
type Hub struct {
	clients map[*Client]bool

	// Clients keyed by subscription scope
	scopeSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the event gateway hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		scopeSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event gateway hub started")
	defer h.logger.Info("event gateway hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("client_id", client.ID),
				zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.scopeSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for scope := range client.subscriptions {
			if clients, ok := h.scopeSubscribers[scope]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.scopeSubscribers, scope)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToScope delivers a notification to clients subscribed to a scope.
func (h *Hub) BroadcastToScope(scope string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal scoped message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.scopeSubscribers[scope] {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up
		}
	}
}

// BroadcastToUser delivers a notification to every connection a user holds.
func (h *Hub) BroadcastToUser(userID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal user message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.UserID != userID {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
}

// Subscribe attaches a client to a scope.
func (h *Hub) Subscribe(client *Client, scope string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.scopeSubscribers[scope]; !ok {
		h.scopeSubscribers[scope] = make(map[*Client]bool)
	}
	h.scopeSubscribers[scope][client] = true
	client.subscriptions[scope] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("scope", scope))
}

// Unsubscribe detaches a client from a scope.
func (h *Hub) Unsubscribe(client *Client, scope string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, scope)
	if clients, ok := h.scopeSubscribers[scope]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.scopeSubscribers, scope)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
