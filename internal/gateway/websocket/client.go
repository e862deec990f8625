package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	ws "github.com/yourbuddyconner/agent-ops-sub007/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client represents a single event gateway connection.
type Client struct {
	ID     string
	UserID string

	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool
	logger        *logger.Logger
}

// NewClient creates a client bound to an authenticated user.
func NewClient(id, userID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		UserID:        userID,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps subscription commands from the connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format")
			continue
		}
		c.handleMessage(&msg)
	}
}

// SubscribeRequest is the payload for the subscribe and unsubscribe actions.
type SubscribeRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

func (c *Client) handleMessage(msg *ws.Message) {
	switch msg.Action {
	case ws.ActionHealthCheck:
		resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
		c.sendMessage(resp)

	case ws.ActionSessionSubscribe, ws.ActionTaskSubscribe, ws.ActionExecutionSubscribe:
		c.handleSubscribe(msg, true)

	case ws.ActionSessionUnsubscribe, ws.ActionTaskUnsubscribe, ws.ActionExecutionUnsubscribe:
		c.handleSubscribe(msg, false)

	default:
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeUnknownAction, "unknown action "+msg.Action)
	}
}

func (c *Client) handleSubscribe(msg *ws.Message, subscribe bool) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}

	var scope string
	switch {
	case req.SessionID != "":
		scope = SessionScope(req.SessionID)
	case req.TaskID != "":
		scope = TaskScope(req.TaskID)
	case req.ExecutionID != "":
		scope = ExecutionScope(req.ExecutionID)
	default:
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation,
			"one of session_id, task_id, execution_id is required")
		return
	}

	if subscribe {
		c.hub.Subscribe(c, scope)
	} else {
		c.hub.Unsubscribe(c, scope)
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"scope":   scope,
	})
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
