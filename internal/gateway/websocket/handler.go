package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

const bearerSubprotocolPrefix = "bearer."

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier func(token string) (string, error)

// Handler upgrades event gateway connections.
type Handler struct {
	hub      *Hub
	verify   TokenVerifier
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates the events endpoint handler.
func NewHandler(hub *Hub, verify TokenVerifier, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		verify: verify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
			Subprotocols:    []string{},
		},
		logger: log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Register mounts the events endpoint on the router.
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/api/events/ws", h.serve)
}

// serve authenticates the connection and hands it to the hub. The token may
// arrive as a bearer.<token> subprotocol, an Authorization header, or a
// token query parameter.
func (h *Handler) serve(c *gin.Context) {
	token, subprotocol := extractToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token", "code": "UNAUTHORIZED"})
		return
	}

	userID, err := h.verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "UNAUTHORIZED"})
		return
	}

	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), userID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// extractToken pulls the bearer token from the request, preferring the
// WebSocket subprotocol form. Returns the subprotocol to echo back, if any.
func extractToken(r *http.Request) (token, subprotocol string) {
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, bearerSubprotocolPrefix) {
			return strings.TrimPrefix(proto, bearerSubprotocolPrefix), proto
		}
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), ""
	}
	return r.URL.Query().Get("token"), ""
}
