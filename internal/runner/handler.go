package runner

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

// Handler upgrades runner connections and binds them to the session layer.
type Handler struct {
	sink     Sink
	config   config.RunnerConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the runner WebSocket handler.
func NewHandler(sink Sink, cfg config.RunnerConfig, log *logger.Logger) *Handler {
	return &Handler{
		sink:   sink,
		config: cfg,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Runners connect from inside sandboxes; token auth replaces
			// origin checks.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the runner attach endpoint.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/runner/ws", h.handleAttach)
}

// handleAttach authenticates the runner and hands the connection to a Link.
func (h *Handler) handleAttach(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required", "code": apperr.CodeValidation})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("X-Runner-Token")
	}

	if err := h.sink.AuthorizeRunner(c.Request.Context(), sessionID, token); err != nil {
		code := apperr.CodeOf(err)
		h.logger.Warn("runner attach rejected",
			zap.String("session_id", sessionID),
			zap.String("code", string(code)))
		c.JSON(apperr.HTTPStatus(code), gin.H{"error": apperr.DetailOf(err), "code": code})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("runner upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	link := NewLink(sessionID, conn, h.config, h.logger)

	if err := h.sink.LinkUp(c.Request.Context(), sessionID, link); err != nil {
		h.logger.Warn("runner link refused",
			zap.String("session_id", sessionID),
			zap.Error(err))
		link.Close()
		return
	}

	h.logger.Info("runner attached", zap.String("session_id", sessionID))

	// Blocks for the lifetime of the connection
	link.Run(c.Request.Context(), h.sink)
}
