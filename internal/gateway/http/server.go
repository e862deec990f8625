// Package http exposes the control plane's REST surface.
package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/httpmw"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/mailbox"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/taskboard"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/workflow"
)

const userIDKey = "gateway.userID"

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier func(token string) (string, error)

// Server bundles the REST handlers over the control plane services.
type Server struct {
	sessions  *session.Service
	tasks     *taskboard.Service
	mail      *mailbox.Service
	workflows *workflow.Service
	verify    TokenVerifier
	logger    *logger.Logger
}

// NewServer creates the REST gateway.
func NewServer(sessions *session.Service, tasks *taskboard.Service, mail *mailbox.Service,
	workflows *workflow.Service, verify TokenVerifier, log *logger.Logger) *Server {
	return &Server{
		sessions:  sessions,
		tasks:     tasks,
		mail:      mail,
		workflows: workflows,
		verify:    verify,
		logger:    log.WithFields(zap.String("component", "http_gateway")),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", s.authenticate)
	s.registerSessionRoutes(api)
	s.registerTaskRoutes(api)
	s.registerMailboxRoutes(api)
	s.registerWorkflowRoutes(api)
	return router
}

// authenticate resolves the caller's user id from the bearer token.
func (s *Server) authenticate(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		token = c.Query("token")
	}
	if token == "" {
		respondError(c, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
		c.Abort()
		return
	}

	userID, err := s.verify(token)
	if err != nil {
		respondError(c, apperr.New(apperr.CodeUnauthorized, "invalid bearer token"))
		c.Abort()
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// respondError writes the structured error body for a coded error.
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	body := gin.H{
		"error": string(code),
		"code":  string(code),
	}
	if code != apperr.CodeInternal {
		// Full internal errors stay in logs only
		body["detail"] = apperr.DetailOf(err)
	}
	c.JSON(apperr.HTTPStatus(code), body)
}
