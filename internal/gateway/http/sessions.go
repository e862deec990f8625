package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
)

func (s *Server) registerSessionRoutes(api *gin.RouterGroup) {
	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.GET("/sessions/:id/messages", s.sessionMessages)
	api.POST("/sessions/:id/terminate", s.terminateSession)
	api.POST("/sessions/:id/hibernate", s.hibernateSession)
	api.POST("/sessions/:id/wake", s.wakeSession)
	api.POST("/sessions/:id/answer", s.answerQuestion)
	api.POST("/sessions/:id/heartbeat", s.sessionHeartbeat)
	api.POST("/session-message", s.sessionMessage)
	api.POST("/spawn-child", s.spawnChild)
	api.GET("/child-sessions", s.childSessions)
	api.GET("/session-status", s.sessionStatus)
	api.POST("/forward-messages", s.forwardMessages)
	api.POST("/notify-parent", s.notifyParent)
}

type createSessionRequest struct {
	Task       string `json:"task"`
	Workspace  string `json:"workspace"`
	RepoURL    string `json:"repoUrl"`
	Branch     string `json:"branch"`
	ParentID   string `json:"parentId"`
	Model      string `json:"model"`
	SourceType string `json:"sourceType"`
	AutoStart  *bool  `json:"autoStart"`
}

func (r *createSessionRequest) spawnRequest(userID string) session.SpawnRequest {
	req := session.SpawnRequest{
		UserID:    userID,
		Workspace: r.Workspace,
		Title:     r.Task,
		ModelPref: r.Model,
		AutoStart: r.AutoStart == nil || *r.AutoStart,
	}
	if r.RepoURL != "" {
		sourceType := models.SourceType(r.SourceType)
		if sourceType == "" {
			sourceType = models.SourceBranch
		}
		req.Git = &models.GitState{
			SourceType: sourceType,
			Repo:       r.RepoURL,
			Branch:     r.Branch,
		}
	}
	return req
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}

	var (
		sess *models.Session
		err  error
	)
	if req.ParentID != "" {
		if _, ok := s.ownedSession(c, req.ParentID); !ok {
			return
		}
		sess, err = s.sessions.SpawnChild(c.Request.Context(), req.ParentID, req.spawnRequest(callerID(c)))
	} else {
		sess, err = s.sessions.Spawn(c.Request.Context(), req.spawnRequest(callerID(c)))
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.sessions.List(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// ownedSession loads a session and enforces that it belongs to the caller.
// On failure the error response has already been written.
func (s *Server) ownedSession(c *gin.Context, sessionID string) (*models.Session, bool) {
	sess, err := s.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if sess.UserID != callerID(c) {
		respondError(c, apperr.New(apperr.CodeForbidden, "session belongs to another user"))
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.ownedSession(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) sessionMessages(c *gin.Context) {
	limit, after, err := pagination(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, ok := s.ownedSession(c, c.Param("id")); !ok {
		return
	}
	messages, err := s.sessions.Messages(c.Request.Context(), c.Param("id"), limit, after)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) terminateSession(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("id")); !ok {
		return
	}
	if err := s.sessions.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) hibernateSession(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("id")); !ok {
		return
	}
	if err := s.sessions.Hibernate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) wakeSession(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("id")); !ok {
		return
	}
	if err := s.sessions.Wake(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type answerRequest struct {
	QuestionID string `json:"questionId"`
	Value      string `json:"value"`
}

func (s *Server) answerQuestion(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	if _, ok := s.ownedSession(c, c.Param("id")); !ok {
		return
	}
	if err := s.sessions.Answer(c.Request.Context(), c.Param("id"), req.QuestionID, req.Value); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// sessionHeartbeat defers the sandbox idle timeout while a human is watching.
func (s *Server) sessionHeartbeat(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("id")); !ok {
		return
	}
	s.sessions.Heartbeat(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type sessionMessageRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Interrupt bool   `json:"interrupt"`
}

// sessionMessage delivers a prompt to a session the caller owns or is an
// ancestor of.
func (s *Server) sessionMessage(c *gin.Context) {
	var req sessionMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	if req.SessionID == "" || req.Content == "" {
		respondError(c, apperr.New(apperr.CodeValidation, "sessionId and content are required"))
		return
	}

	// The HTTP caller is a user, not a session: authorize by ownership.
	if _, ok := s.ownedSession(c, req.SessionID); !ok {
		return
	}

	if _, err := s.sessions.Prompt(c.Request.Context(), req.SessionID, uuid.New().String(), req.Content, "", req.Interrupt); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) spawnChild(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	if req.ParentID == "" {
		respondError(c, apperr.New(apperr.CodeValidation, "parentId is required"))
		return
	}
	if _, ok := s.ownedSession(c, req.ParentID); !ok {
		return
	}

	sess, err := s.sessions.SpawnChild(c.Request.Context(), req.ParentID, req.spawnRequest(callerID(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID})
}

func (s *Server) childSessions(c *gin.Context) {
	parentID := c.Query("parentId")
	if parentID == "" {
		respondError(c, apperr.New(apperr.CodeValidation, "parentId is required"))
		return
	}
	if _, ok := s.ownedSession(c, parentID); !ok {
		return
	}
	children, err := s.sessions.ListChildren(c.Request.Context(), parentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"children": children})
}

func (s *Server) sessionStatus(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		respondError(c, apperr.New(apperr.CodeValidation, "sessionId is required"))
		return
	}
	if _, ok := s.ownedSession(c, sessionID); !ok {
		return
	}
	status, err := s.sessions.Status(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionStatus": string(status)})
}

type forwardRequest struct {
	SessionID string     `json:"sessionId"`
	ToID      string     `json:"toSessionId"`
	Limit     int        `json:"limit"`
	After     *time.Time `json:"after"`
}

// forwardMessages copies a child's recent messages to its parent, or to an
// explicit destination session.
func (s *Server) forwardMessages(c *gin.Context) {
	var req forwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	if req.SessionID == "" {
		respondError(c, apperr.New(apperr.CodeValidation, "sessionId is required"))
		return
	}

	sess, ok := s.ownedSession(c, req.SessionID)
	if !ok {
		return
	}

	toID := req.ToID
	if toID == "" {
		if sess.ParentID == nil {
			respondError(c, apperr.New(apperr.CodeValidation, "session %s has no parent to forward to", req.SessionID))
			return
		}
		toID = *sess.ParentID
	} else if _, ok := s.ownedSession(c, toID); !ok {
		return
	}

	count, err := s.sessions.Forward(c.Request.Context(), req.SessionID, toID, req.Limit, req.After)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count, "sourceSessionId": req.SessionID})
}

type notifyParentRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

func (s *Server) notifyParent(c *gin.Context) {
	var req notifyParentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	if _, ok := s.ownedSession(c, req.SessionID); !ok {
		return
	}
	if _, err := s.sessions.NotifyParent(c.Request.Context(), req.SessionID, req.Content); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// pagination reads the shared limit and after query parameters.
func pagination(c *gin.Context) (int, *time.Time, error) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, nil, apperr.New(apperr.CodeValidation, "limit must be a non-negative integer")
		}
		limit = parsed
	}

	var after *time.Time
	if raw := c.Query("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return 0, nil, apperr.New(apperr.CodeValidation, "after must be an RFC3339 timestamp")
		}
		after = &parsed
	}
	return limit, after, nil
}
