package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/mailbox"
)

func (s *Server) registerMailboxRoutes(api *gin.RouterGroup) {
	api.POST("/notifications/emit", s.emitNotification)
	api.GET("/mailbox", s.checkMailbox)
	api.GET("/mailbox/unread-count", s.mailboxUnreadCount)
	api.GET("/mailbox/thread/:id", s.mailboxThread)
}

type emitRequest struct {
	FromSessionID    string `json:"from_session_id"`
	ToSessionID      string `json:"to_session_id"`
	ToUserID         string `json:"to_user_id"`
	ToHandle         string `json:"to_handle"`
	MessageType      string `json:"message_type"`
	Content          string `json:"content"`
	ContextSessionID string `json:"context_session_id"`
	ContextTaskID    string `json:"context_task_id"`
	ReplyToID        string `json:"reply_to_id"`
}

func (s *Server) emitNotification(c *gin.Context) {
	var req emitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}

	send := mailbox.SendRequest{
		FromSessionID: req.FromSessionID,
		ToSessionID:   req.ToSessionID,
		ToUserID:      req.ToUserID,
		ToHandle:      req.ToHandle,
		MessageType:   mailbox.MessageType(req.MessageType),
		Content:       req.Content,
	}
	if req.ContextSessionID != "" {
		send.ContextSessionID = &req.ContextSessionID
	}
	if req.ContextTaskID != "" {
		send.ContextTaskID = &req.ContextTaskID
	}
	if req.ReplyToID != "" {
		send.ReplyToID = &req.ReplyToID
	}
	entry, err := s.mail.Send(c.Request.Context(), send)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entryId": entry.ID})
}

// checkMailbox drains unread entries for the caller, or for a session when
// sessionId is supplied. Returned entries are atomically marked read.
func (s *Server) checkMailbox(c *gin.Context) {
	limit, after, err := pagination(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var entries []*mailbox.Entry
	if sessionID := c.Query("sessionId"); sessionID != "" {
		entries, err = s.mail.CheckSession(c.Request.Context(), sessionID, limit, after)
	} else {
		entries, err = s.mail.CheckUser(c.Request.Context(), callerID(c), limit, after)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries})
}

func (s *Server) mailboxUnreadCount(c *gin.Context) {
	count, err := s.mail.UnreadCount(c.Request.Context(), c.Query("sessionId"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) mailboxThread(c *gin.Context) {
	entries, err := s.mail.Thread(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries})
}
