package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/taskboard"
)

func (s *Server) registerTaskRoutes(api *gin.RouterGroup) {
	api.POST("/tasks", s.createTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.PUT("/tasks/:id", s.updateTask)
	api.DELETE("/tasks/:id", s.deleteTask)
	api.POST("/tasks/:id/dependencies", s.addTaskDependency)
	api.GET("/my-tasks", s.myTasks)
}

func (s *Server) createTask(c *gin.Context) {
	var req taskboard.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	task, err := s.tasks.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) listTasks(c *gin.Context) {
	limit, _, err := pagination(c)
	if err != nil {
		respondError(c, err)
		return
	}
	filter := taskboard.ListFilter{
		OrchestratorSessionID: c.Query("orchestratorSessionId"),
		SessionID:             c.Query("sessionId"),
		Status:                taskboard.Status(c.Query("status")),
		Limit:                 limit,
	}
	tasks, err := s.tasks.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) updateTask(c *gin.Context) {
	var req taskboard.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	task, err := s.tasks.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type addDependencyRequest struct {
	DependsOn string `json:"dependsOn"`
}

func (s *Server) addTaskDependency(c *gin.Context) {
	var req addDependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	if err := s.tasks.AddDependency(c.Request.Context(), c.Param("id"), req.DependsOn); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// myTasks lists tasks assigned to the session named in the query.
func (s *Server) myTasks(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		respondError(c, apperr.New(apperr.CodeValidation, "sessionId is required"))
		return
	}
	tasks, err := s.tasks.ListMine(c.Request.Context(), sessionID, taskboard.Status(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
