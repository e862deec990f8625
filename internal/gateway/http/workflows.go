package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/workflow"
)

// maxStepsPageSize caps the execution step listing.
const maxStepsPageSize = 500

func (s *Server) registerWorkflowRoutes(api *gin.RouterGroup) {
	api.POST("/workflows", s.createWorkflow)
	api.GET("/workflows", s.listWorkflows)
	api.GET("/workflows/:id", s.getWorkflow)
	api.POST("/workflows/:id/run", s.runWorkflow)
	api.GET("/workflows/:id/executions", s.listExecutions)
	api.POST("/workflows/:id/rollback", s.rollbackWorkflow)

	api.GET("/executions/:id", s.getExecution)
	api.GET("/executions/:id/steps", s.listExecutionSteps)
	api.POST("/executions/:id/approve", s.approveExecution)
	api.POST("/executions/:id/cancel", s.cancelExecution)

	api.POST("/workflows/:id/proposals", s.createProposal)
	api.GET("/workflows/:id/proposals", s.listProposals)
	api.POST("/workflows/:id/proposals/:pid/review", s.reviewProposal)
	api.POST("/workflows/:id/proposals/:pid/apply", s.applyProposal)
}

type createWorkflowRequest struct {
	Slug        string          `json:"slug"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Definition  json.RawMessage `json:"definition"`
}

func (s *Server) createWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	wf, err := s.workflows.Create(c.Request.Context(), req.Slug, req.Name, req.Description, req.Definition)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow": wf})
}

func (s *Server) listWorkflows(c *gin.Context) {
	workflows, err := s.workflows.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

type runWorkflowRequest struct {
	WorkflowHash string                 `json:"workflowHash" binding:"required"`
	Trigger      string                 `json:"trigger"`
	Variables    map[string]interface{} `json:"variables"`
}

func (s *Server) runWorkflow(c *gin.Context) {
	var req runWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	exec, err := s.workflows.Run(c.Request.Context(), c.Param("id"), req.WorkflowHash, req.Trigger, req.Variables)
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{"execution": exec}
	if exec.RequiresApproval {
		// The token is handed out exactly once, to the run caller. Reads of
		// the execution never include it.
		body["requiresApproval"] = gin.H{"resumeToken": exec.ResumeToken}
	}
	c.JSON(http.StatusCreated, body)
}

func (s *Server) listExecutions(c *gin.Context) {
	limit, _, err := pagination(c)
	if err != nil {
		respondError(c, err)
		return
	}
	executions, err := s.workflows.ListExecutions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.workflows.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

func (s *Server) listExecutionSteps(c *gin.Context) {
	limit, _, err := pagination(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if limit > maxStepsPageSize {
		respondError(c, apperr.New(apperr.CodeValidation, "limit must not exceed %d", maxStepsPageSize))
		return
	}
	if limit == 0 {
		limit = maxStepsPageSize
	}
	steps, err := s.workflows.ListSteps(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

type approveRequest struct {
	Approve     bool                   `json:"approve"`
	ResumeToken string                 `json:"resumeToken"`
	Reason      string                 `json:"reason"`
	Variables   map[string]interface{} `json:"variables"`
}

func (s *Server) approveExecution(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}

	decision := "deny"
	if req.Approve {
		decision = "approve"
	}
	exec, err := s.workflows.Resume(c.Request.Context(), c.Param("id"), req.ResumeToken, decision, req.Variables)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": string(exec.Status)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelExecution(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.workflows.Cancel(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type createProposalRequest struct {
	BaseWorkflowHash    string          `json:"baseWorkflowHash"`
	Proposal            json.RawMessage `json:"proposal"`
	DiffText            string          `json:"diffText"`
	ExpiresAt           *time.Time      `json:"expiresAt"`
	ExecutionID         string          `json:"executionId"`
	ProposedBySessionID string          `json:"proposedBySessionId"`
}

func (s *Server) createProposal(c *gin.Context) {
	var req createProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}

	wf, err := s.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	p := &workflow.Proposal{
		WorkflowID:   wf.ID,
		BaseHash:     req.BaseWorkflowHash,
		ProposalJSON: req.Proposal,
		DiffText:     req.DiffText,
		ExpiresAt:    req.ExpiresAt,
	}
	if req.ExecutionID != "" {
		p.ExecutionID = &req.ExecutionID
	}
	if req.ProposedBySessionID != "" {
		p.ProposedBySessionID = &req.ProposedBySessionID
	}
	proposal, err := s.workflows.Propose(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": proposal})
}

func (s *Server) listProposals(c *gin.Context) {
	wf, err := s.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	proposals, err := s.workflows.ListProposals(c.Request.Context(), wf.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

type reviewProposalRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes"`
}

func (s *Server) reviewProposal(c *gin.Context) {
	var req reviewProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	proposal, err := s.workflows.Review(c.Request.Context(), c.Param("pid"), req.Approve, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": proposal})
}

type applyProposalRequest struct {
	ReviewNotes string `json:"reviewNotes"`
	Version     int    `json:"version"`
}

func (s *Server) applyProposal(c *gin.Context) {
	var req applyProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	wf, err := s.workflows.Apply(c.Request.Context(), c.Param("pid"), req.ReviewNotes, req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

type rollbackRequest struct {
	TargetWorkflowHash string `json:"targetWorkflowHash"`
	Version            int    `json:"version"`
	Notes              string `json:"notes"`
}

func (s *Server) rollbackWorkflow(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}

	wf, err := s.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	rolled, err := s.workflows.RollbackTo(c.Request.Context(), wf.ID, req.TargetWorkflowHash, req.Notes, req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": rolled})
}
