// Package workflow implements versioned, hash-identified workflow
// definitions, their executions with durable step traces and approval gates,
// and the proposal pipeline that governs definition changes.
package workflow

import (
	"encoding/json"
	"time"
)

// Workflow is a named, versioned program of steps. The definition itself
// lives in immutable WorkflowVersion rows; CurrentHash advances only via
// apply and rollback.
type Workflow struct {
	ID             string    `json:"id" db:"id"`
	Slug           string    `json:"slug" db:"slug"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description,omitempty" db:"description"`
	CurrentHash    string    `json:"currentHash" db:"current_hash"`
	CurrentVersion int       `json:"currentVersion" db:"current_version"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// Version is one immutable definition snapshot, addressed by hash.
type Version struct {
	WorkflowID     string          `json:"workflowId" db:"workflow_id"`
	Hash           string          `json:"hash" db:"hash"`
	DefinitionJSON json.RawMessage `json:"definition" db:"definition_json"`
	VersionNumber  int             `json:"version" db:"version"`
	Notes          string          `json:"notes,omitempty" db:"notes"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// ExecutionStatus is the execution lifecycle state.
type ExecutionStatus string

const (
	ExecQueued        ExecutionStatus = "queued"
	ExecRunning       ExecutionStatus = "running"
	ExecNeedsApproval ExecutionStatus = "needs_approval"
	ExecSucceeded     ExecutionStatus = "succeeded"
	ExecFailed        ExecutionStatus = "failed"
	ExecCancelled     ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution can no longer advance.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSucceeded, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// Execution is one run of a workflow pinned to a specific definition hash.
type Execution struct {
	ID           string                 `json:"id" db:"id"`
	WorkflowID   string                 `json:"workflowId" db:"workflow_id"`
	WorkflowHash string                 `json:"workflowHash" db:"workflow_hash"`
	Status       ExecutionStatus        `json:"status" db:"status"`
	Trigger      string                 `json:"trigger" db:"trigger"`
	Variables    map[string]interface{} `json:"variables,omitempty" db:"-"`
	Error        string                 `json:"error,omitempty" db:"error"`

	// ResumeToken is non-empty exactly while the execution needs approval.
	ResumeToken      string `json:"-" db:"resume_token"`
	RequiresApproval bool   `json:"requiresApproval" db:"requires_approval"`

	// ParentExecutionID links sub executions to the run that spawned them.
	ParentExecutionID *string `json:"parentExecutionId,omitempty" db:"parent_execution_id"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// StepStatus is the per-attempt trace state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepAwaiting  StepStatus = "awaiting"
)

// StepTrace is one attempt of one step within an execution. Display order is
// trace order (created_at, id), not definition order.
type StepTrace struct {
	ID          string     `json:"id" db:"id"`
	ExecutionID string     `json:"executionId" db:"execution_id"`
	StepID      string     `json:"stepId" db:"step_id"`
	Attempt     int        `json:"attempt" db:"attempt"`
	Status      StepStatus `json:"status" db:"status"`
	Error       string     `json:"error,omitempty" db:"error"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// ProposalStatus is the proposal lifecycle state.
type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "draft"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalApplied  ProposalStatus = "applied"
	ProposalExpired  ProposalStatus = "expired"
)

// Proposal is a candidate replacement definition, subject to review and a
// hash-checked atomic apply.
type Proposal struct {
	ID                  string          `json:"id" db:"id"`
	WorkflowID          string          `json:"workflowId" db:"workflow_id"`
	BaseHash            string          `json:"baseHash" db:"base_hash"`
	ProposedBySessionID *string         `json:"proposedBySessionId,omitempty" db:"proposed_by_session_id"`
	ExecutionID         *string         `json:"executionId,omitempty" db:"execution_id"`
	ProposalJSON        json.RawMessage `json:"proposal" db:"proposal_json"`
	DiffText            string          `json:"diffText,omitempty" db:"diff_text"`
	Status              ProposalStatus  `json:"status" db:"status"`
	ReviewNotes         string          `json:"reviewNotes,omitempty" db:"review_notes"`
	ExpiresAt           *time.Time      `json:"expiresAt,omitempty" db:"expires_at"`
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
}

// Step kinds the engine interprets. Unknown kinds pass validation for
// forward compatibility but fail at runtime.
const (
	StepKindTool         = "tool"
	StepKindAgentMessage = "agent_message"
	StepKindApproval     = "approval"
	StepKindBranch       = "branch"
	StepKindSequence     = "sequence"
	StepKindSub          = "sub"
	StepKindSleep        = "sleep"
)
