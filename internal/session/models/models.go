// Package models defines the persisted session domain types.
package models

import (
	"encoding/json"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusIdle       Status = "idle"
	StatusHibernated Status = "hibernated"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// allowedTransitions encodes the session state machine. terminated is
// absorbing: it has no outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusStarting, StatusTerminated},
	StatusStarting:   {StatusRunning, StatusError, StatusTerminated},
	StatusRunning:    {StatusIdle, StatusError, StatusHibernated, StatusTerminated},
	StatusIdle:       {StatusRunning, StatusHibernated, StatusTerminated},
	StatusHibernated: {StatusStarting, StatusTerminated},
	StatusError:      {StatusTerminated, StatusStarting},
	StatusTerminated: {},
}

// CanTransitionTo reports whether the state machine allows the move.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool { return s == StatusTerminated }

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Purpose classifies why the session exists.
type Purpose string

const (
	PurposeInteractive  Purpose = "interactive"
	PurposeOrchestrator Purpose = "orchestrator"
	PurposeWorkflow     Purpose = "workflow"
	PurposeChild        Purpose = "child"
)

// SourceType identifies where a child session's work item came from.
type SourceType string

const (
	SourcePR     SourceType = "pr"
	SourceIssue  SourceType = "issue"
	SourceBranch SourceType = "branch"
	SourceManual SourceType = "manual"
)

// Session is one conversation with a sandboxed agent.
type Session struct {
	ID        string                 `json:"id" db:"id"`
	UserID    string                 `json:"userId" db:"user_id"`
	ParentID  *string                `json:"parentId,omitempty" db:"parent_id"`
	Workspace string                 `json:"workspace" db:"workspace"`
	Title     string                 `json:"title" db:"title"`
	Status    Status                 `json:"status" db:"status"`
	Purpose   Purpose                `json:"purpose" db:"purpose"`
	ModelPref string                 `json:"modelPref,omitempty" db:"model_pref"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"-"`

	// CallbackToken authenticates the runner attaching over WebSocket.
	// Never serialized to API responses.
	CallbackToken string `json:"-" db:"callback_token"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// GitState is the 1:1 repository binding of a session. Mutable only before
// the first successful starting to running transition.
type GitState struct {
	SessionID  string     `json:"sessionId" db:"session_id"`
	SourceType SourceType `json:"sourceType" db:"source_type"`
	Repo       string     `json:"repo" db:"repo"`
	Branch     string     `json:"branch" db:"branch"`
	Ref        string     `json:"ref" db:"ref"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one entry in a session's append-only chat log. Messages are
// immutable once written; edits produce a new message carrying EditOf.
type Message struct {
	ID          string          `json:"id" db:"id"`
	SessionID   string          `json:"sessionId" db:"session_id"`
	Role        string          `json:"role" db:"role"`
	Content     string          `json:"content" db:"content"`
	ChannelType string          `json:"channelType,omitempty" db:"channel_type"`
	ChannelID   string          `json:"channelId,omitempty" db:"channel_id"`
	ToolCall    json.RawMessage `json:"toolCall,omitempty" db:"-"`
	ForwardFrom *string         `json:"forwardFrom,omitempty" db:"forward_from"`
	EditOf      *string         `json:"editOf,omitempty" db:"edit_of"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}
