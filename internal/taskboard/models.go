// Package taskboard implements the shared task DAG rooted at orchestrator
// sessions, with dependency blocking and transactional status cascades.
package taskboard

import "time"

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// allowedTransitions encodes the task state machine. completed is final;
// failed tasks may be reset to pending for a retry.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusBlocked},
	StatusBlocked:    {StatusPending, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {StatusPending},
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

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Task is one work item on an orchestrator's board.
type Task struct {
	ID                    string  `json:"id" db:"id"`
	OrchestratorSessionID string  `json:"orchestratorSessionId" db:"orchestrator_session_id"`
	SessionID             *string `json:"sessionId,omitempty" db:"session_id"`
	Title                 string  `json:"title" db:"title"`
	Description           string  `json:"description,omitempty" db:"description"`
	Status                Status  `json:"status" db:"status"`

	// Result carries free-form handoff text written on completion.
	Result string `json:"result,omitempty" db:"result"`

	ParentTaskID *string   `json:"parentTaskId,omitempty" db:"parent_task_id"`
	DependsOn    []string  `json:"dependsOn,omitempty" db:"-"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// UpdateRequest is a partial task mutation. Nil fields are untouched.
type UpdateRequest struct {
	Status      *Status `json:"status"`
	Result      *string `json:"result"`
	Description *string `json:"description"`
	Title       *string `json:"title"`
	SessionID   *string `json:"sessionId"`
}

// ListFilter narrows task queries. Zero values match everything.
type ListFilter struct {
	OrchestratorSessionID string
	SessionID             string
	Status                Status
	Limit                 int
}
