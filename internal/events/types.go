// Package events provides event subjects and utilities for the control
// plane event system.
package events

// Event types for sessions
const (
	SessionCreated      = "session.created"
	SessionStateChanged = "session.state_changed"
	SessionTerminated   = "session.terminated"
	SessionStream       = "session.stream" // Base subject for runner output streams
)

// Event types for session messages
const (
	MessageAdded = "message.added"
)

// Event types for runner links
const (
	RunnerConnected    = "runner.connected"
	RunnerDisconnected = "runner.disconnected"
	RunnerErrored      = "runner.errored" // Heartbeat window exceeded
)

// Event types for sandboxes
const (
	SandboxProvisioned = "sandbox.provisioned"
	SandboxTerminated  = "sandbox.terminated"
	SandboxUnhealthy   = "sandbox.unhealthy"
)

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskUpdated      = "task.updated"
	TaskStateChanged = "task.state_changed"
	TaskDeleted      = "task.deleted"
)

// Event types for mailbox deliveries
const (
	MailboxDelivered = "mailbox.delivered"
)

// Event types for workflow executions
const (
	ExecutionStarted          = "workflow.execution.started"
	ExecutionStepCompleted    = "workflow.execution.step_completed"
	ExecutionAwaitingApproval = "workflow.execution.awaiting_approval"
	ExecutionResumed          = "workflow.execution.resumed"
	ExecutionCompleted        = "workflow.execution.completed"
	ExecutionFailed           = "workflow.execution.failed"
	ExecutionCanceled         = "workflow.execution.canceled"
)

// Event types for proposals
const (
	ProposalCreated  = "proposal.created"
	ProposalReviewed = "proposal.reviewed"
	ProposalApplied  = "proposal.applied"
)

// BuildSessionStreamSubject creates a stream subject for a specific session
func BuildSessionStreamSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionStreamWildcardSubject creates a wildcard subscription for all session stream events
func BuildSessionStreamWildcardSubject() string {
	return SessionStream + ".*"
}

// BuildSessionStateSubject creates a state change subject for a specific session
func BuildSessionStateSubject(sessionID string) string {
	return SessionStateChanged + "." + sessionID
}

// BuildSessionStateWildcardSubject creates a wildcard subscription for all session state changes
func BuildSessionStateWildcardSubject() string {
	return SessionStateChanged + ".*"
}

// BuildMessageAddedSubject creates a message subject for a specific session
func BuildMessageAddedSubject(sessionID string) string {
	return MessageAdded + "." + sessionID
}

// BuildMessageAddedWildcardSubject creates a wildcard subscription for all message events
func BuildMessageAddedWildcardSubject() string {
	return MessageAdded + ".*"
}

// BuildMailboxSubject creates a delivery subject for a specific recipient session
func BuildMailboxSubject(sessionID string) string {
	return MailboxDelivered + "." + sessionID
}

// BuildMailboxWildcardSubject creates a wildcard subscription for all mailbox deliveries
func BuildMailboxWildcardSubject() string {
	return MailboxDelivered + ".*"
}

// BuildExecutionSubject creates an execution event subject scoped to one execution
func BuildExecutionSubject(eventType, executionID string) string {
	return eventType + "." + executionID
}

// BuildExecutionWildcardSubject subscribes to every event of all workflow executions
func BuildExecutionWildcardSubject() string {
	return "workflow.execution.>"
}

// BuildTaskSubject creates a task event subject scoped to one task
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}
