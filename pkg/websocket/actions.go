package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server)
	ActionSessionSubscribe     = "session.subscribe"
	ActionSessionUnsubscribe   = "session.unsubscribe"
	ActionExecutionSubscribe   = "execution.subscribe"
	ActionExecutionUnsubscribe = "execution.unsubscribe"
	ActionTaskSubscribe        = "task.subscribe"
	ActionTaskUnsubscribe      = "task.unsubscribe"

	// Session notifications (server -> client)
	ActionSessionStateChanged = "session.state_changed"
	ActionSessionStream       = "session.stream"
	ActionSessionMessage      = "session.message"
	ActionSessionTerminated   = "session.terminated"

	// Runner notifications (server -> client)
	ActionRunnerConnected    = "runner.connected"
	ActionRunnerDisconnected = "runner.disconnected"

	// Task notifications (server -> client)
	ActionTaskCreated      = "task.created"
	ActionTaskUpdated      = "task.updated"
	ActionTaskStateChanged = "task.state_changed"

	// Mailbox notifications (server -> client)
	ActionMailboxDelivered = "mailbox.delivered"

	// Workflow execution notifications (server -> client)
	ActionExecutionStarted          = "execution.started"
	ActionExecutionStepCompleted    = "execution.step_completed"
	ActionExecutionAwaitingApproval = "execution.awaiting_approval"
	ActionExecutionResumed          = "execution.resumed"
	ActionExecutionCompleted        = "execution.completed"
	ActionExecutionFailed           = "execution.failed"

	// Proposal notifications (server -> client)
	ActionProposalCreated  = "proposal.created"
	ActionProposalReviewed = "proposal.reviewed"
	ActionProposalApplied  = "proposal.applied"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
