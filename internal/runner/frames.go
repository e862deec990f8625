// Package runner implements the framed WebSocket protocol between the
// control plane and the runner process inside a sandbox.
package runner

import "encoding/json"

// FrameType identifies a protocol frame.
type FrameType string

// Frames sent by the control plane to the runner.
const (
	FramePrompt    FrameType = "prompt"
	FrameAnswer    FrameType = "answer"
	FrameStop      FrameType = "stop"
	FrameAbort     FrameType = "abort"
	FrameRevert    FrameType = "revert"
	FrameDiffReq   FrameType = "diff"
	FrameKeepalive FrameType = "keepalive"
)

// Frames sent by the runner to the control plane. FrameDiffReq doubles as the
// response type; the direction disambiguates.
const (
	FrameStream      FrameType = "stream"
	FrameResult      FrameType = "result"
	FrameTool        FrameType = "tool"
	FrameQuestion    FrameType = "question"
	FrameScreenshot  FrameType = "screenshot"
	FrameError       FrameType = "error"
	FrameComplete    FrameType = "complete"
	FrameAgentStatus FrameType = "agentStatus"
	FrameCreatePR    FrameType = "create-pr"
	FrameModels      FrameType = "models"
	FrameAborted     FrameType = "aborted"
	FrameReverted    FrameType = "reverted"
)

// Agent status values reported via agentStatus frames.
const (
	AgentStatusIdle        = "idle"
	AgentStatusThinking    = "thinking"
	AgentStatusToolCalling = "tool_calling"
	AgentStatusResponding  = "responding"
)

// Frame is the wire envelope. All frames share one flat shape; fields not
// relevant to a frame type are omitted. Unknown fields and unknown frame
// types are tolerated for forward evolution.
type Frame struct {
	Type FrameType `json:"type"`

	// Correlation ids
	MessageID  string `json:"messageId,omitempty"`
	QuestionID string `json:"questionId,omitempty"`
	CallID     string `json:"callID,omitempty"`
	RequestID  string `json:"requestId,omitempty"`

	// Prompt / stream / result
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`

	// Answer / question
	Answer  string   `json:"answer,omitempty"`
	Text    string   `json:"text,omitempty"`
	Options []string `json:"options,omitempty"`

	// Tool calls
	ToolName string          `json:"toolName,omitempty"`
	Status   string          `json:"status,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	// Agent status
	Detail string `json:"detail,omitempty"`

	// Errors
	Error string `json:"error,omitempty"`

	// Screenshot / diff payloads
	Data        json.RawMessage `json:"data,omitempty"`
	Description string          `json:"description,omitempty"`

	// create-pr
	Branch string `json:"branch,omitempty"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
	Base   string `json:"base,omitempty"`

	// models
	Models json.RawMessage `json:"models,omitempty"`

	// reverted
	MessageIDs []string `json:"messageIds,omitempty"`
}

// NewPromptFrame builds a prompt frame for the runner.
func NewPromptFrame(messageID, content, model string) *Frame {
	return &Frame{Type: FramePrompt, MessageID: messageID, Content: content, Model: model}
}

// NewAnswerFrame resolves a pending runner question.
func NewAnswerFrame(questionID, answer string) *Frame {
	return &Frame{Type: FrameAnswer, QuestionID: questionID, Answer: answer}
}

// NewStopFrame asks the runner to shut down gracefully.
func NewStopFrame() *Frame { return &Frame{Type: FrameStop} }

// NewAbortFrame cancels the in-flight agent turn.
func NewAbortFrame() *Frame { return &Frame{Type: FrameAbort} }

// NewRevertFrame asks the runner to revert to the state before messageID.
func NewRevertFrame(messageID string) *Frame {
	return &Frame{Type: FrameRevert, MessageID: messageID}
}

// NewDiffRequestFrame asks the runner for the current workspace diff.
func NewDiffRequestFrame(requestID string) *Frame {
	return &Frame{Type: FrameDiffReq, RequestID: requestID}
}

// NewKeepaliveFrame is the periodic liveness frame.
func NewKeepaliveFrame() *Frame { return &Frame{Type: FrameKeepalive} }

// CorrelationID returns the frame's correlation id, whichever field carries it.
func (f *Frame) CorrelationID() string {
	switch {
	case f.MessageID != "":
		return f.MessageID
	case f.QuestionID != "":
		return f.QuestionID
	case f.CallID != "":
		return f.CallID
	case f.RequestID != "":
		return f.RequestID
	}
	return ""
}
