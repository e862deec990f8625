package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameUnknownFieldsTolerated(t *testing.T) {
	raw := []byte(`{"type":"agentStatus","status":"tool_calling","detail":"npm test","futureField":{"x":1}}`)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, FrameAgentStatus, frame.Type)
	assert.Equal(t, "tool_calling", frame.Status)
	assert.Equal(t, "npm test", frame.Detail)
}

func TestFrameRoundTripOmitsEmpty(t *testing.T) {
	data, err := json.Marshal(NewStopFrame())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stop"}`, string(data))

	data, err = json.Marshal(NewPromptFrame("msg-1", "fix the bug", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"prompt","messageId":"msg-1","content":"fix the bug"}`, string(data))
}

func TestFrameCorrelationID(t *testing.T) {
	assert.Equal(t, "m1", (&Frame{Type: FrameStream, MessageID: "m1"}).CorrelationID())
	assert.Equal(t, "q1", (&Frame{Type: FrameQuestion, QuestionID: "q1"}).CorrelationID())
	assert.Equal(t, "c1", (&Frame{Type: FrameTool, CallID: "c1"}).CorrelationID())
	assert.Equal(t, "r1", (&Frame{Type: FrameDiffReq, RequestID: "r1"}).CorrelationID())
	assert.Equal(t, "", (&Frame{Type: FrameComplete}).CorrelationID())
}
