package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/db"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
)

// recordingTools counts invocations per tool and can fail a tool for its
// first n calls.
type recordingTools struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
}

func newRecordingTools() *recordingTools {
	return &recordingTools{calls: map[string]int{}, failures: map[string]int{}}
}

func (r *recordingTools) failFirst(name string, n int) { r.failures[name] = n }

func (r *recordingTools) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recordingTools) Invoke(_ context.Context, name string, _ map[string]interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
	if r.failures[name] >= r.calls[name] {
		return nil, fmt.Errorf("tool %s failed on purpose", name)
	}
	return "ok:" + name, nil
}

func setupWorkflowService(t *testing.T, tools ToolInvoker) *Service {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	st, err := NewStore(db.NewPool(conn, nil))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := config.WorkflowConfig{StepTimeout: 5, SweepInterval: 60}
	return NewService(st, bus.NewMemoryEventBus(log), tools, nil, cfg, log)
}

func mustCreateWorkflow(t *testing.T, svc *Service, slug, definition string) *Workflow {
	t.Helper()
	wf, err := svc.Create(context.Background(), slug, slug, "", []byte(definition))
	require.NoError(t, err)
	return wf
}

func TestRunToolWorkflowSucceeds(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "deploy", `{
		"steps": [
			{"id": "build", "type": "tool", "tool": "build", "register": "buildResult"},
			{"id": "ship", "type": "tool", "tool": "ship"}
		]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", map[string]interface{}{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, exec.Status)
	assert.Equal(t, 1, tools.count("build"))
	assert.Equal(t, 1, tools.count("ship"))
	assert.Equal(t, "ok:build", exec.Variables["buildResult"])
	assert.Equal(t, "prod", exec.Variables["env"])
	assert.NotNil(t, exec.CompletedAt)

	steps, err := svc.ListSteps(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, trace := range steps {
		assert.Equal(t, StepSucceeded, trace.Status)
	}
}

func TestRunRejectsHashMismatchWithoutSideEffects(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "gated", `{"steps": [{"type": "tool", "tool": "build"}]}`)

	_, err := svc.Run(ctx, wf.ID, "sha256:"+"0000000000000000000000000000000000000000000000000000000000000000", "manual", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeHashMismatch, apperr.CodeOf(err))
	assert.Equal(t, 0, tools.count("build"))

	execs, err := svc.ListExecutions(ctx, wf.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, execs, "a rejected run must leave no execution rows")
}

func TestApprovalGateSuspendsAndResumes(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "release", `{
		"steps": [
			{"id": "prep", "type": "tool", "tool": "prep"},
			{"id": "gate", "type": "approval"},
			{"id": "ship", "type": "tool", "tool": "ship"}
		]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecNeedsApproval, exec.Status)
	assert.True(t, exec.RequiresApproval)
	assert.Regexp(t, `^wrf_rt_[0-9a-f]{48}$`, exec.ResumeToken)
	assert.Equal(t, 1, tools.count("prep"))
	assert.Equal(t, 0, tools.count("ship"), "steps after the gate must not run before approval")

	// A well-formed but wrong token is rejected and the gate stays shut
	_, err = svc.Resume(ctx, exec.ID, "wrf_rt_deadbeef", "approve", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidToken, apperr.CodeOf(err))

	stuck, err := svc.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecNeedsApproval, stuck.Status)

	resumed, err := svc.Resume(ctx, exec.ID, exec.ResumeToken, "approve", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, resumed.Status)
	assert.Empty(t, resumed.ResumeToken, "the consumed token must be cleared")
	assert.Equal(t, 1, tools.count("ship"))
	assert.Equal(t, 1, tools.count("prep"), "completed steps must not replay after resume")

	// The spent token cannot be presented again
	_, err = svc.Resume(ctx, exec.ID, exec.ResumeToken, "approve", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestResumeDenyCancelsExecution(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "deny-me", `{
		"steps": [
			{"id": "gate", "type": "approval"},
			{"id": "ship", "type": "tool", "tool": "ship"}
		]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	require.Equal(t, ExecNeedsApproval, exec.Status)

	denied, err := svc.Resume(ctx, exec.ID, exec.ResumeToken, "deny", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, denied.Status)
	assert.Empty(t, denied.ResumeToken)
	assert.Equal(t, 0, tools.count("ship"))
}

func TestToolRetriesThenSucceeds(t *testing.T) {
	tools := newRecordingTools()
	tools.failFirst("flaky", 2)
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "retry", `{
		"steps": [{"id": "flaky", "type": "tool", "tool": "flaky", "retry": {"attempts": 3, "backoffMs": 1}}]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, exec.Status)
	assert.Equal(t, 3, tools.count("flaky"))

	steps, err := svc.ListSteps(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	attempts := map[int]StepStatus{}
	for _, trace := range steps {
		assert.Equal(t, "flaky", trace.StepID)
		attempts[trace.Attempt] = trace.Status
	}
	assert.Equal(t, StepFailed, attempts[1])
	assert.Equal(t, StepFailed, attempts[2])
	assert.Equal(t, StepSucceeded, attempts[3])
}

func TestToolExhaustionFailsExecution(t *testing.T) {
	tools := newRecordingTools()
	tools.failFirst("broken", 10)
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "exhaust", `{
		"steps": [{"id": "broken", "type": "tool", "tool": "broken", "retry": {"attempts": 2, "backoffMs": 1}}]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Contains(t, exec.Error, "broken")
	assert.Equal(t, 2, tools.count("broken"))
}

func TestBranchPicksArmFromVariables(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "branchy", `{
		"steps": [{
			"id": "decide",
			"type": "branch",
			"if": {"var": "env", "equals": "prod"},
			"then": [{"id": "careful", "type": "tool", "tool": "careful"}],
			"else": [{"id": "fast", "type": "tool", "tool": "fast"}]
		}]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", map[string]interface{}{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, exec.Status)
	assert.Equal(t, 1, tools.count("careful"))
	assert.Equal(t, 0, tools.count("fast"))

	exec, err = svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", map[string]interface{}{"env": "dev"})
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, exec.Status)
	assert.Equal(t, 1, tools.count("fast"))
}

func TestRunRequiresHash(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "pinned", `{"steps": [{"type": "tool", "tool": "build"}]}`)

	_, err := svc.Run(ctx, wf.ID, "", "manual", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.Equal(t, 0, tools.count("build"))

	execs, err := svc.ListExecutions(ctx, wf.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestApprovalInsideBranchResumesArm(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "gated-branch", `{
		"steps": [{
			"id": "decide",
			"type": "branch",
			"if": true,
			"then": [
				{"id": "gate", "type": "approval"},
				{"id": "deploy", "type": "tool", "tool": "deploy"}
			],
			"else": [{"id": "skip", "type": "tool", "tool": "skip"}]
		}]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	require.Equal(t, ExecNeedsApproval, exec.Status)
	assert.Equal(t, 0, tools.count("deploy"))

	resumed, err := svc.Resume(ctx, exec.ID, exec.ResumeToken, "approve", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, resumed.Status)
	assert.Equal(t, 1, tools.count("deploy"), "the arm after the gate must run on resume")
	assert.Equal(t, 0, tools.count("skip"))

	// The branch itself leaves exactly one trace across suspension and resume
	steps, err := svc.ListSteps(ctx, exec.ID, 0)
	require.NoError(t, err)
	branchTraces := 0
	for _, trace := range steps {
		if trace.StepID == "decide" {
			branchTraces++
			assert.Equal(t, StepSucceeded, trace.Status)
		}
	}
	assert.Equal(t, 1, branchTraces)
}

func TestUnknownStepTypeFailsAtRuntime(t *testing.T) {
	svc := setupWorkflowService(t, newRecordingTools())
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "mystery", `{"steps": [{"id": "x", "type": "teleport"}]}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Contains(t, exec.Error, "teleport")
}

func TestContinueOnErrorTolerates(t *testing.T) {
	tools := newRecordingTools()
	tools.failFirst("optional", 10)
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "tolerant", `{
		"steps": [
			{"id": "optional", "type": "tool", "tool": "optional", "continue_on_error": true},
			{"id": "required", "type": "tool", "tool": "required"}
		]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, exec.Status)
	assert.Equal(t, 1, tools.count("required"))
}

func TestSubExecutionFailurePropagates(t *testing.T) {
	tools := newRecordingTools()
	tools.failFirst("child-work", 10)
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	mustCreateWorkflow(t, svc, "child", `{"steps": [{"id": "child-work", "type": "tool", "tool": "child-work"}]}`)
	parent := mustCreateWorkflow(t, svc, "parent", `{
		"steps": [{"id": "delegate", "type": "sub", "workflow": "child"}]
	}`)

	exec, err := svc.Run(ctx, parent.ID, parent.CurrentHash, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Contains(t, exec.Error, "sub execution")

	children, err := svc.Store().ListChildExecutions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, ExecFailed, children[0].Status)
	require.NotNil(t, children[0].ParentExecutionID)
	assert.Equal(t, exec.ID, *children[0].ParentExecutionID)
}

func TestSequenceNesting(t *testing.T) {
	tools := newRecordingTools()
	svc := setupWorkflowService(t, tools)
	ctx := context.Background()

	wf := mustCreateWorkflow(t, svc, "nested", `{
		"steps": [{
			"id": "outer",
			"type": "sequence",
			"steps": [
				{"id": "one", "type": "tool", "tool": "one"},
				{"id": "two", "type": "tool", "tool": "two"}
			]
		}]
	}`)

	exec, err := svc.Run(ctx, wf.ID, wf.CurrentHash, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecSucceeded, exec.Status)
	assert.Equal(t, 1, tools.count("one"))
	assert.Equal(t, 1, tools.count("two"))
}

func TestDeriveWorkspace(t *testing.T) {
	ws := DeriveWorkspace("11111111-2222-3333-4444-555555555555", "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	assert.Equal(t, "workflow-11111111-2222-33-aaaaaaaa-bbbb-cc", ws)
	assert.LessOrEqual(t, len(ws), 100)
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, ws)
}
