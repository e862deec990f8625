package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
)

const (
	resumeTokenPrefix = "wrf_rt_"

	// Sleep steps are clamped to this range.
	minSleep = 1 * time.Second
	maxSleep = 300 * time.Second

	maxWorkspaceLen = 100
)

var workspaceCharset = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// errSuspended signals that the interpreter parked at an approval gate.
var errSuspended = errors.New("execution suspended for approval")

// ToolInvoker runs named tools on behalf of tool steps.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
}

// AgentGateway drives workflow-owned sessions for agent_message steps. The
// session service provides the implementation.
type AgentGateway interface {
	// EnsureSession returns a hibernated workflow-purpose session for the
	// workspace, creating it on first use.
	EnsureSession(ctx context.Context, workspace, title string) (string, error)
	Wake(ctx context.Context, sessionID string) error
	Hibernate(ctx context.Context, sessionID string) error
	Prompt(ctx context.Context, sessionID, content, model string) (string, error)
	// AwaitResponse blocks until the session produces an assistant message
	// or the timeout elapses.
	AwaitResponse(ctx context.Context, sessionID string, timeout time.Duration) (string, error)
}

// Engine interprets workflow definitions. Each execution is driven by a
// single-writer run slot; concurrent drivers of the same execution are
// rejected with BUSY.
type Engine struct {
	store  *Store
	bus    bus.EventBus
	tools  ToolInvoker
	agents AgentGateway
	cfg    config.WorkflowConfig
	logger *logger.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewEngine wires the workflow engine.
func NewEngine(store *Store, eventBus bus.EventBus, tools ToolInvoker, agents AgentGateway,
	cfg config.WorkflowConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		bus:    eventBus,
		tools:  tools,
		agents: agents,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "workflow-engine")),
		slots:  make(map[string]chan struct{}),
	}
}

// acquire claims the execution's single-writer slot without blocking.
func (e *Engine) acquire(executionID string) (func(), error) {
	e.mu.Lock()
	slot, ok := e.slots[executionID]
	if !ok {
		slot = make(chan struct{}, 1)
		e.slots[executionID] = slot
	}
	e.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	default:
		return nil, apperr.New(apperr.CodeBusy, "execution %s is already being driven", executionID)
	}
}

// Run starts a new execution of the workflow pinned to the supplied hash.
// The hash is mandatory; a missing or stale hash is rejected before any
// execution or trace row is written.
func (e *Engine) Run(ctx context.Context, workflowID, hash, trigger string, variables map[string]interface{}) (*Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, apperr.New(apperr.CodeValidation,
			"a workflow hash is required to run %s", wf.ID)
	}
	if hash != wf.CurrentHash {
		return nil, apperr.New(apperr.CodeHashMismatch,
			"workflow hash mismatch: current is %s", wf.CurrentHash)
	}

	exec := &Execution{
		WorkflowID:   wf.ID,
		WorkflowHash: wf.CurrentHash,
		Trigger:      trigger,
		Variables:    variables,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return e.drive(ctx, exec.ID)
}

// Resume presents a decision against a suspended execution's resume token.
// Approve advances past the gate; deny cancels the execution.
func (e *Engine) Resume(ctx context.Context, executionID, token, decision string, variables map[string]interface{}) (*Execution, error) {
	release, err := e.acquire(executionID)
	if err != nil {
		return nil, err
	}
	defer release()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != ExecNeedsApproval {
		return nil, apperr.New(apperr.CodeConflict,
			"execution %s is %s, not awaiting approval", executionID, exec.Status)
	}

	gate, err := e.awaitingTrace(ctx, executionID)
	if err != nil {
		return nil, err
	}

	switch decision {
	case "approve":
		if err := e.store.ConsumeResumeToken(ctx, executionID, token, gate.ID, StepSucceeded); err != nil {
			return nil, err
		}
	case "deny":
		if err := e.store.ConsumeResumeToken(ctx, executionID, token, gate.ID, StepFailed); err != nil {
			return nil, err
		}
		if err := e.store.SetExecutionStatus(ctx, executionID, ExecCancelled, "approval denied"); err != nil {
			return nil, err
		}
		e.publish(ctx, events.ExecutionCanceled, executionID, map[string]interface{}{
			"executionId": executionID,
			"reason":      "approval denied",
		})
		return e.store.GetExecution(ctx, executionID)
	default:
		return nil, apperr.New(apperr.CodeValidation, "decision must be approve or deny")
	}

	if variables != nil {
		merged := exec.Variables
		if merged == nil {
			merged = map[string]interface{}{}
		}
		for k, v := range variables {
			merged[k] = v
		}
		if err := e.store.UpdateExecutionVariables(ctx, executionID, merged); err != nil {
			return nil, err
		}
	}

	e.publish(ctx, events.ExecutionResumed, executionID, map[string]interface{}{
		"executionId": executionID,
	})
	return e.driveLocked(ctx, executionID)
}

// Cancel cooperatively stops an execution and its sub executions.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if err := e.store.SetExecutionStatus(ctx, executionID, ExecCancelled, reason); err != nil {
		return err
	}
	e.publish(ctx, events.ExecutionCanceled, executionID, map[string]interface{}{
		"executionId": executionID,
		"reason":      reason,
	})

	children, err := e.store.ListChildExecutions(ctx, executionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.Cancel(ctx, child.ID, "parent cancelled"); err != nil {
			e.logger.Warn("failed to cancel sub execution",
				zap.String("execution_id", child.ID), zap.Error(err))
		}
	}
	return nil
}

// drive claims the run slot and interprets until completion or suspension.
func (e *Engine) drive(ctx context.Context, executionID string) (*Execution, error) {
	release, err := e.acquire(executionID)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.driveLocked(ctx, executionID)
}

func (e *Engine) driveLocked(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return exec, nil
	}

	version, err := e.store.GetVersionByHash(ctx, exec.WorkflowID, exec.WorkflowHash)
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(version.DefinitionJSON)
	if err != nil {
		return nil, err
	}
	traces, err := e.store.LatestTraces(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if exec.Status == ExecQueued {
		if err := e.store.SetExecutionStatus(ctx, executionID, ExecRunning, ""); err != nil {
			return nil, err
		}
		e.publish(ctx, events.ExecutionStarted, executionID, map[string]interface{}{
			"executionId": executionID,
			"workflowId":  exec.WorkflowID,
		})
	}

	rc := &runContext{
		engine: e,
		exec:   exec,
		def:    def,
		vars:   exec.Variables,
		traces: traces,
		log:    e.logger.WithExecutionID(executionID),
	}
	if rc.vars == nil {
		rc.vars = map[string]interface{}{}
	}

	runErr := rc.walk(ctx, def.Steps)
	switch {
	case errors.Is(runErr, errSuspended):
		// Persisted by SuspendForApproval; nothing further to do
	case runErr != nil:
		if err := e.store.SetExecutionStatus(ctx, executionID, ExecFailed, runErr.Error()); err != nil {
			return nil, err
		}
		e.publish(ctx, events.ExecutionFailed, executionID, map[string]interface{}{
			"executionId": executionID,
			"error":       runErr.Error(),
		})
	default:
		if err := e.store.SetExecutionStatus(ctx, executionID, ExecSucceeded, ""); err != nil {
			return nil, err
		}
		e.publish(ctx, events.ExecutionCompleted, executionID, map[string]interface{}{
			"executionId": executionID,
		})
	}

	if err := e.store.UpdateExecutionVariables(ctx, executionID, rc.vars); err != nil {
		rc.log.Warn("failed to persist execution variables", zap.Error(err))
	}
	return e.store.GetExecution(ctx, executionID)
}

func (e *Engine) awaitingTrace(ctx context.Context, executionID string) (*StepTrace, error) {
	traces, err := e.store.ListStepTraces(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	for i := len(traces) - 1; i >= 0; i-- {
		if traces[i].Status == StepAwaiting {
			return traces[i], nil
		}
	}
	return nil, apperr.New(apperr.CodeConflict, "execution %s has no awaiting gate", executionID)
}

func (e *Engine) publish(ctx context.Context, eventType, executionID string, data map[string]interface{}) {
	subject := events.BuildExecutionSubject(eventType, executionID)
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(eventType, "workflow", data)); err != nil {
		e.logger.Warn("failed to publish execution event",
			zap.String("execution_id", executionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// mintResumeToken returns a cryptographically random approval token.
func mintResumeToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to mint resume token: %w", err)
	}
	return resumeTokenPrefix + hex.EncodeToString(buf), nil
}

// DeriveWorkspace names the session workspace owned by an execution,
// deterministic in the workflow and execution ids.
func DeriveWorkspace(workflowID, executionID string) string {
	name := fmt.Sprintf("workflow-%s-%s", clip(workflowID, 16), clip(executionID, 16))
	name = workspaceCharset.ReplaceAllString(name, "-")
	if len(name) > maxWorkspaceLen {
		name = name[:maxWorkspaceLen]
	}
	return name
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// runContext carries the interpreter state for one drive of one execution.
type runContext struct {
	engine *Engine
	exec   *Execution
	def    *Definition
	vars   map[string]interface{}
	traces map[string]*StepTrace
	log    *logger.Logger
}

// walk interprets a step list in declaration order. It returns errSuspended
// when an approval gate parks the execution.
func (rc *runContext) walk(ctx context.Context, steps []map[string]interface{}) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.CodeTimeout, err, "execution deadline elapsed")
		}
		if err := rc.executeStep(ctx, step); err != nil {
			if errors.Is(err, errSuspended) {
				return err
			}
			if tolerates(step) {
				continue
			}
			return err
		}
	}
	return nil
}

func tolerates(step map[string]interface{}) bool {
	v, ok := step["continue_on_error"].(bool)
	return ok && v
}

func (rc *runContext) executeStep(ctx context.Context, step map[string]interface{}) error {
	sid := stepID(step)

	// Completed work replays as a no-op after a suspension
	if prev, ok := rc.traces[sid]; ok {
		switch prev.Status {
		case StepSucceeded, StepSkipped:
			return nil
		case StepFailed:
			return fmt.Errorf("step %s failed: %s", sid, prev.Error)
		}
	}

	switch stringField(step, "type") {
	case StepKindSequence:
		return rc.walk(ctx, childSteps(step, "steps"))

	case StepKindBranch:
		return rc.runBranch(ctx, step, sid)

	case StepKindTool:
		return rc.runTool(ctx, step, sid)

	case StepKindAgentMessage:
		return rc.runAgentMessage(ctx, step, sid)

	case StepKindApproval:
		return rc.runApproval(ctx, step, sid)

	case StepKindSleep:
		return rc.runSleep(ctx, step, sid)

	case StepKindSub:
		return rc.runSub(ctx, step, sid)

	default:
		trace, _ := rc.beginTrace(ctx, sid)
		err := fmt.Errorf("no interpreter for step type %q", stringField(step, "type"))
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
}

func (rc *runContext) runBranch(ctx context.Context, step map[string]interface{}, sid string) error {
	// The trace stays running until the chosen arm completes, so a
	// suspension inside the arm re-enters the branch on resume instead
	// of replaying it as already done.
	trace := rc.traces[sid]
	if trace == nil || trace.Status != StepRunning {
		var err error
		trace, err = rc.beginTrace(ctx, sid)
		if err != nil {
			return err
		}
	}

	arm := "else"
	if rc.evalPredicate(step["if"]) {
		arm = "then"
	}
	if err := rc.walk(ctx, childSteps(step, arm)); err != nil {
		if errors.Is(err, errSuspended) {
			return err
		}
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
	rc.finishTrace(ctx, trace, StepSucceeded, "")
	return nil
}

// evalPredicate evaluates a branch condition against the variable scope.
// Supported forms: a literal bool, a variable name (truthiness), or
// {var, equals?}.
func (rc *runContext) evalPredicate(cond interface{}) bool {
	switch v := cond.(type) {
	case bool:
		return v
	case string:
		return truthy(rc.vars[v])
	case map[string]interface{}:
		name, _ := v["var"].(string)
		value, ok := rc.vars[name]
		if expected, has := v["equals"]; has {
			return ok && fmt.Sprint(value) == fmt.Sprint(expected)
		}
		return ok && truthy(value)
	}
	return false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	}
	return true
}

func (rc *runContext) runTool(ctx context.Context, step map[string]interface{}, sid string) error {
	toolName := stringField(step, "tool")
	if toolName == "" {
		toolName = stringField(step, "name")
	}
	args, _ := step["args"].(map[string]interface{})
	attempts, backoff := retryPolicy(step)

	baseAttempt := 0
	if prev, ok := rc.traces[sid]; ok {
		baseAttempt = prev.Attempt
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		trace, err := rc.beginTraceAttempt(ctx, sid, baseAttempt+i)
		if err != nil {
			return err
		}

		if rc.engine.tools == nil {
			lastErr = fmt.Errorf("no tool invoker configured for tool %q", toolName)
			rc.finishTrace(ctx, trace, StepFailed, lastErr.Error())
			return lastErr
		}

		result, err := rc.engine.tools.Invoke(ctx, toolName, args)
		if err == nil {
			rc.finishTrace(ctx, trace, StepSucceeded, "")
			if register := stringField(step, "register"); register != "" {
				rc.vars[register] = result
			}
			return nil
		}

		lastErr = err
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		if i < attempts && backoff > 0 {
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "execution deadline elapsed")
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("tool %s failed after %d attempts: %w", toolName, attempts, lastErr)
}

func retryPolicy(step map[string]interface{}) (int, time.Duration) {
	retry, ok := step["retry"].(map[string]interface{})
	if !ok {
		return 1, 0
	}
	attempts := 1
	if v, ok := numberField(retry, "attempts"); ok && v >= 1 {
		attempts = int(v)
	}
	var backoff time.Duration
	if v, ok := numberField(retry, "backoffMs"); ok && v > 0 {
		backoff = time.Duration(v) * time.Millisecond
	}
	return attempts, backoff
}

func (rc *runContext) runAgentMessage(ctx context.Context, step map[string]interface{}, sid string) error {
	trace, err := rc.beginTrace(ctx, sid)
	if err != nil {
		return err
	}
	if rc.engine.agents == nil {
		err := fmt.Errorf("no agent gateway configured")
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}

	workspace := DeriveWorkspace(rc.exec.WorkflowID, rc.exec.ID)
	sessionID, err := rc.engine.agents.EnsureSession(ctx, workspace, rc.def.Name)
	if err != nil {
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
	if err := rc.engine.agents.Wake(ctx, sessionID); err != nil {
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
	defer func() {
		if err := rc.engine.agents.Hibernate(ctx, sessionID); err != nil {
			rc.log.Warn("failed to hibernate workflow session",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	if _, err := rc.engine.agents.Prompt(ctx, sessionID, stepContent(step), stringField(step, "model")); err != nil {
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}

	if awaits(step) {
		timeout := rc.engine.cfg.StepTimeoutDuration()
		if v, ok := numberField(step, "await_timeout_ms"); ok {
			timeout = time.Duration(v) * time.Millisecond
		}
		response, err := rc.engine.agents.AwaitResponse(ctx, sessionID, timeout)
		if err != nil {
			rc.finishTrace(ctx, trace, StepFailed, err.Error())
			return err
		}
		if register := stringField(step, "register"); register != "" {
			rc.vars[register] = response
		}
	}

	rc.finishTrace(ctx, trace, StepSucceeded, "")
	return nil
}

func (rc *runContext) runApproval(ctx context.Context, _ map[string]interface{}, sid string) error {
	trace, err := rc.beginTrace(ctx, sid)
	if err != nil {
		return err
	}
	token, err := mintResumeToken()
	if err != nil {
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
	if err := rc.engine.store.SuspendForApproval(ctx, rc.exec.ID, trace.ID, token); err != nil {
		return err
	}
	rc.engine.publish(ctx, events.ExecutionAwaitingApproval, rc.exec.ID, map[string]interface{}{
		"executionId": rc.exec.ID,
		"stepId":      sid,
	})
	return errSuspended
}

func (rc *runContext) runSleep(ctx context.Context, step map[string]interface{}, sid string) error {
	trace, err := rc.beginTrace(ctx, sid)
	if err != nil {
		return err
	}

	duration := minSleep
	if v, ok := numberField(step, "seconds"); ok {
		duration = time.Duration(v * float64(time.Second))
	}
	if duration < minSleep {
		duration = minSleep
	}
	if duration > maxSleep {
		duration = maxSleep
	}

	select {
	case <-ctx.Done():
		rc.finishTrace(ctx, trace, StepFailed, "cancelled during sleep")
		return apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "execution deadline elapsed")
	case <-time.After(duration):
	}
	rc.finishTrace(ctx, trace, StepSucceeded, "")
	return nil
}

// runSub spawns and synchronously drives a child execution. Child failure
// propagates to the parent step.
func (rc *runContext) runSub(ctx context.Context, step map[string]interface{}, sid string) error {
	trace, err := rc.beginTrace(ctx, sid)
	if err != nil {
		return err
	}

	slug := stringField(step, "workflow")
	if slug == "" {
		err := fmt.Errorf("sub step %s names no workflow", sid)
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
	wf, err := rc.engine.store.GetWorkflowBySlug(ctx, slug)
	if err != nil {
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}

	vars, _ := step["variables"].(map[string]interface{})
	child := &Execution{
		WorkflowID:        wf.ID,
		WorkflowHash:      wf.CurrentHash,
		Trigger:           "sub:" + rc.exec.ID,
		Variables:         vars,
		ParentExecutionID: &rc.exec.ID,
	}
	if err := rc.engine.store.CreateExecution(ctx, child); err != nil {
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}

	result, err := rc.engine.drive(ctx, child.ID)
	if err != nil {
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
	switch result.Status {
	case ExecSucceeded:
		rc.finishTrace(ctx, trace, StepSucceeded, "")
		if register := stringField(step, "register"); register != "" {
			rc.vars[register] = result.ID
		}
		return nil
	case ExecNeedsApproval:
		// A gate inside a sub execution cannot park the parent; the
		// child keeps its token and the parent step fails.
		err := fmt.Errorf("sub execution %s suspended for approval", result.ID)
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	default:
		err := fmt.Errorf("sub execution %s ended %s: %s", result.ID, result.Status, result.Error)
		rc.finishTrace(ctx, trace, StepFailed, err.Error())
		return err
	}
}

func (rc *runContext) beginTrace(ctx context.Context, sid string) (*StepTrace, error) {
	attempt := 1
	if prev, ok := rc.traces[sid]; ok {
		attempt = prev.Attempt + 1
	}
	return rc.beginTraceAttempt(ctx, sid, attempt)
}

func (rc *runContext) beginTraceAttempt(ctx context.Context, sid string, attempt int) (*StepTrace, error) {
	now := time.Now().UTC()
	trace := &StepTrace{
		ExecutionID: rc.exec.ID,
		StepID:      sid,
		Attempt:     attempt,
		Status:      StepRunning,
		StartedAt:   &now,
	}
	if err := rc.engine.store.AppendStepTrace(ctx, trace); err != nil {
		return nil, err
	}
	rc.traces[sid] = trace
	return trace, nil
}

func (rc *runContext) finishTrace(ctx context.Context, trace *StepTrace, status StepStatus, errMsg string) {
	if trace == nil {
		return
	}
	trace.Status = status
	trace.Error = errMsg
	if err := rc.engine.store.ResolveStepTrace(ctx, trace.ID, status, errMsg); err != nil {
		rc.log.Error("failed to resolve step trace",
			zap.String("trace_id", trace.ID), zap.Error(err))
	}
	rc.engine.publish(ctx, events.ExecutionStepCompleted, rc.exec.ID, map[string]interface{}{
		"executionId": rc.exec.ID,
		"stepId":      trace.StepID,
		"attempt":     trace.Attempt,
		"status":      string(status),
	})
}

func childSteps(step map[string]interface{}, key string) []map[string]interface{} {
	list, _ := step[key].([]interface{})
	steps := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if child, ok := item.(map[string]interface{}); ok {
			steps = append(steps, child)
		}
	}
	return steps
}
