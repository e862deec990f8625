// Package session implements the session registry, per-session actors, and
// the parent/child hierarchy of sandboxed agent conversations.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/runner"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/sandbox"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/store"
)

const (
	// defaultCallTimeout bounds how long callers wait for an actor reply.
	defaultCallTimeout = 30 * time.Second

	// terminateGrace is how long terminate waits for the runner to wind
	// down after a stop frame before tearing the sandbox away.
	terminateGrace = 5 * time.Second

	eventSource = "session"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPrompt
	cmdAnswer
	cmdForward
	cmdTerminate
	cmdHibernate
	cmdStatus
	cmdLinkUp
	cmdLinkDown
	cmdFrame
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan reply

	// prompt
	messageID string
	content   string
	model     string
	interrupt bool
	role      string

	// answer
	questionID string
	answer     string

	// forward
	fromSessionID string
	limit         int
	after         *time.Time

	// link
	link    *runner.Link
	linkErr error

	// frame
	frame *runner.Frame
}

type reply struct {
	value interface{}
	err   error
}

// pendingPrompt is a queued prompt awaiting dispatch to the runner.
type pendingPrompt struct {
	messageID string
	content   string
	model     string
	role      string
	interrupt bool
	persisted bool
}

// actorDeps bundles what every actor needs.
type actorDeps struct {
	store      *store.Store
	bus        bus.EventBus
	supervisor sandbox.Supervisor
	sandboxCfg config.SandboxConfig
	runnerCfg  config.RunnerConfig
	logger     *logger.Logger
}

// Actor is the single-writer execution context for one session. All state
// below the inbox is goroutine-confined to the run loop.
type Actor struct {
	id    string
	deps  *actorDeps
	inbox chan *command

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// run-loop state
	sess             *models.Session
	link             *runner.Link
	agentStatus      string
	awaitingAbort    bool
	inflight         *pendingPrompt
	promptQueue      []*pendingPrompt
	pendingQuestions map[string]string
	streamBuf        map[string]*strings.Builder
}

func newActor(sess *models.Session, deps *actorDeps) *Actor {
	size := deps.runnerCfg.MailboxSize
	if size <= 0 {
		size = 64
	}
	a := &Actor{
		id:               sess.ID,
		deps:             deps,
		inbox:            make(chan *command, size),
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
		sess:             sess,
		agentStatus:      runner.AgentStatusIdle,
		pendingQuestions: make(map[string]string),
		streamBuf:        make(map[string]*strings.Builder),
	}
	go a.run()
	return a
}

// stop ends the run loop. Used when the registry evicts the actor.
func (a *Actor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.stopCh:
			return
		case cmd := <-a.inbox:
			a.handle(cmd)
		}
	}
}

// post enqueues a command and awaits the reply. A full inbox rejects with
// BUSY rather than blocking; slow handling surfaces TIMEOUT.
func (a *Actor) post(ctx context.Context, cmd *command) (interface{}, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)

	select {
	case a.inbox <- cmd:
	default:
		return nil, apperr.New(apperr.CodeBusy, "session %s inbox is full", a.id)
	}

	deadline := defaultCallTimeout
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}

	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-time.After(deadline):
		return nil, apperr.New(apperr.CodeTimeout, "session %s did not reply within %v", a.id, deadline)
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "session call canceled")
	}
}

// postAsync enqueues a command without awaiting a reply. Used for runner
// frames, which have no caller to answer.
func (a *Actor) postAsync(cmd *command) {
	cmd.ctx = context.Background()
	select {
	case a.inbox <- cmd:
	default:
		a.deps.logger.Warn("dropping command for saturated session actor",
			zap.String("session_id", a.id),
			zap.Int("kind", int(cmd.kind)))
	}
}

func (a *Actor) handle(cmd *command) {
	var r reply
	switch cmd.kind {
	case cmdStart:
		r.err = a.handleStart(cmd.ctx)
	case cmdPrompt:
		r.value, r.err = a.handlePrompt(cmd.ctx, cmd)
	case cmdAnswer:
		r.err = a.handleAnswer(cmd)
	case cmdForward:
		r.value, r.err = a.handleForward(cmd.ctx, cmd)
	case cmdTerminate:
		r.err = a.handleTerminate(cmd.ctx)
	case cmdHibernate:
		r.err = a.handleHibernate(cmd.ctx)
	case cmdStatus:
		r.value = a.sess.Status
	case cmdLinkUp:
		r.err = a.handleLinkUp(cmd.ctx, cmd.link)
	case cmdLinkDown:
		a.handleLinkDown(cmd.linkErr)
	case cmdFrame:
		a.handleFrame(cmd.ctx, cmd.frame)
	}
	if cmd.reply != nil {
		cmd.reply <- r
	}
}

// transition moves the session through the state machine, persists the new
// status, and emits a state change event. Invalid moves fail with CONFLICT.
func (a *Actor) transition(ctx context.Context, next models.Status) error {
	if a.sess.Status == next {
		return nil
	}
	if !a.sess.Status.CanTransitionTo(next) {
		return apperr.New(apperr.CodeConflict,
			"session %s cannot move from %s to %s", a.id, a.sess.Status, next)
	}
	if err := a.deps.store.UpdateStatus(ctx, a.id, next); err != nil {
		return err
	}
	prev := a.sess.Status
	a.sess.Status = next
	a.sess.UpdatedAt = time.Now().UTC()

	eventType := events.SessionStateChanged
	if next == models.StatusTerminated {
		eventType = events.SessionTerminated
	}
	a.publish(ctx, events.BuildSessionStateSubject(a.id), eventType, map[string]interface{}{
		"sessionId": a.id,
		"from":      string(prev),
		"to":        string(next),
	})
	return nil
}

func (a *Actor) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := a.deps.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		a.deps.logger.Warn("failed to publish session event",
			zap.String("session_id", a.id),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// handleStart provisions the sandbox and waits for it to become healthy.
// The runner handshake (LinkUp) completes the move to running.
func (a *Actor) handleStart(ctx context.Context) error {
	switch a.sess.Status {
	case models.StatusRunning, models.StatusIdle, models.StatusStarting:
		return nil
	case models.StatusTerminated:
		return apperr.New(apperr.CodeConflict, "session %s is terminated", a.id)
	}

	if err := a.transition(ctx, models.StatusStarting); err != nil {
		return err
	}

	cfg := a.deps.sandboxCfg
	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeoutDuration())
	defer cancel()

	sb, err := a.deps.supervisor.GetOrCreateSandbox(startCtx, sandbox.CreateRequest{
		Handle:        sandbox.HandleForSession(a.id),
		Image:         cfg.Image,
		Port:          cfg.RunnerPort,
		CallbackToken: a.sess.CallbackToken,
		IdleTimeout:   time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		StartTimeout:  cfg.StartTimeoutDuration(),
	})
	if err == nil {
		err = sandbox.WaitHealthy(startCtx, a.deps.supervisor, sb.TunnelURL,
			cfg.StartTimeoutDuration(), cfg.HealthPolls)
	}
	if err != nil {
		if terr := a.transition(ctx, models.StatusError); terr != nil {
			a.deps.logger.Error("failed to record error state",
				zap.String("session_id", a.id), zap.Error(terr))
		}
		return err
	}

	a.publish(ctx, events.BuildSessionStateSubject(a.id), events.SandboxProvisioned, map[string]interface{}{
		"sessionId": a.id,
		"sandboxId": sb.SandboxID,
	})
	return nil
}

// handlePrompt enqueues a user prompt. Non-interrupt prompts are persisted
// immediately; interrupt prompts are persisted only after the runner
// acknowledges the abort, so the message log reflects delivery order.
func (a *Actor) handlePrompt(ctx context.Context, cmd *command) (string, error) {
	if a.sess.Status == models.StatusTerminated {
		return "", apperr.New(apperr.CodeConflict, "session %s is terminated", a.id)
	}

	p := &pendingPrompt{
		messageID: cmd.messageID,
		content:   cmd.content,
		model:     cmd.model,
		role:      cmd.role,
		interrupt: cmd.interrupt,
	}
	if p.messageID == "" {
		p.messageID = uuid.New().String()
	}
	if p.role == "" {
		p.role = models.RoleUser
	}

	busy := a.inflight != nil || a.agentStatus != runner.AgentStatusIdle

	if p.interrupt && busy {
		a.promptQueue = append([]*pendingPrompt{p}, a.promptQueue...)
		if !a.awaitingAbort {
			a.awaitingAbort = true
			if err := a.sendFrame(runner.NewAbortFrame()); err != nil {
				a.awaitingAbort = false
				a.promptQueue = a.promptQueue[1:]
				return "", err
			}
		}
		return p.messageID, nil
	}

	if err := a.persistPrompt(ctx, p); err != nil {
		return "", err
	}
	a.promptQueue = append(a.promptQueue, p)
	a.dispatchNext(ctx)
	return p.messageID, nil
}

// persistPrompt writes the prompt message. Idempotent on message id.
func (a *Actor) persistPrompt(ctx context.Context, p *pendingPrompt) error {
	if p.persisted {
		return nil
	}
	msg := &models.Message{
		ID:        p.messageID,
		SessionID: a.id,
		Role:      p.role,
		Content:   p.content,
	}
	inserted, err := a.deps.store.AppendMessage(ctx, msg)
	if err != nil {
		return err
	}
	p.persisted = true
	if inserted {
		a.publish(ctx, events.BuildMessageAddedSubject(a.id), events.MessageAdded, map[string]interface{}{
			"sessionId": a.id,
			"messageId": msg.ID,
			"role":      msg.Role,
		})
	}
	return nil
}

// dispatchNext forwards the head of the prompt queue to the runner when the
// link is up and the agent is free. Prompts are strictly FIFO.
func (a *Actor) dispatchNext(ctx context.Context) {
	if a.inflight != nil || a.awaitingAbort || len(a.promptQueue) == 0 {
		return
	}
	if a.link == nil || !a.link.IsConnected() {
		return
	}
	if a.agentStatus != runner.AgentStatusIdle {
		return
	}

	p := a.promptQueue[0]
	if err := a.persistPrompt(ctx, p); err != nil {
		a.deps.logger.Error("failed to persist prompt",
			zap.String("session_id", a.id), zap.Error(err))
		return
	}
	if err := a.sendFrame(runner.NewPromptFrame(p.messageID, p.content, p.model)); err != nil {
		a.deps.logger.Warn("prompt dispatch failed, will retry on reconnect",
			zap.String("session_id", a.id), zap.Error(err))
		return
	}
	a.promptQueue = a.promptQueue[1:]
	a.inflight = p
}

func (a *Actor) sendFrame(frame *runner.Frame) error {
	if a.link == nil || !a.link.IsConnected() {
		return apperr.New(apperr.CodeRunnerDisconnected, "no runner link for session %s", a.id)
	}
	return a.link.Send(frame)
}

func (a *Actor) handleAnswer(cmd *command) error {
	if _, ok := a.pendingQuestions[cmd.questionID]; !ok {
		return apperr.New(apperr.CodeNotFound, "no pending question %s", cmd.questionID)
	}
	if err := a.sendFrame(runner.NewAnswerFrame(cmd.questionID, cmd.answer)); err != nil {
		return err
	}
	delete(a.pendingQuestions, cmd.questionID)
	return nil
}

// handleForward copies messages from another session into this log. Runs on
// this actor so the single-writer rule holds for the destination.
func (a *Actor) handleForward(ctx context.Context, cmd *command) (int, error) {
	if a.sess.Status == models.StatusTerminated {
		return 0, apperr.New(apperr.CodeConflict, "session %s is terminated", a.id)
	}
	count, err := a.deps.store.ForwardMessages(ctx, cmd.fromSessionID, a.id, cmd.limit, cmd.after)
	if err != nil {
		return 0, err
	}
	a.publish(ctx, events.BuildMessageAddedSubject(a.id), events.MessageAdded, map[string]interface{}{
		"sessionId":      a.id,
		"forwardedFrom":  cmd.fromSessionID,
		"forwardedCount": count,
	})
	return count, nil
}

func (a *Actor) handleTerminate(ctx context.Context) error {
	if a.sess.Status == models.StatusTerminated {
		return nil
	}

	if a.link != nil && a.link.IsConnected() {
		if err := a.sendFrame(runner.NewStopFrame()); err == nil {
			a.waitLinkClosed(terminateGrace)
		}
	}

	if err := a.deps.supervisor.TerminateSandbox(ctx, sandbox.HandleForSession(a.id)); err != nil {
		a.deps.logger.Warn("sandbox teardown failed during terminate",
			zap.String("session_id", a.id), zap.Error(err))
	}

	if err := a.transition(ctx, models.StatusTerminated); err != nil {
		return err
	}
	a.dropLink()
	a.promptQueue = nil
	a.inflight = nil
	a.awaitingAbort = false
	return nil
}

func (a *Actor) handleHibernate(ctx context.Context) error {
	switch a.sess.Status {
	case models.StatusHibernated:
		return nil
	case models.StatusRunning, models.StatusIdle:
	default:
		return apperr.New(apperr.CodeConflict,
			"session %s cannot hibernate from %s", a.id, a.sess.Status)
	}

	if a.link != nil && a.link.IsConnected() {
		if err := a.sendFrame(runner.NewStopFrame()); err == nil {
			a.waitLinkClosed(terminateGrace)
		}
	}
	if err := a.deps.supervisor.TerminateSandbox(ctx, sandbox.HandleForSession(a.id)); err != nil {
		a.deps.logger.Warn("sandbox teardown failed during hibernate",
			zap.String("session_id", a.id), zap.Error(err))
	}
	if err := a.transition(ctx, models.StatusHibernated); err != nil {
		return err
	}
	a.dropLink()
	return nil
}

// waitLinkClosed gives the runner a bounded grace period to wind down.
func (a *Actor) waitLinkClosed(grace time.Duration) {
	if a.link == nil {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-a.link.Done():
	case <-timer.C:
	}
}

func (a *Actor) dropLink() {
	if a.link != nil {
		a.link.Close()
		a.link = nil
	}
}

func (a *Actor) handleLinkUp(ctx context.Context, link *runner.Link) error {
	if a.sess.Status == models.StatusTerminated {
		return apperr.New(apperr.CodeConflict, "session %s is terminated", a.id)
	}

	a.dropLink()
	a.link = link
	a.agentStatus = runner.AgentStatusIdle

	switch a.sess.Status {
	case models.StatusStarting:
		if err := a.transition(ctx, models.StatusRunning); err != nil {
			return err
		}
		if err := a.deps.store.MarkStarted(ctx, a.id); err != nil {
			return err
		}
	case models.StatusError:
		// Reconnect restores a link that heartbeat loss declared dead
		if err := a.transition(ctx, models.StatusStarting); err != nil {
			return err
		}
		if err := a.transition(ctx, models.StatusRunning); err != nil {
			return err
		}
	}

	a.publish(ctx, events.BuildSessionStateSubject(a.id), events.RunnerConnected, map[string]interface{}{
		"sessionId": a.id,
	})

	// Retry the in-flight prompt once; the runner dedups on message id
	if a.inflight != nil {
		p := a.inflight
		a.inflight = nil
		a.promptQueue = append([]*pendingPrompt{p}, a.promptQueue...)
	}
	a.dispatchNext(ctx)
	return nil
}

func (a *Actor) handleLinkDown(linkErr error) {
	ctx := context.Background()
	a.link = nil

	a.publish(ctx, events.BuildSessionStateSubject(a.id), events.RunnerDisconnected, map[string]interface{}{
		"sessionId": a.id,
	})

	if linkErr == nil {
		return
	}
	switch a.sess.Status {
	case models.StatusRunning, models.StatusIdle:
		if err := a.transition(ctx, models.StatusError); err != nil {
			a.deps.logger.Error("failed to record link loss",
				zap.String("session_id", a.id), zap.Error(err))
		}
	}
}

// handleFrame processes one inbound runner frame. Frames for a terminated
// session are dropped with a structured log and no state change.
func (a *Actor) handleFrame(ctx context.Context, frame *runner.Frame) {
	if a.sess.Status == models.StatusTerminated {
		a.deps.logger.Warn("dropping runner frame for terminated session",
			zap.String("session_id", a.id),
			zap.String("frame_type", string(frame.Type)))
		return
	}

	switch frame.Type {
	case runner.FrameStream:
		buf, ok := a.streamBuf[frame.MessageID]
		if !ok {
			buf = &strings.Builder{}
			a.streamBuf[frame.MessageID] = buf
		}
		buf.WriteString(frame.Content)
		a.publish(ctx, events.BuildSessionStreamSubject(a.id), events.SessionStream, map[string]interface{}{
			"sessionId": a.id,
			"messageId": frame.MessageID,
			"content":   frame.Content,
		})

	case runner.FrameResult:
		a.finalizeResult(ctx, frame)

	case runner.FrameTool:
		a.persistToolCall(ctx, frame)

	case runner.FrameQuestion:
		a.pendingQuestions[frame.QuestionID] = frame.Text
		a.publish(ctx, events.BuildSessionStreamSubject(a.id), events.SessionStream, map[string]interface{}{
			"sessionId":  a.id,
			"questionId": frame.QuestionID,
			"question":   frame.Text,
			"options":    frame.Options,
		})

	case runner.FrameAgentStatus:
		a.applyAgentStatus(ctx, frame.Status)

	case runner.FrameComplete:
		a.inflight = nil
		a.dispatchNext(ctx)

	case runner.FrameError:
		a.deps.logger.Warn("runner reported error",
			zap.String("session_id", a.id),
			zap.String("message_id", frame.MessageID),
			zap.String("error", frame.Error))
		a.publish(ctx, events.BuildSessionStreamSubject(a.id), events.SessionStream, map[string]interface{}{
			"sessionId": a.id,
			"messageId": frame.MessageID,
			"error":     frame.Error,
		})
		a.inflight = nil
		a.dispatchNext(ctx)

	case runner.FrameAborted:
		a.awaitingAbort = false
		a.inflight = nil
		a.agentStatus = runner.AgentStatusIdle
		a.dispatchNext(ctx)

	case runner.FrameScreenshot, runner.FrameCreatePR, runner.FrameModels,
		runner.FrameReverted, runner.FrameDiffReq:
		// Surfaced to subscribers; no actor state involved
		a.publish(ctx, events.BuildSessionStreamSubject(a.id), events.SessionStream, map[string]interface{}{
			"sessionId": a.id,
			"frameType": string(frame.Type),
			"frame":     frame,
		})

	default:
		a.deps.logger.Warn("ignoring unknown runner frame type",
			zap.String("session_id", a.id),
			zap.String("frame_type", string(frame.Type)))
	}
}

// finalizeResult persists the authoritative assistant message. Any partial
// stream content is replaced by the result.
func (a *Actor) finalizeResult(ctx context.Context, frame *runner.Frame) {
	delete(a.streamBuf, frame.MessageID)

	msg := &models.Message{
		ID:        frame.MessageID,
		SessionID: a.id,
		Role:      models.RoleAssistant,
		Content:   frame.Content,
	}
	inserted, err := a.deps.store.AppendMessage(ctx, msg)
	if err != nil {
		a.deps.logger.Error("failed to persist result",
			zap.String("session_id", a.id), zap.Error(err))
		return
	}
	if !inserted {
		// The id was already written (e.g. duplicated result after a
		// reconnect); the final content wins.
		if err := a.deps.store.ReplaceStreamedContent(ctx, frame.MessageID, frame.Content); err != nil {
			a.deps.logger.Error("failed to replace streamed content",
				zap.String("session_id", a.id), zap.Error(err))
			return
		}
	}
	a.publish(ctx, events.BuildMessageAddedSubject(a.id), events.MessageAdded, map[string]interface{}{
		"sessionId": a.id,
		"messageId": frame.MessageID,
		"role":      models.RoleAssistant,
	})
}

func (a *Actor) persistToolCall(ctx context.Context, frame *runner.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		a.deps.logger.Error("failed to serialize tool frame", zap.Error(err))
		return
	}
	msg := &models.Message{
		ID:        fmt.Sprintf("tool-%s-%s", frame.CallID, frame.Status),
		SessionID: a.id,
		Role:      models.RoleTool,
		Content:   frame.ToolName,
		ToolCall:  payload,
	}
	if _, err := a.deps.store.AppendMessage(ctx, msg); err != nil {
		a.deps.logger.Error("failed to persist tool call",
			zap.String("session_id", a.id), zap.Error(err))
		return
	}
	a.publish(ctx, events.BuildMessageAddedSubject(a.id), events.MessageAdded, map[string]interface{}{
		"sessionId": a.id,
		"messageId": msg.ID,
		"role":      models.RoleTool,
		"toolName":  frame.ToolName,
	})
}

// applyAgentStatus tracks the runner's self-reported status and mirrors it
// onto the session's running/idle states.
func (a *Actor) applyAgentStatus(ctx context.Context, status string) {
	if status == "" {
		return
	}
	a.agentStatus = status

	var target models.Status
	if status == runner.AgentStatusIdle {
		target = models.StatusIdle
	} else {
		target = models.StatusRunning
	}
	if a.sess.Status == target {
		if status == runner.AgentStatusIdle {
			a.dispatchNext(ctx)
		}
		return
	}
	if a.sess.Status.CanTransitionTo(target) {
		if err := a.transition(ctx, target); err != nil {
			a.deps.logger.Error("failed to mirror agent status",
				zap.String("session_id", a.id), zap.Error(err))
		}
	}
	if status == runner.AgentStatusIdle {
		a.dispatchNext(ctx)
	}
}
