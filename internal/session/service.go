package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/runner"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/sandbox"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/store"
)

// Service is the public surface of the session subsystem. It owns the
// registry of live actors and implements runner.Sink so links route into
// their session's actor.
type Service struct {
	store    *store.Store
	registry *Registry
	logger   *logger.Logger
}

// NewService wires the session subsystem together.
func NewService(st *store.Store, eventBus bus.EventBus, supervisor sandbox.Supervisor,
	sandboxCfg config.SandboxConfig, runnerCfg config.RunnerConfig, log *logger.Logger) *Service {

	deps := &actorDeps{
		store:      st,
		bus:        eventBus,
		supervisor: supervisor,
		sandboxCfg: sandboxCfg,
		runnerCfg:  runnerCfg,
		logger:     log.WithFields(zap.String("component", "session")),
	}
	return &Service{
		store:    st,
		registry: NewRegistry(deps),
		logger:   deps.logger,
	}
}

// Close stops all live actors.
func (s *Service) Close() {
	s.registry.Close()
}

// SpawnRequest describes a new session.
type SpawnRequest struct {
	UserID    string                 `json:"userId"`
	Workspace string                 `json:"workspace"`
	Title     string                 `json:"title"`
	Purpose   models.Purpose         `json:"purpose"`
	ModelPref string                 `json:"modelPref"`
	Metadata  map[string]interface{} `json:"metadata"`
	Git       *models.GitState       `json:"git"`

	// AutoStart provisions the sandbox immediately after creation.
	AutoStart bool `json:"autoStart"`
}

func validateWorkspace(workspace string) error {
	if workspace == "" {
		return apperr.New(apperr.CodeValidation, "workspace is required")
	}
	if strings.Contains(workspace, "/") {
		return apperr.New(apperr.CodeValidation, "workspace name must not contain '/'")
	}
	return nil
}

// Spawn creates a session and, when requested, starts provisioning its
// sandbox in the background.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*models.Session, error) {
	if req.UserID == "" {
		return nil, apperr.New(apperr.CodeValidation, "userId is required")
	}
	if err := validateWorkspace(req.Workspace); err != nil {
		return nil, err
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = models.PurposeInteractive
	}

	// Workflow-owned sessions are born parked: the engine wakes them per
	// step, so they never sit in pending waiting for a first start.
	status := models.StatusPending
	if purpose == models.PurposeWorkflow {
		status = models.StatusHibernated
	}

	sess := &models.Session{
		UserID:        req.UserID,
		Workspace:     req.Workspace,
		Title:         req.Title,
		Status:        status,
		Purpose:       purpose,
		ModelPref:     req.ModelPref,
		Metadata:      req.Metadata,
		CallbackToken: uuid.New().String(),
	}
	if err := s.store.CreateSession(ctx, sess, req.Git); err != nil {
		return nil, err
	}

	actor := s.registry.Adopt(sess)
	if req.AutoStart {
		s.startInBackground(actor)
	}
	return sess, nil
}

// SpawnChild creates a session under a parent. The child inherits the
// parent's user and is delivered results via forwarding and notify-parent.
func (s *Service) SpawnChild(ctx context.Context, parentID string, req SpawnRequest) (*models.Session, error) {
	parent, err := s.store.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status == models.StatusTerminated {
		return nil, apperr.New(apperr.CodeConflict, "parent session %s is terminated", parentID)
	}
	if err := validateWorkspace(req.Workspace); err != nil {
		return nil, err
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = models.PurposeChild
	}

	sess := &models.Session{
		UserID:        parent.UserID,
		ParentID:      &parentID,
		Workspace:     req.Workspace,
		Title:         req.Title,
		Status:        models.StatusPending,
		Purpose:       purpose,
		ModelPref:     req.ModelPref,
		Metadata:      req.Metadata,
		CallbackToken: uuid.New().String(),
	}
	if err := s.store.CreateSession(ctx, sess, req.Git); err != nil {
		return nil, err
	}

	actor := s.registry.Adopt(sess)
	if req.AutoStart {
		s.startInBackground(actor)
	}
	return sess, nil
}

func (s *Service) startInBackground(actor *Actor) {
	go func() {
		ctx := context.Background()
		if _, err := actor.post(ctx, &command{kind: cmdStart}); err != nil {
			s.logger.Error("background session start failed",
				zap.String("session_id", actor.id), zap.Error(err))
		}
	}()
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// List returns a user's sessions ordered by creation.
func (s *Service) List(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.store.ListByUser(ctx, userID)
}

// ListChildren returns a session's direct children.
func (s *Service) ListChildren(ctx context.Context, parentID string) ([]*models.Session, error) {
	return s.store.ListChildren(ctx, parentID)
}

// Start provisions the sandbox and blocks until it is healthy or fails.
func (s *Service) Start(ctx context.Context, sessionID string) error {
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = actor.post(ctx, &command{kind: cmdStart})
	return err
}

// Prompt appends a user message and schedules it for the runner. Returns the
// message id; when messageID is supplied the call is idempotent.
func (s *Service) Prompt(ctx context.Context, sessionID, messageID, content, model string, interrupt bool) (string, error) {
	if content == "" {
		return "", apperr.New(apperr.CodeValidation, "content is required")
	}
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return "", err
	}
	v, err := actor.post(ctx, &command{
		kind:      cmdPrompt,
		messageID: messageID,
		content:   content,
		model:     model,
		interrupt: interrupt,
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Answer resolves a pending runner question.
func (s *Service) Answer(ctx context.Context, sessionID, questionID, value string) error {
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = actor.post(ctx, &command{kind: cmdAnswer, questionID: questionID, answer: value})
	return err
}

// Messages returns the session log ordered by (created_at, id).
func (s *Service) Messages(ctx context.Context, sessionID string, limit int, after *time.Time) ([]*models.Message, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, limit, after)
}

// Forward copies messages from one session's log into another with source
// attribution. The write runs on the destination actor.
func (s *Service) Forward(ctx context.Context, fromID, toID string, limit int, after *time.Time) (int, error) {
	if fromID == toID {
		return 0, apperr.New(apperr.CodeValidation, "cannot forward a session to itself")
	}
	if _, err := s.store.GetSession(ctx, fromID); err != nil {
		return 0, err
	}
	actor, err := s.registry.GetOrCreate(ctx, toID)
	if err != nil {
		return 0, err
	}
	v, err := actor.post(ctx, &command{
		kind:          cmdForward,
		fromSessionID: fromID,
		limit:         limit,
		after:         after,
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SessionMessage lets one session post a prompt into another. Allowed when
// both belong to the same user or the caller is an ancestor of the target.
func (s *Service) SessionMessage(ctx context.Context, callerID, targetID, content string, interrupt bool) (string, error) {
	caller, err := s.store.GetSession(ctx, callerID)
	if err != nil {
		return "", err
	}
	target, err := s.store.GetSession(ctx, targetID)
	if err != nil {
		return "", err
	}

	if caller.UserID != target.UserID {
		ancestor, err := s.store.IsAncestor(ctx, callerID, targetID)
		if err != nil {
			return "", err
		}
		if !ancestor {
			return "", apperr.New(apperr.CodeForbidden,
				"session %s may not message session %s", callerID, targetID)
		}
	}

	return s.Prompt(ctx, targetID, "", content, "", interrupt)
}

// NotifyParent posts a message from a child session into its parent's log.
func (s *Service) NotifyParent(ctx context.Context, childID, content string) (string, error) {
	child, err := s.store.GetSession(ctx, childID)
	if err != nil {
		return "", err
	}
	if child.ParentID == nil {
		return "", apperr.New(apperr.CodeValidation, "session %s has no parent", childID)
	}
	return s.SessionMessage(ctx, childID, *child.ParentID, content, false)
}

// Terminate stops the runner, tears down the sandbox, and moves the session
// to its absorbing terminated state. Idempotent.
func (s *Service) Terminate(ctx context.Context, sessionID string) error {
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := actor.post(ctx, &command{kind: cmdTerminate}); err != nil {
		return err
	}
	s.registry.Evict(sessionID)
	return nil
}

// Hibernate releases the sandbox but keeps the session resumable.
func (s *Service) Hibernate(ctx context.Context, sessionID string) error {
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = actor.post(ctx, &command{kind: cmdHibernate})
	return err
}

// Wake re-provisions a hibernated session's sandbox.
func (s *Service) Wake(ctx context.Context, sessionID string) error {
	return s.Start(ctx, sessionID)
}

// Heartbeat defers the sandbox idle timeout. Sent while a human is actively
// watching the session; never required for correctness.
func (s *Service) Heartbeat(sessionID string) {
	s.registry.deps.supervisor.Heartbeat(sandbox.HandleForSession(sessionID))
}

// Status returns the live status as the actor sees it.
func (s *Service) Status(ctx context.Context, sessionID string) (models.Status, error) {
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return "", err
	}
	v, err := actor.post(ctx, &command{kind: cmdStatus})
	if err != nil {
		return "", err
	}
	return v.(models.Status), nil
}

// GitState returns a session's repository binding.
func (s *Service) GitState(ctx context.Context, sessionID string) (*models.GitState, error) {
	return s.store.GetGitState(ctx, sessionID)
}

// UpdateGitState rebinds the repository. Rejected once the session has
// started.
func (s *Service) UpdateGitState(ctx context.Context, git *models.GitState) error {
	return s.store.UpdateGitState(ctx, git)
}

// Store exposes the underlying store for subsystems that share it.
func (s *Service) Store() *store.Store { return s.store }

// Sink implementation. Runner links route through here into actors.

var _ runner.Sink = (*Service)(nil)

// AuthorizeRunner validates the callback token presented on connect.
func (s *Service) AuthorizeRunner(ctx context.Context, sessionID, token string) error {
	return s.store.AuthorizeRunner(ctx, sessionID, token)
}

// LinkUp attaches a runner link to the session's actor.
func (s *Service) LinkUp(ctx context.Context, sessionID string, link *runner.Link) error {
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = actor.post(ctx, &command{kind: cmdLinkUp, link: link})
	return err
}

// HandleFrame delivers an inbound runner frame to the session's actor.
func (s *Service) HandleFrame(ctx context.Context, sessionID string, frame *runner.Frame) {
	actor, err := s.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		s.logger.Warn("dropping frame for unknown session",
			zap.String("session_id", sessionID),
			zap.String("frame_type", string(frame.Type)),
			zap.Error(err))
		return
	}
	actor.postAsync(&command{kind: cmdFrame, frame: frame})
}

// LinkDown records the loss of a runner link.
func (s *Service) LinkDown(sessionID string, err error) {
	actor := s.registry.Get(sessionID)
	if actor == nil {
		return
	}
	actor.postAsync(&command{kind: cmdLinkDown, linkErr: err})
}
