package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/db"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/runner"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/sandbox"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/store"
)

// fakeSupervisor records sandbox lifecycle calls without a real backend.
type fakeSupervisor struct {
	mu         sync.Mutex
	created    []sandbox.CreateRequest
	terminated []string
	createErr  error
}

func (f *fakeSupervisor) GetOrCreateSandbox(_ context.Context, req sandbox.CreateRequest) (*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &sandbox.Sandbox{SandboxID: "sb-" + req.Handle, TunnelURL: "http://sandbox.test"}, nil
}

func (f *fakeSupervisor) TerminateSandbox(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, handle)
	return nil
}

func (f *fakeSupervisor) IsHealthy(context.Context, string) bool { return true }
func (f *fakeSupervisor) Heartbeat(string)                       {}
func (f *fakeSupervisor) Close() error                           { return nil }

func (f *fakeSupervisor) terminatedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func setupTestService(t *testing.T) (*Service, *fakeSupervisor) {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	st, err := store.New(db.NewPool(conn, nil))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	sup := &fakeSupervisor{}
	svc := NewService(st, bus.NewMemoryEventBus(log), sup,
		config.SandboxConfig{
			Image:        "runner:test",
			RunnerPort:   8765,
			StartTimeout: 2,
			HealthPolls:  2,
		},
		config.RunnerConfig{HeartbeatInterval: 1, MissedHeartbeats: 2, MailboxSize: 16},
		log)
	t.Cleanup(svc.Close)
	return svc, sup
}

func TestSpawnValidatesWorkspace(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc/api"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = svc.Spawn(ctx, SpawnRequest{UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, sess.Status)
	assert.NotEmpty(t, sess.CallbackToken)
}

func TestSpawnWorkflowSessionStartsHibernated(t *testing.T) {
	svc, sup := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{
		UserID:    "workflow-engine",
		Workspace: "workflow-ws",
		Purpose:   models.PurposeWorkflow,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusHibernated, sess.Status)

	sup.mu.Lock()
	assert.Empty(t, sup.created, "spawning a workflow session must not provision a sandbox")
	sup.mu.Unlock()

	// The engine wakes it per step; hibernated admits that directly
	require.NoError(t, svc.Wake(ctx, sess.ID))
	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, status)
}

func TestStartProvisionsSandbox(t *testing.T) {
	svc, sup := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx, sess.ID))

	// Running comes only with the runner handshake
	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, status)

	sup.mu.Lock()
	require.Len(t, sup.created, 1)
	req := sup.created[0]
	sup.mu.Unlock()
	assert.Equal(t, sandbox.HandleForSession(sess.ID), req.Handle)
	assert.Equal(t, sess.CallbackToken, req.CallbackToken)
	assert.Equal(t, "runner:test", req.Image)
}

func TestStartFailureMovesToError(t *testing.T) {
	svc, sup := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)

	sup.createErr = apperr.New(apperr.CodeSandboxUnhealthy, "boom")
	err = svc.Start(ctx, sess.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSandboxUnhealthy, apperr.CodeOf(err))

	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, status)
}

func TestPromptPersistsAndIsIdempotent(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)

	id, err := svc.Prompt(ctx, sess.ID, "msg-1", "hello", "", false)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	// Same message id again writes nothing new
	_, err = svc.Prompt(ctx, sess.ID, "msg-1", "hello", "", false)
	require.NoError(t, err)

	msgs, err := svc.Messages(ctx, sess.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestResultFramePersistsAssistantMessage(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)

	svc.HandleFrame(ctx, sess.ID, &runner.Frame{
		Type: runner.FrameStream, MessageID: "m-1", Content: "par",
	})
	svc.HandleFrame(ctx, sess.ID, &runner.Frame{
		Type: runner.FrameResult, MessageID: "m-1", Content: "final answer",
	})

	require.Eventually(t, func() bool {
		msgs, err := svc.Messages(ctx, sess.ID, 0, nil)
		return err == nil && len(msgs) == 1 && msgs[0].Content == "final answer"
	}, 2*time.Second, 20*time.Millisecond)

	msgs, err := svc.Messages(ctx, sess.ID, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
}

func TestTerminateTearsDownAndAbsorbs(t *testing.T) {
	svc, sup := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)

	require.NoError(t, svc.Terminate(ctx, sess.ID))
	assert.Contains(t, sup.terminatedHandles(), sandbox.HandleForSession(sess.ID))

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, got.Status)

	// Prompts after terminate are refused
	_, err = svc.Prompt(ctx, sess.ID, "", "too late", "", false)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	// Late frames are dropped without resurrecting the log
	svc.HandleFrame(ctx, sess.ID, &runner.Frame{
		Type: runner.FrameResult, MessageID: "late", Content: "zombie",
	})
	time.Sleep(50 * time.Millisecond)
	msgs, err := svc.Messages(ctx, sess.ID, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Terminate is idempotent
	require.NoError(t, svc.Terminate(ctx, sess.ID))
}

func TestSpawnChildAndNotifyParent(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	parent, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)

	child, err := svc.SpawnChild(ctx, parent.ID, SpawnRequest{Workspace: "svc-child", Title: "subtask"})
	require.NoError(t, err)
	assert.Equal(t, "u1", child.UserID)
	assert.Equal(t, models.PurposeChild, child.Purpose)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)

	children, err := svc.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	_, err = svc.NotifyParent(ctx, child.ID, "done with subtask")
	require.NoError(t, err)

	msgs, err := svc.Messages(ctx, parent.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "done with subtask", msgs[0].Content)
}

func TestNotifyParentWithoutParent(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)

	_, err = svc.NotifyParent(ctx, sess.ID, "hello?")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestSpawnChildUnderTerminatedParent(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	parent, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)
	require.NoError(t, svc.Terminate(ctx, parent.ID))

	_, err = svc.SpawnChild(ctx, parent.ID, SpawnRequest{Workspace: "child"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestSessionMessagePermissions(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	a, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "a"})
	require.NoError(t, err)
	b, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "b"})
	require.NoError(t, err)
	other, err := svc.Spawn(ctx, SpawnRequest{UserID: "u2", Workspace: "c"})
	require.NoError(t, err)

	// Same user: allowed
	_, err = svc.SessionMessage(ctx, a.ID, b.ID, "hi", false)
	require.NoError(t, err)

	// Different user, no lineage: forbidden
	_, err = svc.SessionMessage(ctx, a.ID, other.ID, "hi", false)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	msgs, err := svc.Messages(ctx, b.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestForwardBetweenSessions(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	src, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "src"})
	require.NoError(t, err)
	dst, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "dst"})
	require.NoError(t, err)

	for _, content := range []string{"one", "two"} {
		_, err := svc.Prompt(ctx, src.ID, "", content, "", false)
		require.NoError(t, err)
	}

	count, err := svc.Forward(ctx, src.ID, dst.ID, 20, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	msgs, err := svc.Messages(ctx, dst.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.NotNil(t, m.ForwardFrom)
		assert.Equal(t, src.ID, *m.ForwardFrom)
	}

	_, err = svc.Forward(ctx, src.ID, src.ID, 20, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestHibernateAndWake(t *testing.T) {
	svc, sup := setupTestService(t)
	ctx := context.Background()

	sess, err := svc.Spawn(ctx, SpawnRequest{UserID: "u1", Workspace: "svc"})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx, sess.ID))

	// Hibernate is only valid once running or idle
	err = svc.Hibernate(ctx, sess.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	// Simulate the runner handshake moving starting to running
	require.NoError(t, svc.Store().UpdateStatus(ctx, sess.ID, models.StatusRunning))
	svc.registry.Evict(sess.ID)

	require.NoError(t, svc.Hibernate(ctx, sess.ID))
	assert.Contains(t, sup.terminatedHandles(), sandbox.HandleForSession(sess.ID))

	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHibernated, status)

	require.NoError(t, svc.Wake(ctx, sess.ID))
	status, err = svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, status)
}
