package workflow

import (
	"context"
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
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
	sessionstore "github.com/yourbuddyconner/agent-ops-sub007/internal/session/store"
)

func setupSessionGateway(t *testing.T) (*SessionGateway, *session.Service, bus.EventBus) {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	st, err := sessionstore.New(db.NewPool(conn, nil))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	sessions := session.NewService(st, eventBus, nil,
		config.SandboxConfig{},
		config.RunnerConfig{HeartbeatInterval: 1, MissedHeartbeats: 2, MailboxSize: 16},
		log)
	t.Cleanup(sessions.Close)

	return NewSessionGateway(sessions, eventBus, "workflow-engine"), sessions, eventBus
}

func TestAwaitResponseReadsContentFromLog(t *testing.T) {
	gw, sessions, eventBus := setupSessionGateway(t)
	ctx := context.Background()

	sess, err := sessions.Spawn(ctx, session.SpawnRequest{
		UserID:    "workflow-engine",
		Workspace: "workflow-ws",
		Purpose:   models.PurposeWorkflow,
	})
	require.NoError(t, err)

	_, err = sessions.Store().AppendMessage(ctx, &models.Message{
		ID:        "msg-reply",
		SessionID: sess.ID,
		Role:      models.RoleAssistant,
		Content:   "the agent's answer",
	})
	require.NoError(t, err)

	// The actor announces new messages by id only; content lives in the log.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = eventBus.Publish(ctx, events.BuildMessageAddedSubject(sess.ID),
			bus.NewEvent(events.MessageAdded, "session", map[string]interface{}{
				"sessionId": sess.ID,
				"messageId": "msg-user",
				"role":      models.RoleUser,
			}))
		_ = eventBus.Publish(ctx, events.BuildMessageAddedSubject(sess.ID),
			bus.NewEvent(events.MessageAdded, "session", map[string]interface{}{
				"sessionId": sess.ID,
				"messageId": "msg-reply",
				"role":      models.RoleAssistant,
			}))
	}()

	content, err := gw.AwaitResponse(ctx, sess.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "the agent's answer", content)
}

func TestAwaitResponseTimesOut(t *testing.T) {
	gw, sessions, _ := setupSessionGateway(t)
	ctx := context.Background()

	sess, err := sessions.Spawn(ctx, session.SpawnRequest{
		UserID:    "workflow-engine",
		Workspace: "quiet-ws",
		Purpose:   models.PurposeWorkflow,
	})
	require.NoError(t, err)

	_, err = gw.AwaitResponse(ctx, sess.ID, 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
}

func TestEnsureSessionReusesWorkspaceSession(t *testing.T) {
	gw, sessions, _ := setupSessionGateway(t)
	ctx := context.Background()

	first, err := gw.EnsureSession(ctx, "shared-ws", "step one")
	require.NoError(t, err)

	sess, err := sessions.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.PurposeWorkflow, sess.Purpose)
	assert.Equal(t, models.StatusHibernated, sess.Status, "workflow sessions are born parked")

	second, err := gw.EnsureSession(ctx, "shared-ws", "step two")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
