package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/db"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	s, err := New(db.NewPool(conn, nil))
	require.NoError(t, err)
	return s
}

func newTestSession(userID string) *models.Session {
	return &models.Session{
		UserID:        userID,
		Workspace:     "svc",
		Title:         "fix flaky test",
		Status:        models.StatusPending,
		Purpose:       models.PurposeInteractive,
		CallbackToken: "tok-secret",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := newTestSession("user-1")
	sess.Metadata = map[string]interface{}{"origin": "api"}
	git := &models.GitState{SourceType: models.SourceBranch, Repo: "org/svc", Branch: "main"}

	require.NoError(t, s.CreateSession(ctx, sess, git))
	require.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "api", got.Metadata["origin"])
	assert.Equal(t, "tok-secret", got.CallbackToken)

	gotGit, err := s.GetGitState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceBranch, gotGit.SourceType)
	assert.Equal(t, "org/svc", gotGit.Repo)
}

func TestGetSessionNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestUpdateStatusTerminatedIsAbsorbing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := newTestSession("user-1")
	require.NoError(t, s.CreateSession(ctx, sess, nil))

	require.NoError(t, s.UpdateStatus(ctx, sess.ID, models.StatusStarting))
	require.NoError(t, s.UpdateStatus(ctx, sess.ID, models.StatusTerminated))

	err := s.UpdateStatus(ctx, sess.ID, models.StatusRunning)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, got.Status)
}

func TestGitStateFrozenAfterStart(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := newTestSession("user-1")
	git := &models.GitState{SourceType: models.SourceManual, Repo: "org/svc"}
	require.NoError(t, s.CreateSession(ctx, sess, git))

	git.Branch = "feature"
	require.NoError(t, s.UpdateGitState(ctx, git))

	require.NoError(t, s.MarkStarted(ctx, sess.ID))

	git.Branch = "other"
	err := s.UpdateGitState(ctx, git)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestAuthorizeRunner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := newTestSession("user-1")
	require.NoError(t, s.CreateSession(ctx, sess, nil))

	require.NoError(t, s.AuthorizeRunner(ctx, sess.ID, "tok-secret"))

	err := s.AuthorizeRunner(ctx, sess.ID, "wrong")
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))

	err = s.AuthorizeRunner(ctx, sess.ID, "")
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))

	require.NoError(t, s.UpdateStatus(ctx, sess.ID, models.StatusTerminated))
	err = s.AuthorizeRunner(ctx, sess.ID, "tok-secret")
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestAppendMessageIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := newTestSession("user-1")
	require.NoError(t, s.CreateSession(ctx, sess, nil))

	m := &models.Message{ID: "msg-1", SessionID: sess.ID, Role: models.RoleUser, Content: "hello"}
	inserted, err := s.AppendMessage(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same message id again is a no-op
	dup := &models.Message{ID: "msg-1", SessionID: sess.ID, Role: models.RoleUser, Content: "hello again"}
	inserted, err = s.AppendMessage(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := s.ListMessages(ctx, sess.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestListMessagesOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := newTestSession("user-1")
	require.NoError(t, s.CreateSession(ctx, sess, nil))

	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"m-c", "m-a", "m-b"} {
		_, err := s.AppendMessage(ctx, &models.Message{
			ID:        id,
			SessionID: sess.ID,
			Role:      models.RoleAssistant,
			Content:   id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Ordered by created_at first, id second
	assert.Equal(t, "m-c", msgs[0].ID)
	assert.Equal(t, "m-a", msgs[1].ID)
	assert.Equal(t, "m-b", msgs[2].ID)

	// Cursor excludes older messages
	after := base.Add(500 * time.Millisecond)
	msgs, err = s.ListMessages(ctx, sess.ID, 0, &after)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Limit clamps the page
	msgs, err = s.ListMessages(ctx, sess.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestForwardMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	parent := newTestSession("user-1")
	require.NoError(t, s.CreateSession(ctx, parent, nil))
	child := newTestSession("user-1")
	child.ParentID = &parent.ID
	require.NoError(t, s.CreateSession(ctx, child, nil))

	for _, content := range []string{"one", "two", "three"} {
		_, err := s.AppendMessage(ctx, &models.Message{
			SessionID: child.ID, Role: models.RoleAssistant, Content: content,
		})
		require.NoError(t, err)
	}

	count, err := s.ForwardMessages(ctx, child.ID, parent.ID, 20, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Copies carry source attribution
	copied, err := s.ListMessages(ctx, parent.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, copied, 3)
	for _, m := range copied {
		require.NotNil(t, m.ForwardFrom)
		assert.Equal(t, child.ID, *m.ForwardFrom)
	}
	assert.Equal(t, "one", copied[0].Content)
	assert.Equal(t, "three", copied[2].Content)

	// Source log unchanged
	source, err := s.ListMessages(ctx, child.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, source, 3)
	for _, m := range source {
		assert.Nil(t, m.ForwardFrom)
	}
}

func TestLastWrittenMessageID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := newTestSession("user-1")
	require.NoError(t, s.CreateSession(ctx, sess, nil))

	id, err := s.LastWrittenMessageID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, id)

	base := time.Now().UTC()
	for i, mid := range []string{"m-1", "m-2"} {
		_, err := s.AppendMessage(ctx, &models.Message{
			ID: mid, SessionID: sess.ID, Role: models.RoleUser, Content: "x",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	id, err = s.LastWrittenMessageID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "m-2", id)
}

func TestIsAncestor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	grand := newTestSession("user-1")
	require.NoError(t, s.CreateSession(ctx, grand, nil))
	parent := newTestSession("user-1")
	parent.ParentID = &grand.ID
	require.NoError(t, s.CreateSession(ctx, parent, nil))
	child := newTestSession("user-1")
	child.ParentID = &parent.ID
	require.NoError(t, s.CreateSession(ctx, child, nil))

	ok, err := s.IsAncestor(ctx, grand.ID, child.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsAncestor(ctx, child.ID, grand.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// A session is trivially its own ancestor for cycle checks
	ok, err = s.IsAncestor(ctx, child.ID, child.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, models.StatusPending.CanTransitionTo(models.StatusStarting))
	assert.True(t, models.StatusStarting.CanTransitionTo(models.StatusRunning))
	assert.True(t, models.StatusRunning.CanTransitionTo(models.StatusIdle))
	assert.True(t, models.StatusIdle.CanTransitionTo(models.StatusRunning))
	assert.True(t, models.StatusHibernated.CanTransitionTo(models.StatusStarting))
	assert.True(t, models.StatusError.CanTransitionTo(models.StatusTerminated))

	assert.False(t, models.StatusTerminated.CanTransitionTo(models.StatusRunning))
	assert.False(t, models.StatusTerminated.CanTransitionTo(models.StatusPending))
	assert.False(t, models.StatusPending.CanTransitionTo(models.StatusRunning))
	assert.False(t, models.StatusIdle.CanTransitionTo(models.StatusStarting))
}
