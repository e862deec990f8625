package taskboard

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/db"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
)

func setupTestBoard(t *testing.T) *Service {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	st, err := NewStore(db.NewPool(conn, nil))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	return NewService(st, bus.NewMemoryEventBus(log), log)
}

func mustCreate(t *testing.T, svc *Service, title string, deps ...string) *Task {
	t.Helper()
	task, err := svc.Create(context.Background(), CreateRequest{
		OrchestratorSessionID: "orch-1",
		Title:                 title,
		DependsOn:             deps,
	})
	require.NoError(t, err)
	return task
}

func setStatus(t *testing.T, svc *Service, id string, status Status) *Task {
	t.Helper()
	task, err := svc.Update(context.Background(), id, UpdateRequest{Status: &status})
	require.NoError(t, err)
	return task
}

func TestCreateTaskStartsBlockedOnIncompleteDeps(t *testing.T) {
	svc := setupTestBoard(t)

	a := mustCreate(t, svc, "a")
	assert.Equal(t, StatusPending, a.Status)

	b := mustCreate(t, svc, "b", a.ID)
	assert.Equal(t, StatusBlocked, b.Status)

	// A completed dependency does not block
	setStatus(t, svc, a.ID, StatusCompleted)
	c := mustCreate(t, svc, "c", a.ID)
	assert.Equal(t, StatusPending, c.Status)
}

func TestDependencyCascade(t *testing.T) {
	svc := setupTestBoard(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "a")
	b := mustCreate(t, svc, "b", a.ID)
	c := mustCreate(t, svc, "c", b.ID)

	// Completing a unblocks b in the same commit; c stays blocked
	setStatus(t, svc, a.ID, StatusCompleted)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	got, err = svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)

	// Completing b cascades to c
	setStatus(t, svc, b.ID, StatusCompleted)
	got, err = svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCascadeWaitsForAllDeps(t *testing.T) {
	svc := setupTestBoard(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "a")
	b := mustCreate(t, svc, "b")
	c := mustCreate(t, svc, "c", a.ID, b.ID)

	setStatus(t, svc, a.ID, StatusCompleted)
	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)

	setStatus(t, svc, b.ID, StatusCompleted)
	got, err = svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCycleRejected(t *testing.T) {
	svc := setupTestBoard(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "a")
	b := mustCreate(t, svc, "b", a.ID)

	// a -> b would close the loop b -> a
	err := svc.AddDependency(ctx, a.ID, b.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	err = svc.AddDependency(ctx, a.ID, a.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	// Unknown dependencies are rejected at create
	_, err = svc.Create(ctx, CreateRequest{
		OrchestratorSessionID: "orch-1",
		Title:                 "d",
		DependsOn:             []string{"no-such-task"},
	})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestInvalidTransitionsRejected(t *testing.T) {
	svc := setupTestBoard(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "a")
	setStatus(t, svc, a.ID, StatusCompleted)

	pending := StatusPending
	_, err := svc.Update(ctx, a.ID, UpdateRequest{Status: &pending})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	// failed -> pending is the retry path
	b := mustCreate(t, svc, "b")
	setStatus(t, svc, b.ID, StatusFailed)
	setStatus(t, svc, b.ID, StatusPending)
}

func TestUpdateFieldsAndResultHandoff(t *testing.T) {
	svc := setupTestBoard(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "a")
	sessionID := "sess-9"
	result := "merged in PR #42"
	completed := StatusCompleted

	updated, err := svc.Update(ctx, a.ID, UpdateRequest{
		Status:    &completed,
		Result:    &result,
		SessionID: &sessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.Equal(t, "merged in PR #42", updated.Result)
	require.NotNil(t, updated.SessionID)
	assert.Equal(t, "sess-9", *updated.SessionID)

	_, err = svc.Update(ctx, "missing", UpdateRequest{})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestListOrderingAndFilters(t *testing.T) {
	svc := setupTestBoard(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "a")
	b := mustCreate(t, svc, "b")
	c := mustCreate(t, svc, "c")
	setStatus(t, svc, b.ID, StatusInProgress)

	tasks, err := svc.List(ctx, ListFilter{OrchestratorSessionID: "orch-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, a.ID, tasks[0].ID)
	assert.Equal(t, b.ID, tasks[1].ID)
	assert.Equal(t, c.ID, tasks[2].ID)

	tasks, err = svc.List(ctx, ListFilter{Status: StatusInProgress})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, b.ID, tasks[0].ID)

	sessionID := "sess-1"
	_, err = svc.Update(ctx, a.ID, UpdateRequest{SessionID: &sessionID})
	require.NoError(t, err)

	mine, err := svc.ListMine(ctx, "sess-1", "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)
}

func TestDeleteUnblocksDependents(t *testing.T) {
	svc := setupTestBoard(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "a")
	b := mustCreate(t, svc, "b", a.ID)
	require.Equal(t, StatusBlocked, b.Status)

	require.NoError(t, svc.Delete(ctx, a.ID))

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.DependsOn)

	err = svc.Delete(ctx, "missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}
