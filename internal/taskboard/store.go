package taskboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/db"
)

// Store persists the task DAG on the shared database pool. Dependencies live
// in a separate edges relation; tasks never hold in-memory references to each
// other.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize taskboard schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			orchestrator_session_id TEXT NOT NULL,
			session_id TEXT,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			parent_task_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_orchestrator ON tasks(orchestrator_session_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			task_id TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_deps_reverse ON task_deps(depends_on)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

// CreateTask inserts a task and its dependency edges in one transaction. An
// edge that would make the graph cyclic rejects the whole insert. A task
// whose dependencies are not all completed starts blocked.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	edges, err := loadEdges(ctx, tx)
	if err != nil {
		return err
	}
	edges[t.ID] = append(edges[t.ID], t.DependsOn...)

	blocked := false
	for _, dep := range t.DependsOn {
		var status Status
		err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT status FROM tasks WHERE id = ?`), dep).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.CodeNotFound, "dependency task %s not found", dep)
		}
		if err != nil {
			return err
		}
		if status != StatusCompleted {
			blocked = true
		}
		if reachable(edges, dep, t.ID) {
			return apperr.New(apperr.CodeValidation,
				"dependency on %s would create a cycle", dep)
		}
	}

	t.Status = StatusPending
	if blocked {
		t.Status = StatusBlocked
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO tasks (id, orchestrator_session_id, session_id, title, description, status, result, parent_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.OrchestratorSessionID, t.SessionID, t.Title, t.Description, t.Status, t.Result,
		t.ParentTaskID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	for _, dep := range t.DependsOn {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)
		`), t.ID, dep)
		if err != nil {
			return fmt.Errorf("failed to insert dependency edge: %w", err)
		}
	}

	return tx.Commit()
}

// GetTask returns a task with its dependency list.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id, orchestrator_session_id, session_id, title, description, status, result, parent_task_id, created_at, updated_at
		FROM tasks WHERE id = ?
	`), id).Scan(&t.ID, &t.OrchestratorSessionID, &t.SessionID, &t.Title, &t.Description,
		&t.Status, &t.Result, &t.ParentTaskID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on
	`), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		t.DependsOn = append(t.DependsOn, dep)
	}
	return t, rows.Err()
}

// UpdateTask applies a partial mutation. Status moves are validated against
// the state machine; completing a task unblocks dependents whose remaining
// blockers are all completed, in the same transaction. Returns the updated
// task and the ids of any tasks the cascade unblocked.
func (s *Store) UpdateTask(ctx context.Context, id string, req UpdateRequest) (*Task, []string, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t := &Task{}
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT id, orchestrator_session_id, session_id, title, description, status, result, parent_task_id, created_at, updated_at
		FROM tasks WHERE id = ?
	`), id).Scan(&t.ID, &t.OrchestratorSessionID, &t.SessionID, &t.Title, &t.Description,
		&t.Status, &t.Result, &t.ParentTaskID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.New(apperr.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, nil, err
	}

	if req.Status != nil && *req.Status != t.Status {
		if !req.Status.Valid() {
			return nil, nil, apperr.New(apperr.CodeValidation, "unknown task status %q", *req.Status)
		}
		if !t.Status.CanTransitionTo(*req.Status) {
			return nil, nil, apperr.New(apperr.CodeConflict,
				"task %s cannot move from %s to %s", id, t.Status, *req.Status)
		}
		t.Status = *req.Status
	}
	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Result != nil {
		t.Result = *req.Result
	}
	if req.SessionID != nil {
		t.SessionID = req.SessionID
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET session_id = ?, title = ?, description = ?, status = ?, result = ?, updated_at = ?
		WHERE id = ?
	`), t.SessionID, t.Title, t.Description, t.Status, t.Result, t.UpdatedAt, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update task: %w", err)
	}

	var unblocked []string
	if t.Status == StatusCompleted {
		unblocked, err = cascadeUnblock(ctx, tx, id)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return t, unblocked, nil
}

// cascadeUnblock moves blocked dependents of a just-completed task to
// pending when none of their dependencies remain incomplete.
func cascadeUnblock(ctx context.Context, tx *sqlx.Tx, completedID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, tx.Rebind(`
		SELECT d.task_id FROM task_deps d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.depends_on = ? AND t.status = ?
	`), completedID, StatusBlocked)
	if err != nil {
		return nil, err
	}
	var dependents []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		dependents = append(dependents, depID)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var unblocked []string
	for _, depID := range dependents {
		var remaining int
		err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COUNT(*) FROM task_deps d
			JOIN tasks t ON t.id = d.depends_on
			WHERE d.task_id = ? AND t.status != ?
		`), depID, StatusCompleted).Scan(&remaining)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			continue
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`), StatusPending, time.Now().UTC(), depID, StatusBlocked)
		if err != nil {
			return nil, err
		}
		unblocked = append(unblocked, depID)
	}
	return unblocked, nil
}

// AddDependency inserts one edge, rejecting cycles, and blocks the task if
// the new dependency is incomplete.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return apperr.New(apperr.CodeValidation, "task cannot depend on itself")
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	edges, err := loadEdges(ctx, tx)
	if err != nil {
		return err
	}
	if reachable(edges, dependsOn, taskID) {
		return apperr.New(apperr.CodeValidation,
			"dependency on %s would create a cycle", dependsOn)
	}

	var depStatus Status
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT status FROM tasks WHERE id = ?`), dependsOn).Scan(&depStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "dependency task %s not found", dependsOn)
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)
		ON CONFLICT (task_id, depends_on) DO NOTHING
	`), taskID, dependsOn)
	if err != nil {
		return err
	}

	if depStatus != StatusCompleted {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`), StatusBlocked, time.Now().UTC(), taskID, StatusPending)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListTasks returns tasks matching the filter, ordered by (created_at, id).
func (s *Store) ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error) {
	query := `
		SELECT id, orchestrator_session_id, session_id, title, description, status, result, parent_task_id, created_at, updated_at
		FROM tasks WHERE 1=1`
	var args []interface{}
	if filter.OrchestratorSessionID != "" {
		query += ` AND orchestrator_session_id = ?`
		args = append(args, filter.OrchestratorSessionID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.OrchestratorSessionID, &t.SessionID, &t.Title, &t.Description,
			&t.Status, &t.Result, &t.ParentTaskID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and its edges. Dependents that the deletion
// fully unblocks move to pending in the same transaction.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Capture blocked dependents before their edges disappear
	rows, err := tx.QueryContext(ctx, tx.Rebind(`
		SELECT d.task_id FROM task_deps d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.depends_on = ? AND t.status = ?
	`), id, StatusBlocked)
	if err != nil {
		return err
	}
	var dependents []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			_ = rows.Close()
			return err
		}
		dependents = append(dependents, depID)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.New(apperr.CodeNotFound, "task %s not found", id)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_deps WHERE task_id = ? OR depends_on = ?`), id, id)
	if err != nil {
		return err
	}

	// Dependents may now have zero incomplete blockers
	for _, depID := range dependents {
		var remaining int
		err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COUNT(*) FROM task_deps d
			JOIN tasks t ON t.id = d.depends_on
			WHERE d.task_id = ? AND t.status != ?
		`), depID, StatusCompleted).Scan(&remaining)
		if err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`), StatusPending, time.Now().UTC(), depID, StatusBlocked)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// loadEdges reads the full dependency relation as task -> dependencies.
func loadEdges(ctx context.Context, tx *sqlx.Tx) (map[string][]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_id, depends_on FROM task_deps`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	edges := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

// reachable reports whether target is reachable from start following
// dependency edges, with a visited set so cyclic input terminates.
func reachable(edges map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, next := range edges[current] {
			if next == target {
				return true
			}
			stack = append(stack, next)
		}
	}
	return false
}
