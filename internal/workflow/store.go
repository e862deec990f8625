package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/db"
)

// Store persists workflows, versions, executions, step traces, and proposals
// on the shared database pool.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			current_hash TEXT NOT NULL,
			current_version INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			hash TEXT NOT NULL,
			definition_json TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (workflow_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_versions_hash ON workflow_versions(workflow_id, hash)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_kind TEXT NOT NULL DEFAULT '',
			variables TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			resume_token TEXT NOT NULL DEFAULT '',
			requires_approval INTEGER NOT NULL DEFAULT 0,
			parent_execution_id TEXT,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS step_traces (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_traces_order ON step_traces(execution_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS workflow_proposals (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			base_hash TEXT NOT NULL,
			proposed_by_session_id TEXT,
			execution_id TEXT,
			proposal_json TEXT NOT NULL,
			diff_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			review_notes TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_workflow ON workflow_proposals(workflow_id, created_at, id)`,
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

// CreateWorkflow validates a definition, canonicalizes it, and inserts the
// workflow with its version 1 in one transaction.
func (s *Store) CreateWorkflow(ctx context.Context, slug, name, description string, definition []byte) (*Workflow, error) {
	if _, err := ParseDefinition(definition); err != nil {
		return nil, err
	}
	canonical, err := Canonicalize(definition)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "definition cannot be canonicalized")
	}
	hash, err := HashDefinition(definition)
	if err != nil {
		return nil, err
	}

	wf := &Workflow{
		ID:             uuid.New().String(),
		Slug:           slug,
		Name:           name,
		Description:    description,
		CurrentHash:    hash,
		CurrentVersion: 1,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workflows (id, slug, name, description, current_hash, current_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), wf.ID, wf.Slug, wf.Name, wf.Description, wf.CurrentHash, wf.CurrentVersion, wf.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert workflow: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workflow_versions (workflow_id, version, hash, definition_json, notes, created_at)
		VALUES (?, 1, ?, ?, '', ?)
	`), wf.ID, hash, string(canonical), wf.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert workflow version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflow returns a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.getWorkflowWhere(ctx, `id = ?`, id)
}

// GetWorkflowBySlug returns a workflow by slug.
func (s *Store) GetWorkflowBySlug(ctx context.Context, slug string) (*Workflow, error) {
	return s.getWorkflowWhere(ctx, `slug = ?`, slug)
}

func (s *Store) getWorkflowWhere(ctx context.Context, where string, arg interface{}) (*Workflow, error) {
	wf := &Workflow{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id, slug, name, description, current_hash, current_version, created_at
		FROM workflows WHERE `+where), arg).
		Scan(&wf.ID, &wf.Slug, &wf.Name, &wf.Description, &wf.CurrentHash, &wf.CurrentVersion, &wf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "workflow not found")
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns all workflows ordered by creation.
func (s *Store) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, slug, name, description, current_hash, current_version, created_at
		FROM workflows ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		if err := rows.Scan(&wf.ID, &wf.Slug, &wf.Name, &wf.Description,
			&wf.CurrentHash, &wf.CurrentVersion, &wf.CreatedAt); err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// GetVersionByHash returns the immutable definition snapshot for a hash.
func (s *Store) GetVersionByHash(ctx context.Context, workflowID, hash string) (*Version, error) {
	v := &Version{}
	var definition string
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT workflow_id, version, hash, definition_json, notes, created_at
		FROM workflow_versions WHERE workflow_id = ? AND hash = ?
		ORDER BY version DESC LIMIT 1
	`), workflowID, hash).Scan(&v.WorkflowID, &v.VersionNumber, &v.Hash, &definition, &v.Notes, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound,
			"workflow %s has no version with hash %s", workflowID, hash)
	}
	if err != nil {
		return nil, err
	}
	v.DefinitionJSON = json.RawMessage(definition)
	return v, nil
}

// CreateExecution inserts a queued execution pinned to a hash.
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = ExecQueued
	}
	exec.CreatedAt = time.Now().UTC()

	variablesJSON := "{}"
	if exec.Variables != nil {
		data, err := json.Marshal(exec.Variables)
		if err != nil {
			return fmt.Errorf("failed to serialize execution variables: %w", err)
		}
		variablesJSON = string(data)
	}

	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO workflow_executions (id, workflow_id, workflow_hash, status, trigger_kind, variables, error, resume_token, requires_approval, parent_execution_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, '', '', 0, ?, ?, NULL)
	`), exec.ID, exec.WorkflowID, exec.WorkflowHash, exec.Status, exec.Trigger, variablesJSON,
		exec.ParentExecutionID, exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution returns an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec := &Execution{}
	var variablesJSON string
	var requiresApproval int
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id, workflow_id, workflow_hash, status, trigger_kind, variables, error, resume_token, requires_approval, parent_execution_id, created_at, completed_at
		FROM workflow_executions WHERE id = ?
	`), id).Scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowHash, &exec.Status, &exec.Trigger,
		&variablesJSON, &exec.Error, &exec.ResumeToken, &requiresApproval,
		&exec.ParentExecutionID, &exec.CreatedAt, &exec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	exec.RequiresApproval = requiresApproval != 0
	if variablesJSON != "" && variablesJSON != "{}" {
		if err := json.Unmarshal([]byte(variablesJSON), &exec.Variables); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution variables: %w", err)
		}
	}
	return exec, nil
}

// ListExecutions returns a workflow's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id FROM workflow_executions WHERE workflow_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`), workflowID, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	execs := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// ListChildExecutions returns the sub executions spawned by a parent.
func (s *Store) ListChildExecutions(ctx context.Context, parentID string) ([]*Execution, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id FROM workflow_executions WHERE parent_execution_id = ? ORDER BY created_at, id
	`), parentID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	children := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		children = append(children, exec)
	}
	return children, nil
}

// SetExecutionStatus moves an execution between non-approval states.
func (s *Store) SetExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errMsg string) error {
	var completedAt interface{}
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE workflow_executions
		SET status = ?, error = ?, resume_token = '', requires_approval = 0, completed_at = ?
		WHERE id = ?
	`), status, errMsg, completedAt, id)
	return err
}

// UpdateExecutionVariables persists the variable scope mid-run.
func (s *Store) UpdateExecutionVariables(ctx context.Context, id string, variables map[string]interface{}) error {
	data, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("failed to serialize execution variables: %w", err)
	}
	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE workflow_executions SET variables = ? WHERE id = ?
	`), string(data), id)
	return err
}

// SuspendForApproval marks the gate trace awaiting, stores the freshly
// minted resume token, and flips the execution to needs_approval, all in one
// transaction.
func (s *Store) SuspendForApproval(ctx context.Context, executionID, traceID, token string) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE step_traces SET status = ? WHERE id = ?
	`), StepAwaiting, traceID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workflow_executions
		SET status = ?, resume_token = ?, requires_approval = 1
		WHERE id = ?
	`), ExecNeedsApproval, token, executionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ConsumeResumeToken validates the presented token and, in the same
// transaction, resolves the awaiting gate trace and either clears the token
// (moving the execution back to running) or rotates it. A mismatched token
// fails with INVALID_TOKEN and changes nothing.
func (s *Store) ConsumeResumeToken(ctx context.Context, executionID, presented, traceID string, traceStatus StepStatus) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	var status ExecutionStatus
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT resume_token, status FROM workflow_executions WHERE id = ?
	`), executionID).Scan(&stored, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "execution %s not found", executionID)
	}
	if err != nil {
		return err
	}
	if status != ExecNeedsApproval {
		return apperr.New(apperr.CodeConflict, "execution %s is not awaiting approval", executionID)
	}
	if stored == "" || presented != stored {
		return apperr.New(apperr.CodeInvalidToken, "resume token does not match")
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE step_traces SET status = ?, completed_at = ? WHERE id = ?
	`), traceStatus, now, traceID)
	if err != nil {
		return err
	}

	// The old token dies with the gate; a later gate mints a fresh one
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workflow_executions
		SET status = ?, resume_token = '', requires_approval = 0
		WHERE id = ?
	`), ExecRunning, executionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AppendStepTrace writes one attempt row.
func (s *Store) AppendStepTrace(ctx context.Context, t *StepTrace) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()

	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO step_traces (id, execution_id, step_id, attempt, status, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.ExecutionID, t.StepID, t.Attempt, t.Status, t.Error, t.StartedAt, t.CompletedAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step trace: %w", err)
	}
	return nil
}

// ResolveStepTrace finishes an attempt row.
func (s *Store) ResolveStepTrace(ctx context.Context, traceID string, status StepStatus, errMsg string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE step_traces SET status = ?, error = ?, completed_at = ? WHERE id = ?
	`), status, errMsg, time.Now().UTC(), traceID)
	return err
}

// ListStepTraces returns an execution's traces in trace order.
func (s *Store) ListStepTraces(ctx context.Context, executionID string, limit int) ([]*StepTrace, error) {
	query := `
		SELECT id, execution_id, step_id, attempt, status, error, started_at, completed_at, created_at
		FROM step_traces WHERE execution_id = ? ORDER BY created_at, id`
	args := []interface{}{executionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var traces []*StepTrace
	for rows.Next() {
		t := &StepTrace{}
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.StepID, &t.Attempt, &t.Status, &t.Error,
			&t.StartedAt, &t.CompletedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// LatestTraces returns, per step id, the highest-attempt trace. The engine
// uses this to replay past completed work after a suspension.
func (s *Store) LatestTraces(ctx context.Context, executionID string) (map[string]*StepTrace, error) {
	traces, err := s.ListStepTraces(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*StepTrace)
	for _, t := range traces {
		if prev, ok := latest[t.StepID]; !ok || t.Attempt >= prev.Attempt {
			latest[t.StepID] = t
		}
	}
	return latest, nil
}
