// Package store persists sessions, git state, and message logs.
package store

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
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
)

// maxAncestorDepth bounds parent-chain walks. Session forests in practice
// are a handful of levels deep.
const maxAncestorDepth = 64

// Store provides session persistence on the shared database pool.
type Store struct {
	pool *db.Pool
}

// New creates the store and initializes its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

// initSchema creates the session tables if they don't exist.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			parent_id TEXT,
			workspace TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			purpose TEXT NOT NULL,
			model_pref TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			callback_token TEXT NOT NULL DEFAULT '',
			started INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_parent_id ON sessions(parent_id)`,
		`CREATE TABLE IF NOT EXISTS session_git_state (
			session_id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL DEFAULT 'manual',
			repo TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			ref TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			channel_type TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			tool_call TEXT,
			forward_from TEXT,
			edit_of TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, created_at, id)`,
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

// CreateSession inserts a session and its git state in one transaction.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session, git *models.GitState) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = models.StatusPending
	}

	metadataJSON := "{}"
	if sess.Metadata != nil {
		data, err := json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize session metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (id, user_id, parent_id, workspace, title, status, purpose, model_pref, metadata, callback_token, started, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`), sess.ID, sess.UserID, sess.ParentID, sess.Workspace, sess.Title, sess.Status, sess.Purpose,
		sess.ModelPref, metadataJSON, sess.CallbackToken, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	if git != nil {
		git.SessionID = sess.ID
		git.UpdatedAt = now
		if git.SourceType == "" {
			git.SourceType = models.SourceManual
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_git_state (session_id, source_type, repo, branch, ref, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), git.SessionID, git.SourceType, git.Repo, git.Branch, git.Ref, git.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert git state: %w", err)
		}
	}

	return tx.Commit()
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.getSession(ctx, s.reader(), id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rebinder interface {
	Rebind(query string) string
}

func (s *Store) getSession(ctx context.Context, q interface {
	queryer
	rebinder
}, id string) (*models.Session, error) {
	sess := &models.Session{}
	var metadataJSON string
	err := q.QueryRowContext(ctx, q.Rebind(`
		SELECT id, user_id, parent_id, workspace, title, status, purpose, model_pref, metadata, callback_token, created_at, updated_at
		FROM sessions WHERE id = ?
	`), id).Scan(&sess.ID, &sess.UserID, &sess.ParentID, &sess.Workspace, &sess.Title, &sess.Status,
		&sess.Purpose, &sess.ModelPref, &metadataJSON, &sess.CallbackToken, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
		}
	}
	return sess, nil
}

// ListByUser returns all sessions owned by the user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.listSessions(ctx, `user_id = ?`, userID)
}

// ListChildren returns the direct children of a session ordered by creation.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*models.Session, error) {
	return s.listSessions(ctx, `parent_id = ?`, parentID)
}

// FindWorkspaceSession returns the newest live session bound to a workspace
// with the given purpose.
func (s *Store) FindWorkspaceSession(ctx context.Context, workspace string, purpose models.Purpose) (*models.Session, error) {
	sessions, err := s.listSessions(ctx, `workspace = ? AND purpose = ? AND status != 'terminated'`,
		workspace, string(purpose))
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "no live %s session for workspace %s", purpose, workspace)
	}
	return sessions[len(sessions)-1], nil
}

func (s *Store) listSessions(ctx context.Context, where string, args ...interface{}) ([]*models.Session, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, user_id, parent_id, workspace, title, status, purpose, model_pref, metadata, callback_token, created_at, updated_at
		FROM sessions WHERE `+where+` ORDER BY created_at, id
	`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var metadataJSON string
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ParentID, &sess.Workspace, &sess.Title,
			&sess.Status, &sess.Purpose, &sess.ModelPref, &metadataJSON, &sess.CallbackToken,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
			}
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateStatus moves a session to a new status. The terminated status is
// absorbing: updates against a terminated session fail with CONFLICT.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status != ?
	`), status, time.Now().UTC(), id, models.StatusTerminated)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return apperr.New(apperr.CodeConflict, "session %s is terminated", id)
	}
	return nil
}

// MarkStarted records the first successful starting to running transition,
// freezing the git state.
func (s *Store) MarkStarted(ctx context.Context, id string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE sessions SET started = 1, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	return err
}

// AuthorizeRunner checks the callback token a runner presented on attach.
func (s *Store) AuthorizeRunner(ctx context.Context, sessionID, token string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.StatusTerminated {
		return apperr.New(apperr.CodeConflict, "session %s is terminated", sessionID)
	}
	if token == "" || sess.CallbackToken != token {
		return apperr.New(apperr.CodeUnauthorized, "invalid runner callback token")
	}
	return nil
}

// GetGitState returns the git binding for a session.
func (s *Store) GetGitState(ctx context.Context, sessionID string) (*models.GitState, error) {
	git := &models.GitState{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT session_id, source_type, repo, branch, ref, updated_at
		FROM session_git_state WHERE session_id = ?
	`), sessionID).Scan(&git.SessionID, &git.SourceType, &git.Repo, &git.Branch, &git.Ref, &git.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "no git state for session %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return git, nil
}

// UpdateGitState mutates the git binding. Refused once the session has
// started running.
func (s *Store) UpdateGitState(ctx context.Context, git *models.GitState) error {
	var started int
	err := s.writer().QueryRowContext(ctx, s.writer().Rebind(`
		SELECT started FROM sessions WHERE id = ?
	`), git.SessionID).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "session %s not found", git.SessionID)
	}
	if err != nil {
		return err
	}
	if started != 0 {
		return apperr.New(apperr.CodeConflict, "git state for session %s is frozen after start", git.SessionID)
	}

	git.UpdatedAt = time.Now().UTC()
	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE session_git_state SET source_type = ?, repo = ?, branch = ?, ref = ?, updated_at = ?
		WHERE session_id = ?
	`), git.SourceType, git.Repo, git.Branch, git.Ref, git.UpdatedAt, git.SessionID)
	return err
}

// ResolveHandle maps an orchestrator handle (the workspace name of an
// orchestrator session) to the owning user. Zero or multiple matching users
// fail with UNKNOWN_RECIPIENT.
func (s *Store) ResolveHandle(ctx context.Context, handle string) (string, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT DISTINCT user_id FROM sessions
		WHERE workspace = ? AND purpose = ? AND status != ?
	`), handle, models.PurposeOrchestrator, models.StatusTerminated)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return "", err
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(users) {
	case 1:
		return users[0], nil
	case 0:
		return "", apperr.New(apperr.CodeUnknownRecipient, "no orchestrator answers to handle %q", handle)
	default:
		return "", apperr.New(apperr.CodeUnknownRecipient, "handle %q is ambiguous", handle)
	}
}

// IsAncestor reports whether candidate is an ancestor of (or equal to)
// sessionID, walking the parent chain with a visited set.
func (s *Store) IsAncestor(ctx context.Context, candidateID, sessionID string) (bool, error) {
	if candidateID == sessionID {
		return true, nil
	}
	visited := map[string]bool{}
	current := sessionID
	for depth := 0; depth < maxAncestorDepth; depth++ {
		if visited[current] {
			return false, nil
		}
		visited[current] = true

		var parent sql.NullString
		err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
			SELECT parent_id FROM sessions WHERE id = ?
		`), current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !parent.Valid || parent.String == "" {
			return false, nil
		}
		if parent.String == candidateID {
			return true, nil
		}
		current = parent.String
	}
	return false, nil
}
