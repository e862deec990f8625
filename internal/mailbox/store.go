package mailbox

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

// Store persists mailbox entries on the shared database pool.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize mailbox schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mailbox_entries (
			id TEXT PRIMARY KEY,
			from_session_id TEXT NOT NULL DEFAULT '',
			to_session_id TEXT NOT NULL DEFAULT '',
			to_user_id TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			context_session_id TEXT,
			context_task_id TEXT,
			reply_to_id TEXT,
			read_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_to_session ON mailbox_entries(to_session_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_to_user ON mailbox_entries(to_user_id, created_at, id)`,
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

// Insert durably writes a mailbox entry.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO mailbox_entries (id, from_session_id, to_session_id, to_user_id, message_type, content, context_session_id, context_task_id, reply_to_id, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`), e.ID, e.FromSessionID, e.ToSessionID, e.ToUserID, e.MessageType, e.Content,
		e.ContextSessionID, e.ContextTaskID, e.ReplyToID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert mailbox entry: %w", err)
	}
	return nil
}

// Get returns a single entry by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	e := &Entry{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id, from_session_id, to_session_id, to_user_id, message_type, content, context_session_id, context_task_id, reply_to_id, read_at, created_at
		FROM mailbox_entries WHERE id = ?
	`), id).Scan(&e.ID, &e.FromSessionID, &e.ToSessionID, &e.ToUserID, &e.MessageType, &e.Content,
		&e.ContextSessionID, &e.ContextTaskID, &e.ReplyToID, &e.ReadAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "mailbox entry %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FetchUnread returns a recipient's unread entries ordered by (created_at,
// id) and marks them read in the same transaction, so a concurrent check
// never sees the same entry twice. Marking an already-read entry again is a
// no-op: read_at keeps its first value.
func (s *Store) FetchUnread(ctx context.Context, toSessionID, toUserID string, limit int, after *time.Time) ([]*Entry, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id, from_session_id, to_session_id, to_user_id, message_type, content, context_session_id, context_task_id, reply_to_id, read_at, created_at
		FROM mailbox_entries WHERE read_at IS NULL`
	var args []interface{}
	switch {
	case toSessionID != "":
		query += ` AND to_session_id = ?`
		args = append(args, toSessionID)
	case toUserID != "":
		query += ` AND to_user_id = ?`
		args = append(args, toUserID)
	default:
		return nil, apperr.New(apperr.CodeValidation, "mailbox recipient is required")
	}
	if after != nil {
		query += ` AND created_at > ?`
		args = append(args, after.UTC())
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE mailbox_entries SET read_at = ? WHERE id = ? AND read_at IS NULL
		`), now, e.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark mailbox entry read: %w", err)
		}
		readAt := now
		e.ReadAt = &readAt
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// CountUnread returns the number of unread entries for a recipient.
func (s *Store) CountUnread(ctx context.Context, toSessionID, toUserID string) (int, error) {
	query := `SELECT COUNT(*) FROM mailbox_entries WHERE read_at IS NULL`
	var args []interface{}
	switch {
	case toSessionID != "":
		query += ` AND to_session_id = ?`
		args = append(args, toSessionID)
	case toUserID != "":
		query += ` AND to_user_id = ?`
		args = append(args, toUserID)
	default:
		return 0, apperr.New(apperr.CodeValidation, "mailbox recipient is required")
	}
	var count int
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(query), args...).Scan(&count)
	return count, err
}

// Thread returns an entry and every reply chained to it, oldest first.
func (s *Store) Thread(ctx context.Context, rootID string) ([]*Entry, error) {
	root, err := s.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, from_session_id, to_session_id, to_user_id, message_type, content, context_session_id, context_task_id, reply_to_id, read_at, created_at
		FROM mailbox_entries WHERE reply_to_id = ? ORDER BY created_at, id
	`), rootID)
	if err != nil {
		return nil, err
	}
	replies, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return append([]*Entry{root}, replies...), nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.FromSessionID, &e.ToSessionID, &e.ToUserID, &e.MessageType,
			&e.Content, &e.ContextSessionID, &e.ContextTaskID, &e.ReplyToID, &e.ReadAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
