package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
)

// AppendMessage writes a message to the session log. Writes are idempotent
// on message id: a duplicate is a no-op and reports inserted=false.
func (s *Store) AppendMessage(ctx context.Context, m *models.Message) (inserted bool, err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var toolCall interface{}
	if len(m.ToolCall) > 0 {
		toolCall = string(m.ToolCall)
	}

	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO messages (id, session_id, role, content, channel_type, channel_id, tool_call, forward_from, edit_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), m.ID, m.SessionID, m.Role, m.Content, m.ChannelType, m.ChannelID, toolCall, m.ForwardFrom, m.EditOf, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReplaceStreamedContent overwrites the content of a message. The final
// result frame is authoritative over any partial stream.
func (s *Store) ReplaceStreamedContent(ctx context.Context, messageID, content string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE messages SET content = ? WHERE id = ?
	`), content, messageID)
	return err
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, session_id, role, content, channel_type, channel_id, tool_call, forward_from, edit_of, created_at
		FROM messages WHERE id = ?
	`), messageID)
	if err != nil {
		return nil, err
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "message %s not found", messageID)
	}
	return messages[0], nil
}

// ListMessages returns a session's messages ordered by (created_at, id).
// after is an exclusive timestamp cursor; limit 0 means no limit.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int, after *time.Time) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, role, content, channel_type, channel_id, tool_call, forward_from, edit_of, created_at
		FROM messages WHERE session_id = ?`
	args := []interface{}{sessionID}
	if after != nil {
		query += ` AND created_at > ?`
		args = append(args, after.UTC())
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// LastWrittenMessageID returns the high-water mark of the session log, used
// to resume runner links idempotently after reconnects.
func (s *Store) LastWrittenMessageID(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`), sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// ForwardMessages copies up to limit messages from one session's log into
// another, preserving source attribution. The copy reads and writes in a
// single transaction so the source is a consistent snapshot; the source log
// is never modified.
func (s *Store) ForwardMessages(ctx context.Context, fromID, toID string, limit int, after *time.Time) (int, error) {
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id, session_id, role, content, channel_type, channel_id, tool_call, forward_from, edit_of, created_at
		FROM messages WHERE session_id = ?`
	args := []interface{}{fromID}
	if after != nil {
		query += ` AND created_at > ?`
		args = append(args, after.UTC())
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	source, err := scanMessages(rows)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	count := 0
	for i, src := range source {
		var toolCall interface{}
		if len(src.ToolCall) > 0 {
			toolCall = string(src.ToolCall)
		}
		// Nanosecond offsets keep the copies totally ordered among
		// themselves within the destination log.
		createdAt := now.Add(time.Duration(i) * time.Nanosecond)
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO messages (id, session_id, role, content, channel_type, channel_id, tool_call, forward_from, edit_of, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), uuid.New().String(), toID, src.Role, src.Content, src.ChannelType, src.ChannelID,
			toolCall, fromID, nil, createdAt)
		if err != nil {
			return 0, fmt.Errorf("failed to copy message: %w", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var toolCall sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ChannelType, &m.ChannelID,
			&toolCall, &m.ForwardFrom, &m.EditOf, &m.CreatedAt); err != nil {
			return nil, err
		}
		if toolCall.Valid && toolCall.String != "" {
			m.ToolCall = []byte(toolCall.String)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
