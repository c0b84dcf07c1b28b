// ABOUTME: Session history persistence for the SQLite store
// ABOUTME: Messages hold ordered JSON content blocks and an is_complete marker

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessages writes msgs to the end of the session's history in one transaction
// and bumps the session's message count. Missing IDs and timestamps are filled in.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("querying history position: %w", err)
	}

	now := time.Now()
	for _, m := range msgs {
		seq++
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.SessionID = sessionID

		blocks := m.Content
		if blocks == nil {
			blocks = []ContentBlock{}
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return fmt.Errorf("encoding message content: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, role, content, is_complete, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.ID, sessionID, seq, m.Role, string(content), m.IsComplete, formatTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + ?, last_activity_at = ? WHERE id = ?
	`, len(msgs), formatTime(now), sessionID)
	if err != nil {
		return fmt.Errorf("updating message count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("appended messages", "session_id", sessionID, "count", len(msgs))
	return nil
}

// ListMessages returns the session's most recent messages in chronological order.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	// Subquery picks the newest N, outer query restores chronological order
	query := `
		SELECT id, session_id, role, content, is_complete, created_at
		FROM (
			SELECT id, session_id, seq, role, content, is_complete, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var m Message
		var content, createdAtStr string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &content, &m.IsComplete, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decoding message content: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}
