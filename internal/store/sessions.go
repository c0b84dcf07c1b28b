// ABOUTME: Session persistence for the SQLite store
// ABOUTME: Tracks conversation tokens, the durable processing flag, and activity

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new session for an existing project.
// Returns ErrDuplicate if the ID is taken and ErrNotFound if the project doesn't exist.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}

	if _, err := s.GetProject(ctx, sess.ProjectID); err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, project_id, name, model, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.ProjectID,
		sess.Name,
		sess.Model,
		formatTime(sess.LastActivityAt),
		formatTime(sess.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "project_id", sess.ProjectID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, project_id, name, model, conversation_token, is_processing,
		       processing_started_at, total_tokens, total_cost_usd, message_count,
		       last_activity_at, created_at
		FROM sessions
		WHERE id = ?
	`

	var sess Session
	var token, startedAt sql.NullString
	var lastActivityStr, createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID,
		&sess.ProjectID,
		&sess.Name,
		&sess.Model,
		&token,
		&sess.IsProcessing,
		&startedAt,
		&sess.TotalTokens,
		&sess.TotalCostUSD,
		&sess.MessageCount,
		&lastActivityStr,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.ConversationToken = token.String
	if sess.ProcessingStartedAt, err = nullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing processing_started_at: %w", err)
	}
	if sess.LastActivityAt, err = parseTime(lastActivityStr); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &sess, nil
}

// GetConversationToken returns the upstream conversation token, or "" if none is stored.
func (s *SQLiteStore) GetConversationToken(ctx context.Context, sessionID string) (string, error) {
	var token sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_token FROM sessions WHERE id = ?`, sessionID,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying conversation token: %w", err)
	}
	return token.String, nil
}

// SetConversationToken stores the upstream conversation token. An empty token clears it.
func (s *SQLiteStore) SetConversationToken(ctx context.Context, sessionID, token string) error {
	var value any
	if token != "" {
		value = token
	}
	return s.updateSession(ctx, sessionID, "setting conversation token",
		`UPDATE sessions SET conversation_token = ? WHERE id = ?`, value, sessionID)
}

// SetProcessing sets the durable processing flag. Setting it stamps the start time;
// clearing it removes the stamp.
func (s *SQLiteStore) SetProcessing(ctx context.Context, sessionID string, processing bool) error {
	if processing {
		return s.updateSession(ctx, sessionID, "setting processing flag",
			`UPDATE sessions SET is_processing = 1, processing_started_at = ? WHERE id = ?`,
			formatTime(time.Now()), sessionID)
	}
	return s.updateSession(ctx, sessionID, "clearing processing flag",
		`UPDATE sessions SET is_processing = 0, processing_started_at = NULL WHERE id = ?`,
		sessionID)
}

// GetProcessingState returns the durable processing flag and its start time
func (s *SQLiteStore) GetProcessingState(ctx context.Context, sessionID string) (*ProcessingState, error) {
	var state ProcessingState
	var startedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT is_processing, processing_started_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&state.IsProcessing, &startedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying processing state: %w", err)
	}
	if state.StartedAt, err = nullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing processing_started_at: %w", err)
	}
	return &state, nil
}

// TouchSession bumps the session's last activity time
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, sessionID, "touching session",
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, formatTime(time.Now()), sessionID)
}

// updateSession runs a single-row update and maps zero affected rows to ErrNotFound
func (s *SQLiteStore) updateSession(ctx context.Context, sessionID, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug(op, "session_id", sessionID)
	return nil
}
