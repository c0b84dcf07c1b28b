// ABOUTME: SQLite implementation for per-turn usage tracking
// ABOUTME: Records token and cost counters and aggregates project spend over time windows

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddUsage stores a usage record and adds its tokens and cost to the session totals.
func (s *SQLiteStore) AddUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET total_tokens = total_tokens + ?, total_cost_usd = total_cost_usd + ?
		WHERE id = ?
	`, rec.TotalTokens(), rec.CostUSD, rec.SessionID)
	if err != nil {
		return fmt.Errorf("updating session totals: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	if rec.ProjectID == "" {
		err := tx.QueryRowContext(ctx, `SELECT project_id FROM sessions WHERE id = ?`, rec.SessionID).
			Scan(&rec.ProjectID)
		if err != nil {
			return fmt.Errorf("resolving project: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, session_id, project_id,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.SessionID,
		rec.ProjectID,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheReadTokens,
		rec.CacheWriteTokens,
		rec.CostUSD,
		rec.DurationMS,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing usage: %w", err)
	}

	s.logger.Debug("saved usage",
		"session_id", rec.SessionID,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cost_usd", rec.CostUSD,
	)
	return nil
}

// CostSince sums the recorded cost for a project from since until now
func (s *SQLiteStore) CostSince(ctx context.Context, projectID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE project_id = ? AND created_at >= ?
	`, projectID, formatTime(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("querying project cost: %w", err)
	}
	return total, nil
}

// ListSessionUsage returns the usage records for a session, oldest first
func (s *SQLiteStore) ListSessionUsage(ctx context.Context, sessionID string) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, project_id,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		       cost_usd, duration_ms, created_at
		FROM usage_records
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return records, nil
}

// scanUsage scans a single usage row into a UsageRecord struct.
func scanUsage(rows *sql.Rows) (*UsageRecord, error) {
	var rec UsageRecord
	var createdAtStr string

	err := rows.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.ProjectID,
		&rec.InputTokens,
		&rec.OutputTokens,
		&rec.CacheReadTokens,
		&rec.CacheWriteTokens,
		&rec.CostUSD,
		&rec.DurationMS,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	rec.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &rec, nil
}
