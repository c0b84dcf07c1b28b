// ABOUTME: Project persistence for the SQLite store
// ABOUTME: Projects carry the API key, prompt, tool allow-list, and spend limits

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateProject inserts a new project. Returns ErrDuplicate if the ID is taken.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	tools := p.AllowedTools
	if tools == nil {
		tools = []string{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encoding allowed tools: %w", err)
	}

	query := `
		INSERT INTO projects (
			id, name, api_key, system_prompt, allowed_tools, model,
			cost_limit_daily, cost_limit_weekly, cost_limit_monthly,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.APIKey,
		p.SystemPrompt,
		string(toolsJSON),
		p.Model,
		p.CostLimitDaily,
		p.CostLimitWeekly,
		p.CostLimitMonthly,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting project: %w", err)
	}

	s.logger.Debug("created project", "id", p.ID, "name", p.Name)
	return nil
}

const projectColumns = `
	id, name, api_key, system_prompt, allowed_tools, model,
	cost_limit_daily, cost_limit_weekly, cost_limit_monthly,
	created_at, updated_at
`

// GetProject retrieves a project by ID.
// Returns ErrNotFound if the project doesn't exist.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}
	return projects, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var toolsJSON, createdAtStr, updatedAtStr string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.APIKey,
		&p.SystemPrompt,
		&toolsJSON,
		&p.Model,
		&p.CostLimitDaily,
		&p.CostLimitWeekly,
		&p.CostLimitMonthly,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(toolsJSON), &p.AllowedTools); err != nil {
		return nil, fmt.Errorf("decoding allowed tools: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}
