// ABOUTME: SQLite persistence for agent definitions
// ABOUTME: Agents map a persona to an external assistant id and an active flag

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAgent creates or replaces an agent definition, keeping its creation time
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, title, description, assistant_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			assistant_id = excluded.assistant_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		agent.ID,
		agent.Title,
		agent.Description,
		agent.AssistantID,
		string(agent.Status),
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "id", agent.ID, "status", agent.Status)
	return nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, assistant_id, status, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	return scanAgent(row)
}

// ListAgents returns agents ordered by title
func (s *SQLiteStore) ListAgents(ctx context.Context, activeOnly bool) ([]*Agent, error) {
	query := `
		SELECT id, title, description, assistant_id, status, created_at, updated_at
		FROM agents
	`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY title ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var status, createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.AssistantID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	a.Status = AgentStatus(status)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
