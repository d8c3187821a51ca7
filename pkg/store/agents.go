package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/models"
)

const agentColumns = `id, slug, role, model_config, resource_limits, active, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Slug, &a.Role, &a.ModelConfig, &a.ResourceLimits,
		&a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}

// CreateAgent registers an agent. Slugs are unique; a duplicate surfaces
// the database constraint error.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO agents (id, slug, role, model_config, resource_limits, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+agentColumns,
		agent.ID, agent.Slug, agent.Role, agent.ModelConfig, agent.ResourceLimits, true)
	return scanAgent(row)
}

// GetAgent loads one agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID)
	return scanAgent(row)
}

// GetAgentBySlug loads one agent by its stable external handle.
func (s *Store) GetAgentBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE slug = $1`, slug)
	return scanAgent(row)
}

// ListAgents returns agents ordered by slug. Pass activeOnly to hide
// deactivated ones.
func (s *Store) ListAgents(ctx context.Context, activeOnly bool) ([]*models.Agent, error) {
	sql := `SELECT ` + agentColumns + ` FROM agents ORDER BY slug ASC`
	if activeOnly {
		sql = `SELECT ` + agentColumns + ` FROM agents WHERE active ORDER BY slug ASC`
	}
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgent rewrites the mutable agent fields.
func (s *Store) UpdateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE agents SET role = $2, model_config = $3, resource_limits = $4,
			active = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+agentColumns,
		agent.ID, agent.Role, agent.ModelConfig, agent.ResourceLimits, agent.Active)
	return scanAgent(row)
}

// DeactivateAgent retires an agent without destroying its history.
func (s *Store) DeactivateAgent(ctx context.Context, agentID string) error {
	return s.guardedExec(ctx, `
		UPDATE agents SET active = FALSE, updated_at = now()
		WHERE id = $1 AND active`, agentID)
}
