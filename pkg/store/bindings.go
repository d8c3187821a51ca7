package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/models"
)

const bindingColumns = `id, channel_type, chat_id, agent_id, created_at`

func scanBinding(row pgx.Row) (*models.AgentBinding, error) {
	var b models.AgentBinding
	err := row.Scan(&b.ID, &b.ChannelType, &b.ChatID, &b.AgentID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan binding: %w", err)
	}
	return &b, nil
}

// UpsertBinding points a channel conversation at an agent, replacing any
// previous assignment.
func (s *Store) UpsertBinding(ctx context.Context, channelType, chatID, agentID string) (*models.AgentBinding, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO agent_bindings (id, channel_type, chat_id, agent_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_type, chat_id)
		DO UPDATE SET agent_id = EXCLUDED.agent_id
		RETURNING `+bindingColumns,
		uuid.NewString(), channelType, chatID, agentID)
	return scanBinding(row)
}

// ResolveBinding finds the agent assigned to a conversation.
func (s *Store) ResolveBinding(ctx context.Context, channelType, chatID string) (*models.AgentBinding, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+bindingColumns+` FROM agent_bindings
		WHERE channel_type = $1 AND chat_id = $2`, channelType, chatID)
	return scanBinding(row)
}

// DeleteBinding unassigns a conversation.
func (s *Store) DeleteBinding(ctx context.Context, channelType, chatID string) error {
	return s.guardedExec(ctx, `
		DELETE FROM agent_bindings WHERE channel_type = $1 AND chat_id = $2`,
		channelType, chatID)
}

// ListBindings returns all conversation assignments.
func (s *Store) ListBindings(ctx context.Context) ([]*models.AgentBinding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bindingColumns+` FROM agent_bindings
		ORDER BY channel_type ASC, chat_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*models.AgentBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// ListBindingsForAgent returns every conversation pointed at an agent.
func (s *Store) ListBindingsForAgent(ctx context.Context, agentID string) ([]*models.AgentBinding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bindingColumns+` FROM agent_bindings
		WHERE agent_id = $1
		ORDER BY channel_type ASC, chat_id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings for agent: %w", err)
	}
	defer rows.Close()

	var bindings []*models.AgentBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}
