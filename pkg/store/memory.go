package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/models"
)

// InsertMemoryEntry stores one piece of agent context with its embedding.
func (s *Store) InsertMemoryEntry(ctx context.Context, entry *models.MemoryEntry) (*models.MemoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	embedding := entry.Embedding
	if embedding == nil {
		embedding = []float64{}
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO memory_entries (id, agent_id, content, embedding)
		VALUES ($1, $2, $3, $4)
		RETURNING id, agent_id, content, embedding, created_at`,
		entry.ID, entry.AgentID, entry.Content, embedding)
	var out models.MemoryEntry
	err := row.Scan(&out.ID, &out.AgentID, &out.Content, &out.Embedding, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert memory entry: %w", err)
	}
	return &out, nil
}

// ListMemoryEntries returns an agent's memories, newest first. Satisfies
// memory.EntrySource.
func (s *Store) ListMemoryEntries(ctx context.Context, agentID string, limit int) ([]models.MemoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, content, embedding, created_at FROM memory_entries
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entries: %w", err)
	}
	defer rows.Close()

	var entries []models.MemoryEntry
	for rows.Next() {
		var e models.MemoryEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Content, &e.Embedding, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteAgentMemory clears an agent's memory, e.g. on operator request.
func (s *Store) DeleteAgentMemory(ctx context.Context, agentID string) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM memory_entries WHERE agent_id = $1`, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memory entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
