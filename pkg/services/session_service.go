package services

import (
	"context"
	"fmt"

	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// SessionService serves conversation reads and session teardown.
type SessionService struct {
	st *store.Store
}

// NewSessionService creates a SessionService.
func NewSessionService(st *store.Store) *SessionService {
	return &SessionService{st: st}
}

// GetSession loads one session by ID.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, NewValidationError("sessionId", "is required")
	}
	session, err := s.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreError(err, "session")
	}
	return session, nil
}

// ListAgentSessions lists an agent's sessions, newest first.
func (s *SessionService) ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*models.Session, error) {
	if agentID == "" {
		return nil, NewValidationError("agentId", "is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if _, err := s.st.GetAgent(ctx, agentID); err != nil {
		return nil, mapStoreError(err, "agent")
	}
	sessions, err := s.st.ListAgentSessions(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent sessions: %w", err)
	}
	return sessions, nil
}

// ListMessages returns a session's conversation in chronological order.
func (s *SessionService) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.SessionMessage, error) {
	if sessionID == "" {
		return nil, NewValidationError("sessionId", "is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := s.st.GetSession(ctx, sessionID); err != nil {
		return nil, mapStoreError(err, "session")
	}
	messages, err := s.st.ListRecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session messages: %w", err)
	}
	return messages, nil
}

// DeleteSession removes a session and its messages. The session is ended
// first so an in-flight dispatcher watch cannot append to a deleted row.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return NewValidationError("sessionId", "is required")
	}
	if _, err := s.st.GetSession(ctx, sessionID); err != nil {
		return mapStoreError(err, "session")
	}

	return s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.EndSession(ctx, sessionID); err != nil {
			return mapStoreError(err, "session")
		}
		if err := tx.DeleteSession(ctx, sessionID); err != nil {
			return mapStoreError(err, "session")
		}
		return nil
	})
}
