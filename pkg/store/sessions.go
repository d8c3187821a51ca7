package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/models"
)

const sessionColumns = `id, agent_id, user_account_id, channel_id, status, created_at, ended_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.AgentID, &s.UserAccountID, &s.ChannelID,
		&s.Status, &s.CreatedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &s, nil
}

// FindOrCreateActiveSession returns the single active session for the
// (agent, user, channel) triple, creating it when none exists. Concurrent
// creators race on the partial unique index; the loser re-reads the
// winner's row.
func (s *Store) FindOrCreateActiveSession(ctx context.Context, agentID, userAccountID, channelID string) (*models.Session, error) {
	sess, err := s.findActiveSession(ctx, agentID, userAccountID, channelID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO sessions (id, agent_id, user_account_id, channel_id, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (agent_id, user_account_id, channel_id) WHERE status = 'active'
		DO NOTHING
		RETURNING `+sessionColumns,
		uuid.NewString(), agentID, userAccountID, channelID)
	sess, err = scanSession(row)
	if errors.Is(err, ErrNotFound) {
		// Lost the insert race; the active row now exists.
		return s.findActiveSession(ctx, agentID, userAccountID, channelID)
	}
	return sess, err
}

func (s *Store) findActiveSession(ctx context.Context, agentID, userAccountID, channelID string) (*models.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = $1 AND user_account_id = $2 AND channel_id = $3
			AND status = 'active'`,
		agentID, userAccountID, channelID)
	return scanSession(row)
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	return scanSession(row)
}

// EndSession closes an active session. Ending an already-ended session
// returns ErrNotFound.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	return s.guardedExec(ctx, `
		UPDATE sessions SET status = 'ended', ended_at = now()
		WHERE id = $1 AND status = 'active'`, sessionID)
}

// ListAgentSessions returns an agent's sessions, newest first.
func (s *Store) ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*models.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query agent sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListEndedSessionsBefore returns sessions that ended before the cutoff,
// oldest first. Retention sweeps purge their transcripts and then delete
// the rows.
func (s *Store) ListEndedSessionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'ended' AND ended_at < $1
		ORDER BY ended_at ASC
		LIMIT $2`, cutoff, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query ended sessions: %w", err)
	}
	return collectSessions(rows)
}

// DeleteSession removes a session and, via cascade, its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.guardedExec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
}

// AppendMessage adds one message to a session's conversation.
func (s *Store) AppendMessage(ctx context.Context, msg *models.SessionMessage) (*models.SessionMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO session_messages (id, session_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, session_id, role, content, created_at`,
		msg.ID, msg.SessionID, msg.Role, msg.Content)
	var out models.SessionMessage
	err := row.Scan(&out.ID, &out.SessionID, &out.Role, &out.Content, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return &out, nil
}

// ListRecentMessages returns the session's last limit messages in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.SessionMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, role, content, created_at FROM session_messages
		WHERE session_id = $1
		ORDER BY seq DESC
		LIMIT $2`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.SessionMessage
	for rows.Next() {
		var m models.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first scan, chronological result.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func collectSessions(rows pgx.Rows) ([]*models.Session, error) {
	defer rows.Close()
	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
