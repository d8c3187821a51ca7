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

const approvalColumns = `id, job_id, agent_id, action_type, action_summary, action_detail,
	risk_level, status, token_hash, resume_payload, decision_channel, decided_by,
	decided_at, expires_at, created_at`

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	err := row.Scan(&a.ID, &a.JobID, &a.AgentID, &a.ActionType, &a.ActionSummary,
		&a.ActionDetail, &a.RiskLevel, &a.Status, &a.TokenHash, &a.ResumePayload,
		&a.DecisionChannel, &a.DecidedBy, &a.DecidedAt, &a.ExpiresAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	return &a, nil
}

// CreateApproval persists a new PENDING approval request.
func (s *Store) CreateApproval(ctx context.Context, req *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RiskLevel == "" {
		req.RiskLevel = models.RiskMedium
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO approval_requests (id, job_id, agent_id, action_type, action_summary,
			action_detail, risk_level, status, token_hash, resume_payload, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', $8, $9, $10)
		RETURNING `+approvalColumns,
		req.ID, req.JobID, req.AgentID, req.ActionType, req.ActionSummary,
		req.ActionDetail, req.RiskLevel, req.TokenHash, req.ResumePayload, req.ExpiresAt)
	return scanApproval(row)
}

// GetApproval loads one approval by ID.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, approvalID)
	return scanApproval(row)
}

// GetApprovalForUpdate loads one approval and locks the row. Only
// meaningful inside WithTx; concurrent deciders serialize on the lock.
func (s *Store) GetApprovalForUpdate(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, approvalID)
	return scanApproval(row)
}

// GetApprovalByTokenHashForUpdate resolves a decision token's HMAC to its
// approval, locking the row. Only meaningful inside WithTx.
func (s *Store) GetApprovalByTokenHashForUpdate(ctx context.Context, tokenHash []byte) (*models.ApprovalRequest, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests WHERE token_hash = $1 FOR UPDATE`, tokenHash)
	return scanApproval(row)
}

// DecideApproval records the verdict on a PENDING approval. ErrNotFound
// means the row is gone or was already decided.
func (s *Store) DecideApproval(ctx context.Context, approvalID string, status models.ApprovalStatus, decidedBy, channel string) error {
	return s.guardedExec(ctx, `
		UPDATE approval_requests SET status = $2, decided_by = $3,
			decision_channel = $4, decided_at = now()
		WHERE id = $1 AND status = 'PENDING'`,
		approvalID, status, decidedBy, channel)
}

// ExpireApproval moves a PENDING approval to EXPIRED. No decider is
// recorded; expiry is the sweep's verdict, not a human's.
func (s *Store) ExpireApproval(ctx context.Context, approvalID string) error {
	return s.guardedExec(ctx, `
		UPDATE approval_requests SET status = 'EXPIRED'
		WHERE id = $1 AND status = 'PENDING'`, approvalID)
}

// ListPendingApprovals returns open approvals, oldest deadline first.
func (s *Store) ListPendingApprovals(ctx context.Context, limit int) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = 'PENDING'
		ORDER BY expires_at ASC
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	return collectApprovals(rows)
}

// ListExpiredPendingApprovals returns PENDING approvals whose deadline has
// passed, for the expiry sweep.
func (s *Store) ListExpiredPendingApprovals(ctx context.Context, asOf time.Time, limit int) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, asOf, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}
	return collectApprovals(rows)
}

// ListJobApprovals returns a job's approvals, newest first.
func (s *Store) ListJobApprovals(ctx context.Context, jobID string) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE job_id = $1
		ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job approvals: %w", err)
	}
	return collectApprovals(rows)
}

// InsertApprovalAudit appends one immutable audit entry.
func (s *Store) InsertApprovalAudit(ctx context.Context, audit *models.ApprovalAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO approval_audit (id, approval_id, action, actor, channel, reason, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		audit.ID, audit.ApprovalID, audit.Action, audit.Actor, audit.Channel,
		audit.Reason, audit.IP, audit.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to insert approval audit: %w", err)
	}
	return nil
}

// ListApprovalAudit returns an approval's audit trail in order.
func (s *Store) ListApprovalAudit(ctx context.Context, approvalID string) ([]*models.ApprovalAudit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, approval_id, action, actor, channel, reason, ip, user_agent, created_at
		FROM approval_audit
		WHERE approval_id = $1
		ORDER BY created_at ASC`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval audit: %w", err)
	}
	defer rows.Close()

	var entries []*models.ApprovalAudit
	for rows.Next() {
		var e models.ApprovalAudit
		err := rows.Scan(&e.ID, &e.ApprovalID, &e.Action, &e.Actor, &e.Channel,
			&e.Reason, &e.IP, &e.UserAgent, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval audit: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func collectApprovals(rows pgx.Rows) ([]*models.ApprovalRequest, error) {
	defer rows.Close()
	var approvals []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
