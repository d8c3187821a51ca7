package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// SweepExpired expires PENDING approvals whose deadline has passed and
// fails their waiting jobs with "approval_expired". Returns how many were
// expired. The janitor runs this periodically; a decision racing the
// sweep loses or wins cleanly on the row lock.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	overdue, err := g.st.ListExpiredPendingApprovals(ctx, time.Now(), g.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired approvals: %w", err)
	}
	if len(overdue) == 0 {
		return 0, nil
	}

	expired := 0
	for _, req := range overdue {
		err := g.expireOne(ctx, req.ID)
		switch {
		case errors.Is(err, ErrAlreadyDecided):
			// A decider got the row between the list and the lock.
			continue
		case err != nil:
			g.logger.Error("Failed to expire approval",
				"approval_id", req.ID, "job_id", req.JobID, "error", err)
			continue
		}

		expired++
		req.Status = models.ApprovalStatusExpired
		g.logger.Warn("Approval expired",
			"approval_id", req.ID,
			"job_id", req.JobID,
			"action_type", req.ActionType,
			"expired_at", req.ExpiresAt)
		g.publishApproval(events.EventTypeApprovalExpired, req)
		g.publishJobStatus(req, models.JobStatusFailed, "approval_expired")
	}
	return expired, nil
}

func (g *Gate) expireOne(ctx context.Context, approvalID string) error {
	return g.st.WithTx(ctx, func(tx *store.Store) error {
		req, err := tx.GetApprovalForUpdate(ctx, approvalID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAlreadyDecided
		}
		if err != nil {
			return err
		}
		if req.Status != models.ApprovalStatusPending || time.Now().Before(req.ExpiresAt) {
			return ErrAlreadyDecided
		}
		return g.expireLocked(ctx, tx, req, "system")
	})
}

// expireLocked transitions a locked PENDING approval to EXPIRED and fails
// its job. Shared by the sweep and by decisions that arrive too late.
func (g *Gate) expireLocked(ctx context.Context, tx *store.Store, req *models.ApprovalRequest, actor string) error {
	if err := tx.ExpireApproval(ctx, req.ID); err != nil {
		return fmt.Errorf("failed to expire approval: %w", err)
	}
	if err := tx.FailRejectedJob(ctx, req.JobID, "approval_expired"); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to fail expired job: %w", err)
	}
	return tx.InsertApprovalAudit(ctx, &models.ApprovalAudit{
		ApprovalID: req.ID,
		Action:     "expired",
		Actor:      actor,
	})
}
