package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// Get returns one approval request by id.
func (g *Gate) Get(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	req, err := g.st.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// ListPending returns PENDING approvals, oldest first.
func (g *Gate) ListPending(ctx context.Context, limit int) ([]*models.ApprovalRequest, error) {
	if limit <= 0 {
		limit = g.cfg.SweepLimit
	}
	reqs, err := g.st.ListPendingApprovals(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return reqs, nil
}

// Audit returns the decision trail of one approval, oldest first.
func (g *Gate) Audit(ctx context.Context, approvalID string) ([]*models.ApprovalAudit, error) {
	if _, err := g.Get(ctx, approvalID); err != nil {
		return nil, err
	}
	audit, err := g.st.ListApprovalAudit(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("list approval audit: %w", err)
	}
	return audit, nil
}
