package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// DecideParams identifies an approval by id or presented token and carries
// the verdict with its provenance. When both id and token are given, the
// token must belong to that approval.
type DecideParams struct {
	ApprovalID string
	Token      string
	Decision   models.ApprovalDecision
	DecidedBy  string
	Channel    string
	Reason     string
	IP         string
	UserAgent  string
}

// Decide records the verdict on a PENDING approval and moves its job:
// APPROVED returns it to SCHEDULED with the resume payload attached,
// REJECTED fails it with "approval_rejected". A second decision on the
// same approval fails with ErrAlreadyDecided; a decision past the TTL
// expires the request in place and fails with ErrExpired.
func (g *Gate) Decide(ctx context.Context, p DecideParams) (*models.ApprovalRequest, error) {
	if p.Decision != models.DecisionApproved && p.Decision != models.DecisionRejected {
		return nil, fmt.Errorf("invalid decision %q", p.Decision)
	}
	if p.DecidedBy == "" {
		return nil, errors.New("decidedBy is required")
	}

	var decided, lapsed *models.ApprovalRequest
	err := g.st.WithTx(ctx, func(tx *store.Store) error {
		req, err := g.lockRequest(ctx, tx, p)
		if err != nil {
			return err
		}
		if req.Status != models.ApprovalStatusPending {
			return ErrAlreadyDecided
		}
		if time.Now().After(req.ExpiresAt) {
			// Expire in place and commit; returning the error here would
			// roll the expiry back.
			if err := g.expireLocked(ctx, tx, req, p.DecidedBy); err != nil {
				return err
			}
			req.Status = models.ApprovalStatusExpired
			lapsed = req
			return nil
		}

		status := models.ApprovalStatusApproved
		if p.Decision == models.DecisionRejected {
			status = models.ApprovalStatusRejected
		}
		if err := tx.DecideApproval(ctx, req.ID, status, p.DecidedBy, p.Channel); err != nil {
			return fmt.Errorf("failed to record decision: %w", err)
		}

		switch status {
		case models.ApprovalStatusApproved:
			err = tx.ResumeApprovedJob(ctx, req.JobID, req.ResumePayload)
		case models.ApprovalStatusRejected:
			err = tx.FailRejectedJob(ctx, req.JobID, "approval_rejected")
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// The job left WAITING_FOR_APPROVAL on its own (operator
				// cancel). The decision stands; the job does not move.
				g.logger.Warn("Decided approval for a job no longer waiting",
					"approval_id", req.ID, "job_id", req.JobID)
			} else {
				return fmt.Errorf("failed to move job: %w", err)
			}
		}

		if err := tx.InsertApprovalAudit(ctx, &models.ApprovalAudit{
			ApprovalID: req.ID,
			Action:     strings.ToLower(string(status)),
			Actor:      p.DecidedBy,
			Channel:    p.Channel,
			Reason:     p.Reason,
			IP:         p.IP,
			UserAgent:  p.UserAgent,
		}); err != nil {
			return err
		}

		now := time.Now()
		req.Status = status
		req.DecidedBy = p.DecidedBy
		req.DecisionChannel = p.Channel
		req.DecidedAt = &now
		decided = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lapsed != nil {
		g.logger.Warn("Decision arrived after the TTL",
			"approval_id", lapsed.ID, "job_id", lapsed.JobID, "decided_by", p.DecidedBy)
		g.publishApproval(events.EventTypeApprovalExpired, lapsed)
		g.publishJobStatus(lapsed, models.JobStatusFailed, "approval_expired")
		return nil, ErrExpired
	}

	g.logger.Info("Approval decided",
		"approval_id", decided.ID,
		"job_id", decided.JobID,
		"decision", decided.Status,
		"decided_by", decided.DecidedBy,
		"channel", decided.DecisionChannel)

	g.publishApproval(events.EventTypeApprovalDecided, decided)
	if decided.Status == models.ApprovalStatusApproved {
		g.publishJobStatus(decided, models.JobStatusScheduled, "")
	} else {
		g.publishJobStatus(decided, models.JobStatusFailed, "approval_rejected")
	}
	return decided, nil
}

// lockRequest resolves the approval by id or token hash and locks its row
// for the rest of the transaction.
func (g *Gate) lockRequest(ctx context.Context, tx *store.Store, p DecideParams) (*models.ApprovalRequest, error) {
	switch {
	case p.ApprovalID != "":
		req, err := tx.GetApprovalForUpdate(ctx, p.ApprovalID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if p.Token != "" && !g.tokens.VerifyToken(p.Token, string(req.TokenHash)) {
			return nil, ErrNotAuthorized
		}
		return req, nil
	case p.Token != "":
		req, err := tx.GetApprovalByTokenHashForUpdate(ctx, []byte(g.tokens.TokenHash(p.Token)))
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return req, err
	default:
		return nil, errors.New("approval id or token is required")
	}
}
