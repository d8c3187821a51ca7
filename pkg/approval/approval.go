// Package approval gates sensitive agent actions behind a human decision.
// A gated tool call parks its job in WAITING_FOR_APPROVAL together with a
// PENDING approval request; the request carries a one-time decision token
// (only its HMAC is stored) and a TTL. A decision resumes or fails the job,
// and every transition lands in an immutable audit trail.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/pkg/backend"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

var (
	// ErrNotFound means no approval matches the given id or token.
	ErrNotFound = errors.New("not_found")
	// ErrAlreadyDecided means the approval left PENDING before this call.
	ErrAlreadyDecided = errors.New("already_decided")
	// ErrExpired means the approval's TTL ran out before the decision.
	ErrExpired = errors.New("expired")
	// ErrNotAuthorized means the presented token does not belong to the
	// addressed approval.
	ErrNotAuthorized = errors.New("not_authorized")
)

// TTL bounds for approval requests. Requested TTLs are clamped, never
// rejected.
const (
	MinTTL = 60 * time.Second
	MaxTTL = 7 * 24 * time.Hour
)

// TokenMinter mints and hashes decision tokens. Satisfied by
// *secrets.Keyring.
type TokenMinter interface {
	NewApprovalToken() (token, tokenHash string, err error)
	TokenHash(token string) string
	VerifyToken(token, tokenHash string) bool
}

// Notifier delivers a new approval request to a human channel together
// with the one-time decision token. Satisfied by the dispatch notifier.
type Notifier interface {
	NotifyApproval(ctx context.Context, req *models.ApprovalRequest, token string) error
}

// Config controls which actions are gated and how requests default.
type Config struct {
	// GatedActions lists tool names that require approval before they
	// run. "*" gates every tool call. Empty gates nothing.
	GatedActions []string

	// RiskLevels maps action types to the advertised risk level.
	// Unlisted actions are medium.
	RiskLevels map[string]string

	// DefaultTTL applies when a request does not carry its own.
	DefaultTTL time.Duration

	// SweepLimit bounds how many expired approvals one sweep handles.
	SweepLimit int
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 100
	}
	return c
}

// Gate creates, decides, and expires approval requests. All job and
// approval transitions run inside a transaction with the approval row
// locked, so concurrent deciders and the sweep serialize per request.
type Gate struct {
	st     *store.Store
	tokens TokenMinter
	pub    *events.Publisher
	notify Notifier
	cfg    Config
	logger *slog.Logger
	gated  map[string]bool
}

// New creates a Gate. pub and notify may be nil; logger nil falls back to
// the default logger.
func New(st *store.Store, tokens TokenMinter, pub *events.Publisher, notify Notifier, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	gated := make(map[string]bool, len(cfg.GatedActions))
	for _, action := range cfg.GatedActions {
		gated[action] = true
	}
	return &Gate{
		st:     st,
		tokens: tokens,
		pub:    pub,
		notify: notify,
		cfg:    cfg.withDefaults(),
		logger: logger,
		gated:  gated,
	}
}

// ShouldGate reports whether this tool call requires a human decision.
func (g *Gate) ShouldGate(call *backend.ToolCallEvent) bool {
	if call == nil {
		return false
	}
	return g.gated["*"] || g.gated[call.Name]
}

// approvedCall is the resume payload recorded for a gated tool call. The
// resumed run receives it verbatim and executes the approved call.
type approvedCall struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// Park creates the approval request for a gated tool call and moves the
// job to WAITING_FOR_APPROVAL. The decision token goes to the notifier,
// never to the caller.
func (g *Gate) Park(ctx context.Context, job *models.Job, call *backend.ToolCallEvent) (*models.ApprovalRequest, error) {
	resume, err := json.Marshal(approvedCall{CallID: call.CallID, Name: call.Name, Input: call.Input})
	if err != nil {
		return nil, fmt.Errorf("failed to encode resume payload: %w", err)
	}

	req, token, err := g.CreateRequest(ctx, CreateParams{
		JobID:         job.ID,
		AgentID:       job.AgentID,
		ActionType:    call.Name,
		ActionSummary: fmt.Sprintf("agent wants to run %s", call.Name),
		ActionDetail:  call.Input,
		ResumePayload: resume,
		RiskLevel:     g.cfg.RiskLevels[call.Name],
	})
	if err != nil {
		return nil, err
	}

	if g.notify != nil {
		if err := g.notify.NotifyApproval(ctx, req, token); err != nil {
			// The request stands; it is still decidable by id.
			g.logger.Warn("Failed to notify approval channel",
				"approval_id", req.ID, "error", err)
		}
	}
	return req, nil
}

// CreateParams are the caller-supplied fields of a new approval request.
type CreateParams struct {
	JobID         string
	AgentID       string
	ActionType    string
	ActionSummary string
	ActionDetail  json.RawMessage
	ResumePayload json.RawMessage
	RiskLevel     string
	TTL           time.Duration

	// RequestedBy is the audit actor. Empty defaults to the agent.
	RequestedBy string
}

// CreateRequest mints a decision token, inserts the PENDING request, and
// parks the job. The plaintext token is returned exactly once; only its
// HMAC is stored. Fails when the job is not RUNNING.
func (g *Gate) CreateRequest(ctx context.Context, p CreateParams) (*models.ApprovalRequest, string, error) {
	if p.JobID == "" || p.AgentID == "" || p.ActionType == "" {
		return nil, "", errors.New("jobId, agentId and actionType are required")
	}

	token, tokenHash, err := g.tokens.NewApprovalToken()
	if err != nil {
		return nil, "", err
	}

	actor := p.RequestedBy
	if actor == "" {
		actor = "agent:" + p.AgentID
	}

	req := &models.ApprovalRequest{
		JobID:         p.JobID,
		AgentID:       p.AgentID,
		ActionType:    p.ActionType,
		ActionSummary: p.ActionSummary,
		ActionDetail:  p.ActionDetail,
		RiskLevel:     p.RiskLevel,
		TokenHash:     []byte(tokenHash),
		ResumePayload: p.ResumePayload,
		ExpiresAt:     time.Now().Add(clampTTL(p.TTL, g.cfg.DefaultTTL)),
	}

	var created *models.ApprovalRequest
	err = g.st.WithTx(ctx, func(tx *store.Store) error {
		var err error
		created, err = tx.CreateApproval(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to create approval: %w", err)
		}
		if err := tx.MarkWaitingForApproval(ctx, p.JobID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("job %s is not running", p.JobID)
			}
			return fmt.Errorf("failed to park job: %w", err)
		}
		return tx.InsertApprovalAudit(ctx, &models.ApprovalAudit{
			ApprovalID: created.ID,
			Action:     "requested",
			Actor:      actor,
		})
	})
	if err != nil {
		return nil, "", err
	}

	g.logger.Info("Approval requested",
		"approval_id", created.ID,
		"job_id", created.JobID,
		"agent_id", created.AgentID,
		"action_type", created.ActionType,
		"risk_level", created.RiskLevel,
		"expires_at", created.ExpiresAt)

	g.publishState(created)
	g.publishApproval(events.EventTypeApprovalRequested, created)
	return created, token, nil
}

func clampTTL(ttl, fallback time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = fallback
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// publishState announces the synthetic WAITING_FOR_APPROVAL agent state.
func (g *Gate) publishState(req *models.ApprovalRequest) {
	if g.pub == nil {
		return
	}
	g.pub.PublishAgentState(events.AgentStatePayload{
		AgentID: req.AgentID,
		State:   string(models.JobStatusWaitingForApproval),
		Reason:  "approval_required",
		JobID:   req.JobID,
	})
}

func (g *Gate) publishApproval(eventType string, req *models.ApprovalRequest) {
	if g.pub == nil {
		return
	}
	g.pub.PublishApproval(eventType, events.ApprovalPayload{
		ApprovalID:    req.ID,
		JobID:         req.JobID,
		AgentID:       req.AgentID,
		ActionType:    req.ActionType,
		ActionSummary: req.ActionSummary,
		RiskLevel:     req.RiskLevel,
		Status:        string(req.Status),
		DecidedBy:     req.DecidedBy,
		ExpiresAt:     req.ExpiresAt.Format(time.RFC3339Nano),
	})
}

func (g *Gate) publishJobStatus(req *models.ApprovalRequest, status models.JobStatus, lastError string) {
	if g.pub == nil {
		return
	}
	g.pub.PublishJobStatus(events.JobStatusPayload{
		AgentID:   req.AgentID,
		JobID:     req.JobID,
		Status:    string(status),
		LastError: lastError,
	})
}
