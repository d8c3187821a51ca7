package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/droverhq/drover/pkg/approval"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/stream"
)

// createApprovalHandler handles POST /api/v1/jobs/:jobId/approval.
// Parks the running job and mints a one-time decision token. The token
// appears in this response exactly once; only its HMAC is stored.
func (s *Server) createApprovalHandler(c *echo.Context) error {
	jobID := c.Param("jobId")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	var req CreateApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ActionType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actionType is required")
	}

	job, err := s.jobService.GetJob(c.Request().Context(), jobID)
	if err != nil {
		return mapServiceError(err)
	}

	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	created, token, err := s.gate.CreateRequest(c.Request().Context(), approval.CreateParams{
		JobID:         job.ID,
		AgentID:       job.AgentID,
		ActionType:    req.ActionType,
		ActionSummary: req.ActionSummary,
		ActionDetail:  req.ActionDetail,
		RiskLevel:     req.RiskLevel,
		TTL:           ttl,
		RequestedBy:   actorFromContext(c),
	})
	if err != nil {
		return mapApprovalError(err)
	}

	return c.JSON(http.StatusCreated, &CreateApprovalResponse{
		Approval: created,
		Token:    token,
	})
}

// decideApprovalHandler handles POST /api/v1/approval/:id/decide.
func (s *Server) decideApprovalHandler(c *echo.Context) error {
	approvalID := c.Param("id")
	if approvalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approval id is required")
	}

	var req DecideApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return s.decide(c, approval.DecideParams{
		ApprovalID: approvalID,
		Decision:   models.ApprovalDecision(req.Decision),
		Reason:     req.Reason,
	})
}

// decideApprovalByTokenHandler handles POST /api/v1/approval/token/decide.
// The bearer of a valid decision token may decide without knowing the
// approval id.
func (s *Server) decideApprovalByTokenHandler(c *echo.Context) error {
	var req DecideByTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}

	return s.decide(c, approval.DecideParams{
		Token:    req.Token,
		Decision: models.ApprovalDecision(req.Decision),
		Reason:   req.Reason,
	})
}

func (s *Server) decide(c *echo.Context, p approval.DecideParams) error {
	if p.Decision != models.DecisionApproved && p.Decision != models.DecisionRejected {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be APPROVED or REJECTED")
	}
	p.DecidedBy = actorFromContext(c)
	p.Channel = "api"
	p.IP = clientIP(c)
	p.UserAgent = c.Request().UserAgent()

	decided, err := s.gate.Decide(c.Request().Context(), p)
	if err != nil {
		return mapApprovalError(err)
	}

	return c.JSON(http.StatusOK, decided)
}

// listApprovalsHandler handles GET /api/v1/approvals.
func (s *Server) listApprovalsHandler(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be a positive integer")
		}
		limit = n
	}

	reqs, err := s.gate.ListPending(c.Request().Context(), limit)
	if err != nil {
		return mapApprovalError(err)
	}

	return c.JSON(http.StatusOK, reqs)
}

// getApprovalHandler handles GET /api/v1/approvals/:id.
func (s *Server) getApprovalHandler(c *echo.Context) error {
	approvalID := c.Param("id")
	if approvalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approval id is required")
	}

	req, err := s.gate.Get(c.Request().Context(), approvalID)
	if err != nil {
		return mapApprovalError(err)
	}

	return c.JSON(http.StatusOK, req)
}

// approvalAuditHandler handles GET /api/v1/approvals/:id/audit.
func (s *Server) approvalAuditHandler(c *echo.Context) error {
	approvalID := c.Param("id")
	if approvalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approval id is required")
	}

	audit, err := s.gate.Audit(c.Request().Context(), approvalID)
	if err != nil {
		return mapApprovalError(err)
	}

	return c.JSON(http.StatusOK, audit)
}

// approvalsStreamHandler handles GET /api/v1/approvals/stream.
// Fleet-wide approval lifecycle events over SSE.
func (s *Server) approvalsStreamHandler(c *echo.Context) error {
	lastEventID := c.Request().Header.Get("Last-Event-ID")
	return s.streams.Connect(c.Request().Context(), stream.ApprovalsStream, c.Response(), lastEventID)
}
