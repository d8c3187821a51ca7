package api

import "github.com/droverhq/drover/pkg/models"

// CreateApprovalResponse is returned by POST /api/v1/jobs/:jobId/approval.
// Token is the one-time decision token; it is never retrievable again.
type CreateApprovalResponse struct {
	Approval *models.ApprovalRequest `json:"approval"`
	Token    string                  `json:"token"`
}

// DeleteSessionResponse is returned by DELETE /api/v1/sessions/:id.
type DeleteSessionResponse struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
