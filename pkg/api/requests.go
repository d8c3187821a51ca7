package api

import "encoding/json"

// SteerRequest is the HTTP request body for POST /api/v1/agents/:agentId/steer.
type SteerRequest struct {
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"`
}

// CreateApprovalRequest is the HTTP request body for POST /api/v1/jobs/:jobId/approval.
type CreateApprovalRequest struct {
	ActionType    string          `json:"actionType"`
	ActionSummary string          `json:"actionSummary,omitempty"`
	ActionDetail  json.RawMessage `json:"actionDetail,omitempty"`
	RiskLevel     string          `json:"riskLevel,omitempty"`
	TTLSeconds    int             `json:"ttlSeconds,omitempty"`
}

// DecideApprovalRequest is the HTTP request body for POST /api/v1/approval/:id/decide.
type DecideApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// DecideByTokenRequest is the HTTP request body for POST /api/v1/approval/token/decide.
type DecideByTokenRequest struct {
	Token    string `json:"token"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}
