package models

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the lifecycle of an approval request. Only PENDING may
// transition.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusExpired  ApprovalStatus = "EXPIRED"
)

// ApprovalDecision is the operator-supplied verdict.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "APPROVED"
	DecisionRejected ApprovalDecision = "REJECTED"
)

// Risk levels advertised on approval requests.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// ApprovalRequest gates one sensitive agent action behind a human decision.
// The decision token is cryptographically random; only its HMAC is stored.
type ApprovalRequest struct {
	ID              string          `json:"id"`
	JobID           string          `json:"jobId"`
	AgentID         string          `json:"agentId"`
	ActionType      string          `json:"actionType"`
	ActionSummary   string          `json:"actionSummary"`
	ActionDetail    json.RawMessage `json:"actionDetail,omitempty"`
	RiskLevel       string          `json:"riskLevel"`
	Status          ApprovalStatus  `json:"status"`
	TokenHash       []byte          `json:"-"`
	ResumePayload   json.RawMessage `json:"-"`
	DecisionChannel string          `json:"decisionChannel,omitempty"`
	DecidedBy       string          `json:"decidedBy,omitempty"`
	DecidedAt       *time.Time      `json:"decidedAt,omitempty"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// ApprovalAudit is one immutable entry in an approval's decision trail.
type ApprovalAudit struct {
	ID         string    `json:"id"`
	ApprovalID string    `json:"approvalId"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Channel    string    `json:"channel,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
