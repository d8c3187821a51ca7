package events

import "encoding/json"

// AgentStatePayload is the payload for agent:state events.
// Published on every lifecycle transition, including synthetic
// WAITING_FOR_APPROVAL announcements from the approval gate.
type AgentStatePayload struct {
	Type      string `json:"type"`               // always EventTypeAgentState
	AgentID   string `json:"agentId"`            // agent UUID
	State     string `json:"state"`              // BOOTING, HYDRATING, READY, EXECUTING, DRAINING, TERMINATED, WAITING_FOR_APPROVAL
	Previous  string `json:"previous,omitempty"` // state before the transition
	Reason    string `json:"reason,omitempty"`   // e.g. "idle_timeout", "crash", "in_cooldown"
	JobID     string `json:"jobId,omitempty"`    // job driving the transition, if any
	Timestamp string `json:"timestamp"`          // RFC3339Nano
}

// RoutePayload is the payload for route_skipped, route_failover, and
// route_exhausted events.
type RoutePayload struct {
	Type       string `json:"type"`                 // route_skipped, route_failover, route_exhausted
	AgentID    string `json:"agentId"`              // agent the task belongs to
	JobID      string `json:"jobId,omitempty"`      // job being placed
	ProviderID string `json:"providerId,omitempty"` // provider skipped or failed over from (empty for exhausted)
	NextID     string `json:"nextId,omitempty"`     // provider failed over to (failover only)
	Reason     string `json:"reason,omitempty"`     // breaker_open, acquire_timeout, task_error class, ...
	Timestamp  string `json:"timestamp"`            // RFC3339Nano
}

// OutputPayload is the payload for output.* events relayed from an
// execution handle. High frequency while a job runs; text deltas are
// ephemeral and only reach clients connected (or within replay reach)
// at publish time.
type OutputPayload struct {
	Type         string          `json:"type"`                   // output.text, output.tool_call, output.tool_result, output.usage, output.complete
	AgentID      string          `json:"agentId"`                // executing agent
	JobID        string          `json:"jobId"`                  // executing job
	SessionID    string          `json:"sessionId,omitempty"`    // chat session, when the job has one
	Text         string          `json:"text,omitempty"`         // output.text delta
	ToolName     string          `json:"toolName,omitempty"`     // output.tool_call / output.tool_result
	ToolInput    json.RawMessage `json:"toolInput,omitempty"`    // output.tool_call arguments
	ToolResult   json.RawMessage `json:"toolResult,omitempty"`   // output.tool_result payload
	InputTokens  int             `json:"inputTokens,omitempty"`  // output.usage / output.complete
	OutputTokens int             `json:"outputTokens,omitempty"` // output.usage / output.complete
	Timestamp    string          `json:"timestamp"`              // RFC3339Nano
}

// JobStatusPayload is the payload for job.status events.
type JobStatusPayload struct {
	Type      string `json:"type"`                // always EventTypeJobStatus
	AgentID   string `json:"agentId"`             // owning agent
	JobID     string `json:"jobId"`               // job UUID
	Status    string `json:"status"`              // models.JobStatus value
	Attempt   int    `json:"attempt"`             // attempts consumed so far
	LastError string `json:"lastError,omitempty"` // classification-tagged message on failure paths
	Timestamp string `json:"timestamp"`           // RFC3339Nano
}

// ApprovalPayload is the payload for approval.* events on the approvals
// topic. The resume payload and token are never included.
type ApprovalPayload struct {
	Type          string `json:"type"`                // approval.requested, approval.decided, approval.expired
	ApprovalID    string `json:"approvalId"`          // approval request UUID
	JobID         string `json:"jobId"`               // gated job
	AgentID       string `json:"agentId"`             // requesting agent
	ActionType    string `json:"actionType"`          // e.g. "shell_command", "deploy"
	ActionSummary string `json:"actionSummary"`       // human-readable description
	RiskLevel     string `json:"riskLevel"`           // low, medium, high, critical
	Status        string `json:"status"`              // PENDING, APPROVED, REJECTED, EXPIRED
	DecidedBy     string `json:"decidedBy,omitempty"` // decider identity (decided only)
	ExpiresAt     string `json:"expiresAt"`           // RFC3339Nano
	Timestamp     string `json:"timestamp"`           // RFC3339Nano
}

// SteerPayload is the payload for steer.accepted events.
type SteerPayload struct {
	Type           string `json:"type"`     // always EventTypeSteerAccepted
	AgentID        string `json:"agentId"`  // steered agent
	SteerMessageID string `json:"steerId"`  // accepted steer message UUID
	Priority       string `json:"priority"` // normal or urgent
	Timestamp      string `json:"timestamp"`
}
