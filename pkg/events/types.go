// Package events provides the in-process event bus that decouples the
// lifecycle manager, scheduler, router, and approval gate from their
// observers. Components publish typed events to topics; the SSE stream
// manager subscribes to all topics and fans events out to connected
// clients.
//
// Delivery is synchronous: Publish invokes every matching subscriber on
// the publishing goroutine before returning. Subscribers must not block;
// the stream manager bounds its own writes with per-connection deadlines
// and draining queues.
//
// Topics:
//
//	agent:{agent_id}  lifecycle transitions, routing decisions, and
//	                  execution output for a single agent. Backs the
//	                  per-agent SSE stream.
//	approvals         approval requests, decisions, and expirations
//	                  fleet-wide. Backs the approvals SSE stream.
package events

// Agent-scoped event types (published to AgentTopic).
const (
	// Lifecycle state transitions, including WAITING_FOR_APPROVAL when a
	// job is gated and the terminal crash/cooldown states.
	EventTypeAgentState = "agent:state"

	// Routing decisions made while placing a task on a provider.
	EventTypeRouteSkipped   = "route_skipped"
	EventTypeRouteFailover  = "route_failover"
	EventTypeRouteExhausted = "route_exhausted"

	// Execution output relayed from the backend handle.
	EventTypeOutputText       = "output.text"
	EventTypeOutputToolCall   = "output.tool_call"
	EventTypeOutputToolResult = "output.tool_result"
	EventTypeOutputUsage      = "output.usage"
	EventTypeOutputComplete   = "output.complete"

	// Job status transitions (SCHEDULED → RUNNING → terminal).
	EventTypeJobStatus = "job.status"

	// A steer message was accepted for mid-execution injection.
	EventTypeSteerAccepted = "steer.accepted"
)

// Approval event types (published to ApprovalsTopic).
const (
	EventTypeApprovalRequested = "approval.requested"
	EventTypeApprovalDecided   = "approval.decided"
	EventTypeApprovalExpired   = "approval.expired"
)

// ApprovalsTopic is the topic for fleet-wide approval events.
// The approvals SSE stream subscribes to this.
const ApprovalsTopic = "approvals"

// AgentTopic returns the topic name for a specific agent's events.
// Format: "agent:{agent_id}"
func AgentTopic(agentID string) string {
	return "agent:" + agentID
}
