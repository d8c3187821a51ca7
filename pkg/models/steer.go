package models

import "time"

// SteerPriority orders steer messages delivered to a running agent.
type SteerPriority string

const (
	SteerPriorityNormal SteerPriority = "normal"
	SteerPriorityUrgent SteerPriority = "urgent"
)

// ValidSteerPriority reports whether p is a known priority.
func ValidSteerPriority(p SteerPriority) bool {
	return p == SteerPriorityNormal || p == SteerPriorityUrgent
}

// SteerMessage is an operator instruction injected into an executing
// agent's next model turn.
type SteerMessage struct {
	ID        string        `json:"steerMessageId"`
	AgentID   string        `json:"agentId"`
	Message   string        `json:"message"`
	Priority  SteerPriority `json:"priority"`
	CreatedAt time.Time     `json:"createdAt"`
}
