package models

import (
	"encoding/json"
	"time"
)

// SessionEventVersion is the current on-disk record version.
const SessionEventVersion = 1

// SessionEventType classifies a session-buffer record.
type SessionEventType string

const (
	EventSessionStart SessionEventType = "SESSION_START"
	EventLLMRequest   SessionEventType = "LLM_REQUEST"
	EventLLMResponse  SessionEventType = "LLM_RESPONSE"
	EventToolCall     SessionEventType = "TOOL_CALL"
	EventToolResult   SessionEventType = "TOOL_RESULT"
	EventCheckpoint   SessionEventType = "CHECKPOINT"
	EventError        SessionEventType = "ERROR"
	EventComplete     SessionEventType = "COMPLETE"
)

// SessionEvent is one line of a session buffer file. Sequence is monotonic
// within a file; CHECKPOINT data is the authoritative resume point.
type SessionEvent struct {
	Version   int              `json:"version"`
	JobID     string           `json:"jobId"`
	SessionID string           `json:"sessionId,omitempty"`
	AgentID   string           `json:"agentId"`
	Sequence  int64            `json:"sequence"`
	Type      SessionEventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data,omitempty"`
}
