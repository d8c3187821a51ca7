package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the scheduler-owned lifecycle of a job row.
type JobStatus string

const (
	JobStatusPending            JobStatus = "PENDING"
	JobStatusScheduled          JobStatus = "SCHEDULED"
	JobStatusRunning            JobStatus = "RUNNING"
	JobStatusRetrying           JobStatus = "RETRYING"
	JobStatusWaitingForApproval JobStatus = "WAITING_FOR_APPROVAL"
	JobStatusCompleted          JobStatus = "COMPLETED"
	JobStatusFailed             JobStatus = "FAILED"
	JobStatusTimedOut           JobStatus = "TIMED_OUT"
	JobStatusDeadLetter         JobStatus = "DEAD_LETTER"
)

// Terminal reports whether the status is final. Terminal statuses are never
// overwritten.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusDeadLetter:
		return true
	}
	return false
}

// ValidJobStatus reports whether s names a known job status.
func ValidJobStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusScheduled, JobStatusRunning, JobStatusRetrying,
		JobStatusWaitingForApproval, JobStatusCompleted, JobStatusFailed,
		JobStatusTimedOut, JobStatusDeadLetter:
		return true
	}
	return false
}

// Job is a unit of agent work. The scheduler exclusively owns transitions of
// Status into a terminal value; a worker that claimed the row drives it until
// it writes a terminal status or releases with RETRYING.
type Job struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agentId"`
	SessionID       string     `json:"sessionId,omitempty"`
	Payload         JobPayload `json:"payload"`
	Priority        int        `json:"priority"`
	MaxAttempts     int        `json:"maxAttempts"`
	Attempt         int        `json:"attempt"`
	Status          JobStatus  `json:"status"`
	RunAt           time.Time  `json:"runAt"`
	TimeoutSeconds  int        `json:"timeoutSeconds"`
	Checkpoint      []byte     `json:"-"`
	CheckpointCRC   *uint32    `json:"checkpointCrc,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	LeasedBy        string     `json:"leasedBy,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// JobPayload is the task description handed to the execution backend.
// ResumePayload is appended by the approval gate when a gated action is
// approved and carried into the next execution attempt.
type JobPayload struct {
	Type                string            `json:"type"`
	Prompt              string            `json:"prompt,omitempty"`
	GoalType            string            `json:"goalType,omitempty"`
	ConversationHistory []ChatTurn        `json:"conversationHistory,omitempty"`
	ResumePayload       json.RawMessage   `json:"resumePayload,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
}

// ChatTurn is one prior exchange in a conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JobResult is the terminal outcome recorded on completion.
type JobResult struct {
	Status       string `json:"status"`
	Stdout       string `json:"stdout,omitempty"`
	Summary      string `json:"summary,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// Job payload types understood by the execution layer.
const (
	JobTypeChatResponse = "CHAT_RESPONSE"
	JobTypeGoal         = "GOAL"
)
