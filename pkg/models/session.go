package models

import "time"

// SessionStatus is the lifecycle of a chat session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// Message roles within a session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session groups the conversation between one user and one agent on one
// channel. At most one active session exists per (agentId, userAccountId,
// channelId); the store enforces this with a partial unique index.
type Session struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agentId"`
	UserAccountID string        `json:"userAccountId"`
	ChannelID     string        `json:"channelId,omitempty"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// SessionMessage is one append-only conversation row, strictly ordered by
// CreatedAt within a session.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
