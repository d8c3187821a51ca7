package models

import "time"

// AgentBinding routes an inbound channel conversation to an agent. Dispatch
// resolves (channelType, chatId) through these rows; a conversation without
// a binding gets the fixed "no agent assigned" reply.
type AgentBinding struct {
	ID          string    `json:"id"`
	ChannelType string    `json:"channelType"`
	ChatID      string    `json:"chatId"`
	AgentID     string    `json:"agentId"`
	CreatedAt   time.Time `json:"createdAt"`
}
