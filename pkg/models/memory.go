package models

import "time"

// MemoryEntry is one stored piece of agent context, retrieved during
// hydration by embedding similarity.
type MemoryEntry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
