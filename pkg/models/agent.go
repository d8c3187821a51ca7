// Package models defines the domain entities shared across the control plane:
// agents, sessions, jobs, approvals, credentials, and the session-buffer
// event record. Persistence mapping lives in pkg/store; these types carry
// the JSON shapes the API and the session buffer expose.
package models

import "time"

// Agent is a registered fleet member. Agents are created by operators and
// deactivated, never destroyed; the slug is the stable external handle.
type Agent struct {
	ID             string         `json:"id"`
	Slug           string         `json:"slug"`
	Role           string         `json:"role"`
	ModelConfig    ModelConfig    `json:"modelConfig"`
	ResourceLimits ResourceLimits `json:"resourceLimits"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ModelConfig selects the provider-side model for an agent.
type ModelConfig struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

// ResourceLimits caps an agent's footprint. Immutable for a given agent
// version.
type ResourceLimits struct {
	MaxConcurrentJobs int `json:"maxConcurrentJobs,omitempty"`
	MaxContextTokens  int `json:"maxContextTokens,omitempty"`
	MaxRuntimeSeconds int `json:"maxRuntimeSeconds,omitempty"`
}
