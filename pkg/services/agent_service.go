// Package services is the API-facing layer over the store and the
// runtime managers. Services validate input, translate store sentinels
// into service sentinels, and keep handler code free of SQL and
// lifecycle mechanics.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// AgentRuntime is the slice of the lifecycle manager the agent service
// uses. Satisfied by *lifecycle.Manager.
type AgentRuntime interface {
	State(agentID string) (lifecycle.AgentStatus, error)
	Steer(agentID string, msg models.SteerMessage) error
	Snapshot() []lifecycle.AgentStatus
}

// AgentService serves agent reads, registration, and steering.
type AgentService struct {
	st      *store.Store
	runtime AgentRuntime
}

// NewAgentService creates an AgentService. runtime may be nil; state and
// steer operations then fail with ErrWrongState.
func NewAgentService(st *store.Store, runtime AgentRuntime) *AgentService {
	return &AgentService{st: st, runtime: runtime}
}

// GetAgent loads one agent by ID.
func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	if agentID == "" {
		return nil, NewValidationError("agentId", "is required")
	}
	agent, err := s.st.GetAgent(ctx, agentID)
	if err != nil {
		return nil, mapStoreError(err, "agent")
	}
	return agent, nil
}

// ListAgents lists registered agents, optionally only active ones.
func (s *AgentService) ListAgents(ctx context.Context, activeOnly bool) ([]*models.Agent, error) {
	agents, err := s.st.ListAgents(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// RegisterAgent creates an agent. Slug must be unique.
func (s *AgentService) RegisterAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if agent.Slug == "" {
		return nil, NewValidationError("slug", "is required")
	}
	if agent.ModelConfig.Provider == "" {
		return nil, NewValidationError("modelConfig.provider", "is required")
	}
	if _, err := s.st.GetAgentBySlug(ctx, agent.Slug); err == nil {
		return nil, fmt.Errorf("%w: slug %q", ErrAlreadyExists, agent.Slug)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check agent slug: %w", err)
	}

	created, err := s.st.CreateAgent(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return created, nil
}

// DeactivateAgent marks an agent inactive. Agents are never destroyed.
func (s *AgentService) DeactivateAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return NewValidationError("agentId", "is required")
	}
	if err := s.st.DeactivateAgent(ctx, agentID); err != nil {
		return mapStoreError(err, "agent")
	}
	return nil
}

// AgentState returns the live lifecycle view of one agent. An agent with
// no lifecycle entry (scaled to zero) reports TERMINATED with no times.
func (s *AgentService) AgentState(ctx context.Context, agentID string) (*lifecycle.AgentStatus, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if s.runtime == nil {
		return nil, fmt.Errorf("%w: agent runtime not configured", ErrWrongState)
	}

	status, err := s.runtime.State(agentID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrUnknownAgent) {
			return &lifecycle.AgentStatus{AgentID: agentID, State: lifecycle.StateTerminated}, nil
		}
		return nil, fmt.Errorf("failed to read agent state: %w", err)
	}
	return &status, nil
}

// Steer injects an operator message into a running agent's next turn.
// Fails with ErrWrongState unless the agent is EXECUTING.
func (s *AgentService) Steer(ctx context.Context, agentID, message string, priority models.SteerPriority) (*models.SteerMessage, error) {
	if agentID == "" {
		return nil, NewValidationError("agentId", "is required")
	}
	if message == "" {
		return nil, NewValidationError("message", "is required")
	}
	if priority == "" {
		priority = models.SteerPriorityNormal
	}
	if !models.ValidSteerPriority(priority) {
		return nil, NewValidationError("priority", "must be normal or urgent")
	}

	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, fmt.Errorf("%w: %s", ErrAgentInactive, agentID)
	}
	if s.runtime == nil {
		return nil, fmt.Errorf("%w: agent runtime not configured", ErrWrongState)
	}

	msg := models.SteerMessage{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Message:   message,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.runtime.Steer(agentID, msg); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidState), errors.Is(err, lifecycle.ErrUnknownAgent):
			return nil, fmt.Errorf("%w: agent is not executing", ErrWrongState)
		case errors.Is(err, lifecycle.ErrSteerBacklog):
			return nil, fmt.Errorf("%w: steer backlog full", ErrWrongState)
		default:
			return nil, fmt.Errorf("failed to steer agent: %w", err)
		}
	}
	return &msg, nil
}

// FleetSnapshot returns the live state of every active agent.
func (s *AgentService) FleetSnapshot(ctx context.Context) []lifecycle.AgentStatus {
	if s.runtime == nil {
		return nil
	}
	return s.runtime.Snapshot()
}

// mapStoreError translates store sentinels into service sentinels.
func mapStoreError(err error, entity string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, entity)
	}
	return fmt.Errorf("failed to access %s: %w", entity, err)
}
