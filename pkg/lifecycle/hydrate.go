package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/sessionbuffer"
)

// Sources are the data dependencies hydration draws from. Jobs and Agents
// are required; the rest degrade gracefully when nil.
type Sources struct {
	Jobs    JobLoader
	Agents  AgentLoader
	Skills  SkillIndexer
	Memory  MemoryRecaller
	Buffers CheckpointRecoverer
}

type JobLoader interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
}

type AgentLoader interface {
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
}

// SkillIndexer refreshes the agent's skill index during hydration.
type SkillIndexer interface {
	RefreshSkillIndex(ctx context.Context, agentID string) ([]string, error)
}

// MemoryRecaller is satisfied by memory.Searcher.
type MemoryRecaller interface {
	Recent(ctx context.Context, agentID string, k int) ([]models.MemoryEntry, error)
}

// CheckpointRecoverer is satisfied by sessionbuffer.Manager.
type CheckpointRecoverer interface {
	Recover(jobID string) (*sessionbuffer.Recovery, error)
}

// StaticSkills serves a fixed skill index keyed by agent ID, with "*" as
// the fallback entry. Used when no dynamic skill source is wired.
type StaticSkills map[string][]string

func (s StaticSkills) RefreshSkillIndex(_ context.Context, agentID string) ([]string, error) {
	if skills, ok := s[agentID]; ok {
		return skills, nil
	}
	return s["*"], nil
}

// Hydration is everything needed to start or resume a job on an agent.
type Hydration struct {
	Job      *models.Job
	Agent    *models.Agent
	Skills   []string
	Recovery *sessionbuffer.Recovery
	Memories []models.MemoryEntry
}

// SystemPrompt renders the agent identity, skill index, and recalled memory
// as the system prompt for the next model turn.
func (h *Hydration) SystemPrompt() string {
	if h.Agent == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("You are " + h.Agent.Slug)
	if h.Agent.Role != "" {
		b.WriteString(", " + h.Agent.Role)
	}
	b.WriteString(".")
	if len(h.Skills) > 0 {
		b.WriteString("\nSkills available: " + strings.Join(h.Skills, ", ") + ".")
	}
	if len(h.Memories) > 0 {
		b.WriteString("\nRelevant context from previous sessions:")
		for _, mem := range h.Memories {
			b.WriteString("\n- " + mem.Content)
		}
	}
	return b.String()
}

// hydrate runs the three independent loads in parallel, then the dependent
// memory recall. Memory failure logs and proceeds; everything else aborts.
func (m *Manager) hydrate(ctx context.Context, agentID, jobID string) (*Hydration, error) {
	hyd := &Hydration{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		job, err := m.src.Jobs.GetJob(gctx, jobID)
		if err != nil {
			return fmt.Errorf("load job %s: %w", jobID, err)
		}
		hyd.Job = job
		if job.Checkpoint != nil && job.CheckpointCRC != nil {
			if sessionbuffer.Checksum(job.Checkpoint) != *job.CheckpointCRC {
				return fmt.Errorf("job %s: %w", jobID, ErrCheckpointCorrupt)
			}
		}
		if m.src.Buffers == nil {
			return nil
		}
		rec, err := m.src.Buffers.Recover(jobID)
		switch {
		case errors.Is(err, sessionbuffer.ErrNoSessions):
			// First run of this job; nothing to resume.
		case err != nil:
			return fmt.Errorf("recover session buffer for job %s: %w", jobID, err)
		default:
			hyd.Recovery = rec
		}
		return nil
	})
	g.Go(func() error {
		agent, err := m.src.Agents.GetAgent(gctx, agentID)
		if err != nil {
			return fmt.Errorf("load agent %s: %w", agentID, err)
		}
		hyd.Agent = agent
		return nil
	})
	g.Go(func() error {
		if m.src.Skills == nil {
			return nil
		}
		skills, err := m.src.Skills.RefreshSkillIndex(gctx, agentID)
		if err != nil {
			return fmt.Errorf("refresh skill index for agent %s: %w", agentID, err)
		}
		hyd.Skills = skills
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if m.src.Memory != nil {
		entries, err := m.src.Memory.Recent(ctx, agentID, m.cfg.MemoryContextSize)
		if err != nil {
			m.logger.Warn("Memory recall failed, continuing without context",
				"agent_id", agentID, "job_id", jobID, "error", err)
		} else {
			hyd.Memories = entries
		}
	}
	return hyd, nil
}
