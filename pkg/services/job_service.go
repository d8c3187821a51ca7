package services

import (
	"context"
	"fmt"

	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// JobService serves the job status surface used by operators and by the
// dispatch completion watch.
type JobService struct {
	st *store.Store
}

// NewJobService creates a JobService.
func NewJobService(st *store.Store) *JobService {
	return &JobService{st: st}
}

// GetJob loads one job by ID.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if jobID == "" {
		return nil, NewValidationError("jobId", "is required")
	}
	job, err := s.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreError(err, "job")
	}
	return job, nil
}

// ListSessionJobs lists a session's jobs, newest first.
func (s *JobService) ListSessionJobs(ctx context.Context, sessionID string, limit int) ([]*models.Job, error) {
	if sessionID == "" {
		return nil, NewValidationError("sessionId", "is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if _, err := s.st.GetSession(ctx, sessionID); err != nil {
		return nil, mapStoreError(err, "session")
	}
	jobs, err := s.st.ListSessionJobs(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session jobs: %w", err)
	}
	return jobs, nil
}

// SubmitJob creates a job directly (operator surface). The job starts
// SCHEDULED and is picked up by the next worker poll.
func (s *JobService) SubmitJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.AgentID == "" {
		return nil, NewValidationError("agentId", "is required")
	}
	if job.Payload.Type == "" {
		return nil, NewValidationError("payload.type", "is required")
	}

	agent, err := s.st.GetAgent(ctx, job.AgentID)
	if err != nil {
		return nil, mapStoreError(err, "agent")
	}
	if !agent.Active {
		return nil, fmt.Errorf("%w: %s", ErrAgentInactive, job.AgentID)
	}

	job.Status = models.JobStatusScheduled
	created, err := s.st.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return created, nil
}
