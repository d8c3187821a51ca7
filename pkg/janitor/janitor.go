// Package janitor runs the periodic housekeeping jobs: expiring overdue
// approvals, purging session buffers of finished jobs, and deleting ended
// sessions past retention. Each job runs in singleton mode so a slow run
// never overlaps the next tick.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/sessionbuffer"
	"github.com/droverhq/drover/pkg/store"
)

const tickTimeout = 30 * time.Second

// ApprovalSweeper expires PENDING approvals past their TTL. Satisfied by
// *approval.Gate.
type ApprovalSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Janitor owns the gocron scheduler and the housekeeping job funcs.
type Janitor struct {
	cron      gocron.Scheduler
	st        *store.Store
	buffers   *sessionbuffer.Manager
	sweeper   ApprovalSweeper
	sweep     config.ApprovalConfig
	retention config.RetentionConfig
	logger    *slog.Logger
}

// New creates a Janitor. Call Start to begin ticking.
func New(
	st *store.Store,
	buffers *sessionbuffer.Manager,
	sweeper ApprovalSweeper,
	sweep config.ApprovalConfig,
	retention config.RetentionConfig,
	logger *slog.Logger,
) (*Janitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cron:      cron,
		st:        st,
		buffers:   buffers,
		sweeper:   sweeper,
		sweep:     sweep,
		retention: retention,
		logger:    logger,
	}, nil
}

// Start registers the jobs and starts the underlying scheduler.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(j.sweep.SweepInterval),
		gocron.NewTask(j.sweepApprovals),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule approval sweep: %w", err)
	}

	_, err = j.cron.NewJob(
		gocron.DurationJob(j.retention.Interval),
		gocron.NewTask(j.runRetention),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}

	j.cron.Start()
	j.logger.Info("Janitor started",
		"sweep_interval", j.sweep.SweepInterval,
		"retention_interval", j.retention.Interval)
	return nil
}

// Stop shuts down the scheduler, waiting for a running job func to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor shutdown: %w", err)
	}
	j.logger.Info("Janitor stopped")
	return nil
}

func (j *Janitor) sweepApprovals() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	expired, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("Approval sweep failed", "error", err)
		return
	}
	if expired > 0 {
		j.logger.Info("Expired overdue approvals", "count", expired)
	}
}

func (j *Janitor) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if purged, err := j.PurgeBuffers(ctx); err != nil {
		j.logger.Error("Buffer retention failed", "error", err)
	} else if purged > 0 {
		j.logger.Info("Purged session buffers", "count", purged)
	}

	if deleted, err := j.DeleteExpiredSessions(ctx); err != nil {
		j.logger.Error("Session retention failed", "error", err)
	} else if deleted > 0 {
		j.logger.Info("Deleted expired sessions", "count", deleted)
	}
}

// PurgeBuffers removes buffer directories whose jobs reached a terminal
// status longer than BufferMaxAge ago. Directories without a job row are
// leftovers from deleted jobs and are removed as well.
func (j *Janitor) PurgeBuffers(ctx context.Context) (int, error) {
	jobIDs, err := j.buffers.Jobs()
	if err != nil {
		return 0, fmt.Errorf("list buffer dirs: %w", err)
	}

	cutoff := time.Now().Add(-j.retention.BufferMaxAge)
	purged := 0
	for _, jobID := range jobIDs {
		if purged >= j.retention.SweepBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		job, err := j.st.GetJob(ctx, jobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Orphan directory, job row is gone.
		case err != nil:
			j.logger.Warn("Buffer retention lookup failed", "job_id", jobID, "error", err)
			continue
		default:
			if !job.Status.Terminal() {
				continue
			}
			endedAt := job.UpdatedAt
			if job.CompletedAt != nil {
				endedAt = *job.CompletedAt
			}
			if endedAt.After(cutoff) {
				continue
			}
		}

		if err := j.buffers.Purge(jobID); err != nil {
			j.logger.Warn("Buffer purge failed", "job_id", jobID, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}

// DeleteExpiredSessions removes ended sessions older than SessionMaxAge,
// messages included, up to SweepBatch rows per run.
func (j *Janitor) DeleteExpiredSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.retention.SessionMaxAge)
	sessions, err := j.st.ListEndedSessionsBefore(ctx, cutoff, j.retention.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list ended sessions: %w", err)
	}

	deleted := 0
	for _, session := range sessions {
		if err := j.st.DeleteSession(ctx, session.ID); err != nil {
			j.logger.Warn("Session delete failed", "session_id", session.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
