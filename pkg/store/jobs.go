package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/models"
)

const jobColumns = `id, agent_id, session_id, payload, priority, max_attempts, attempt,
	status, run_at, timeout_seconds, checkpoint, checkpoint_crc, result, last_error,
	leased_by, last_heartbeat_at, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j         models.Job
		sessionID *string
		crc       *int64
	)
	err := row.Scan(&j.ID, &j.AgentID, &sessionID, &j.Payload, &j.Priority,
		&j.MaxAttempts, &j.Attempt, &j.Status, &j.RunAt, &j.TimeoutSeconds,
		&j.Checkpoint, &crc, &j.Result, &j.LastError, &j.LeasedBy,
		&j.LastHeartbeatAt, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if sessionID != nil {
		j.SessionID = *sessionID
	}
	if crc != nil {
		v := uint32(*crc)
		j.CheckpointCRC = &v
	}
	return &j, nil
}

// CreateJob inserts a job. Zero-value fields take the documented defaults;
// the returned row carries the database-assigned timestamps.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = 300
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO jobs (id, agent_id, session_id, payload, priority, max_attempts,
			status, run_at, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()), $9)
		RETURNING `+jobColumns,
		job.ID, job.AgentID, nullableString(job.SessionID), job.Payload,
		job.Priority, job.MaxAttempts, job.Status, nullableTime(job.RunAt),
		job.TimeoutSeconds)
	return scanJob(row)
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// ScheduleJob moves a PENDING job to SCHEDULED so workers may lease it.
func (s *Store) ScheduleJob(ctx context.Context, jobID string) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'SCHEDULED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, jobID)
}

// ClaimNextJob atomically leases the next due SCHEDULED or RETRYING job for
// workerID: the row moves to RUNNING with the attempt counted. SKIP LOCKED
// keeps concurrent workers from blocking on each other's claims. Returns
// ErrNoJobsAvailable when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE jobs SET
			status = 'RUNNING',
			attempt = attempt + 1,
			leased_by = $1,
			last_heartbeat_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('SCHEDULED', 'RETRYING')
				AND run_at <= now()
				AND attempt < max_attempts
			ORDER BY priority ASC, run_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, workerID)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoJobsAvailable
	}
	return job, err
}

// CompleteJob records the result and promotes a RUNNING job to COMPLETED.
// Terminal statuses are final: the guard fails with ErrNotFound when the
// job is no longer RUNNING.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result *models.JobResult) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'COMPLETED', result = $2, last_error = '',
			leased_by = '', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'RUNNING'`, jobID, result)
}

// FinishJob promotes a RUNNING job to a terminal failure status
// (FAILED, TIMED_OUT, or DEAD_LETTER).
func (s *Store) FinishJob(ctx context.Context, jobID string, status models.JobStatus, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, leased_by = '',
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'RUNNING'`, jobID, status, lastError)
}

// RetryJob releases a RUNNING job back to RETRYING with a future run_at.
func (s *Store) RetryJob(ctx context.Context, jobID string, runAt time.Time, lastError string) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'RETRYING', run_at = $2, last_error = $3,
			leased_by = '', updated_at = now()
		WHERE id = $1 AND status = 'RUNNING'`, jobID, runAt, lastError)
}

// ReleaseJob returns a RUNNING job to SCHEDULED and refunds the attempt.
// For claims given back before the job reached a backend (agent busy,
// worker shutting down).
func (s *Store) ReleaseJob(ctx context.Context, jobID string, runAt time.Time) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'SCHEDULED', attempt = greatest(attempt - 1, 0),
			leased_by = '', run_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'RUNNING'`, jobID, runAt)
}

// SaveCheckpoint persists the resume point and its CRC on a RUNNING job.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, checkpoint []byte, crc uint32) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET checkpoint = $2, checkpoint_crc = $3, updated_at = now()
		WHERE id = $1 AND status = 'RUNNING'`, jobID, checkpoint, int64(crc))
}

// MarkWaitingForApproval parks a RUNNING job until a human decides, and
// releases the worker's lease.
func (s *Store) MarkWaitingForApproval(ctx context.Context, jobID string) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'WAITING_FOR_APPROVAL', leased_by = '', updated_at = now()
		WHERE id = $1 AND status = 'RUNNING'`, jobID)
}

// ResumeApprovedJob re-schedules a WAITING_FOR_APPROVAL job immediately,
// recording the approval's resume payload on the job payload.
func (s *Store) ResumeApprovedJob(ctx context.Context, jobID string, resumePayload json.RawMessage) error {
	if len(resumePayload) == 0 {
		resumePayload = json.RawMessage("null")
	}
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'SCHEDULED',
			payload = jsonb_set(payload, '{resumePayload}', $2::jsonb),
			run_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'WAITING_FOR_APPROVAL'`, jobID, resumePayload)
}

// FailRejectedJob terminally fails a WAITING_FOR_APPROVAL job after a
// rejection or expiry.
func (s *Store) FailRejectedJob(ctx context.Context, jobID, reason string) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'FAILED', last_error = $2,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'WAITING_FOR_APPROVAL'`, jobID, reason)
}

// HeartbeatJob refreshes the lease heartbeat. ErrNotFound means the lease
// was lost (orphan recovery requeued the job).
func (s *Store) HeartbeatJob(ctx context.Context, jobID, workerID string) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET last_heartbeat_at = now()
		WHERE id = $1 AND leased_by = $2 AND status = 'RUNNING'`, jobID, workerID)
}

// ListOrphanedJobs returns RUNNING jobs whose heartbeat went stale before
// the threshold (the owning worker died).
func (s *Store) ListOrphanedJobs(ctx context.Context, staleBefore time.Time) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RUNNING' AND last_heartbeat_at < $1
		ORDER BY last_heartbeat_at ASC`, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned jobs: %w", err)
	}
	return collectJobs(rows)
}

// RequeueOrphanedJob returns a RUNNING job to SCHEDULED for re-lease. The
// claim already counted the attempt, so retries stay bounded.
func (s *Store) RequeueOrphanedJob(ctx context.Context, jobID, note string) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'SCHEDULED', leased_by = '', last_error = $2,
			run_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'RUNNING'`, jobID, note)
}

// ReclaimWorkerJobs requeues every RUNNING job leased by this pod's
// workers. Called once at startup, before the pool begins processing.
func (s *Store) ReclaimWorkerJobs(ctx context.Context, podID string) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'SCHEDULED', leased_by = '', run_at = now(),
			last_error = 'requeued: worker restarted', updated_at = now()
		WHERE status = 'RUNNING' AND leased_by LIKE $1`, podID+"-worker-%")
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim worker jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueJob resets a terminal job for another run (operator re-drive).
func (s *Store) RequeueJob(ctx context.Context, jobID string) error {
	return s.guardedExec(ctx, `
		UPDATE jobs SET status = 'SCHEDULED', attempt = 0, last_error = '',
			result = NULL, completed_at = NULL, run_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('FAILED', 'TIMED_OUT', 'DEAD_LETTER')`, jobID)
}

// ListJobsByStatus returns jobs in the given status, newest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, status, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// ListSessionJobs returns a session's jobs, newest first.
func (s *Store) ListSessionJobs(ctx context.Context, sessionID string, limit int) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query session jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobsByStatus reports the queue depth for the given statuses.
func (s *Store) CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM jobs WHERE status = ANY($1)`, names).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// guardedExec runs an UPDATE whose WHERE clause encodes the legal source
// state; zero rows affected surfaces as ErrNotFound.
func (s *Store) guardedExec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableTime(v time.Time) *time.Time {
	if v.IsZero() {
		return nil
	}
	return &v
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
