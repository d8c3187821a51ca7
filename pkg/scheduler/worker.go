package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// agentBusyHold defers a released claim whose agent was occupied, so the
// queue does not thrash claims against a long-running job.
const agentBusyHold = 2 * time.Second

// Worker is a single claim loop: poll for a due job, lease it, run it
// through the executor, and write the status its outcome calls for.
type Worker struct {
	id       string
	podID    string
	store    JobStore
	cfg      Config
	executor TaskExecutor
	pub      *events.Publisher
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// JobRegistry is the subset of Pool used by Worker for cancel registration.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
}

// NewWorker creates a worker. cfg must already have defaults applied.
// pub may be nil (no status events are published).
func NewWorker(id, podID string, st JobStore, cfg Config, executor TaskExecutor, pool JobRegistry, pub *events.Publisher) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        st,
		cfg:          cfg,
		executor:     executor,
		pub:          pub,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.signalStop()
	w.wait()
}

// signalStop asks the worker to stop without waiting. The pool uses the
// split form to bound shutdown with a grace period.
func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// wait blocks until the run loop has exited.
func (w *Worker) wait() {
	w.wg.Wait()
}

// stopping reports whether stop has been signalled.
func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a job, and runs it to a status.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers
	//    but bounded by WorkerCount and mitigated by poll jitter).
	running, err := w.store.CountJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("checking running jobs: %w", err)
	}
	if running >= w.cfg.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	// 2. Claim next due job
	job, err := w.store.ClaimNextJob(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "agent_id", job.AgentID, "worker_id", w.id)
	log.Info("Job claimed", "attempt", job.Attempt, "type", job.Payload.Type)

	w.publishJobStatus(job, models.JobStatusRunning, "")

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create job context with the wall-clock timeout
	timeout := jobTimeout(job)
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	defer cancelJob()

	// 4. Register cancel function for API-triggered cancellation
	w.pool.RegisterJob(job.ID, cancelJob)
	defer w.pool.UnregisterJob(job.ID)

	// 5. Start the lease heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID, cancelJob)

	// 6. Execute job
	outcome := w.executor.Execute(jobCtx, job)

	// 6a. Nil-guard: synthesize a safe outcome if the executor returned nil
	if outcome == nil {
		outcome = &ExecutionOutcome{Err: fmt.Errorf("executor returned nil outcome")}
	}

	// 7/8. An empty status means execution was cut short from outside;
	// decide between timeout, shutdown release, and cancellation.
	if outcome.Status == "" {
		outcome = w.resolveInterrupt(jobCtx, outcome, timeout)
	}

	// 9. Stop heartbeat
	cancelHeartbeat()

	// 10. Write the status the outcome calls for (background context;
	// the job context may already be cancelled)
	if err := w.applyOutcome(context.Background(), log, job, outcome); err != nil {
		log.Error("Failed to record job outcome", "status", outcome.Status, "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete", "status", outcome.Status)
	return nil
}

// resolveInterrupt assigns a status to an outcome the executor could not
// finish. Deadline expiry is TIMED_OUT. A cancel during shutdown releases
// the claim with the attempt refunded; any other cancel is an operator
// cancellation and fails the job.
func (w *Worker) resolveInterrupt(jobCtx context.Context, out *ExecutionOutcome, timeout time.Duration) *ExecutionOutcome {
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return &ExecutionOutcome{
			Status: models.JobStatusTimedOut,
			Class:  errclass.Timeout,
			Err:    fmt.Errorf("job timed out after %v", timeout),
		}
	case errors.Is(jobCtx.Err(), context.Canceled):
		if w.stopping() {
			return &ExecutionOutcome{Status: models.JobStatusScheduled, Err: errors.New("worker shutting down")}
		}
		return &ExecutionOutcome{Status: models.JobStatusFailed, Err: errors.New("cancelled")}
	default:
		return &ExecutionOutcome{Status: models.JobStatusFailed, Err: out.Err}
	}
}

// applyOutcome writes the job row transition the outcome calls for and
// publishes the matching job.status event.
func (w *Worker) applyOutcome(ctx context.Context, log *slog.Logger, job *models.Job, out *ExecutionOutcome) error {
	switch out.Status {
	case models.JobStatusCompleted:
		if err := w.store.CompleteJob(ctx, job.ID, out.Result); err != nil {
			return w.lostLeaseOrErr(log, fmt.Errorf("completing job: %w", err))
		}
		w.publishJobStatus(job, models.JobStatusCompleted, "")

	case models.JobStatusRetrying:
		runAt := time.Now().Add(w.cfg.Retry.Next(job.Attempt - 1))
		lastErr := formatLastError(out)
		if err := w.store.RetryJob(ctx, job.ID, runAt, lastErr); err != nil {
			return w.lostLeaseOrErr(log, fmt.Errorf("scheduling retry: %w", err))
		}
		log.Warn("Job failed, retrying", "class", out.Class, "run_at", runAt, "error", out.Err)
		w.publishJobStatus(job, models.JobStatusRetrying, lastErr)

	case models.JobStatusFailed, models.JobStatusTimedOut, models.JobStatusDeadLetter:
		lastErr := formatLastError(out)
		if err := w.store.FinishJob(ctx, job.ID, out.Status, lastErr); err != nil {
			return w.lostLeaseOrErr(log, fmt.Errorf("finishing job: %w", err))
		}
		log.Warn("Job finished", "status", out.Status, "class", out.Class, "error", out.Err)
		w.publishJobStatus(job, out.Status, lastErr)

	case models.JobStatusWaitingForApproval:
		// The approval gate already owns the row; announce only.
		w.publishJobStatus(job, models.JobStatusWaitingForApproval, "")

	case models.JobStatusScheduled:
		if err := w.store.ReleaseJob(ctx, job.ID, time.Now().Add(agentBusyHold)); err != nil {
			return w.lostLeaseOrErr(log, fmt.Errorf("releasing claim: %w", err))
		}
		log.Debug("Claim released", "reason", out.Err)
		w.publishJobStatus(job, models.JobStatusScheduled, "")

	default:
		return fmt.Errorf("executor returned unknown status %q", out.Status)
	}
	return nil
}

// lostLeaseOrErr absorbs the not-found a status write hits when the row
// changed hands mid-run (orphan requeue during a store outage). The new
// owner's write is authoritative.
func (w *Worker) lostLeaseOrErr(log *slog.Logger, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Job row changed hands before the outcome write, skipping", "error", err)
		return nil
	}
	return err
}

// runHeartbeat renews the lease until the job context ends. A heartbeat
// that finds the lease gone cancels execution: another pod owns the job
// now, or the gate took it.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.HeartbeatJob(ctx, jobID, w.id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				slog.Warn("Job lease lost, cancelling execution", "job_id", jobID, "worker_id", w.id)
				cancelJob()
				return
			case err != nil:
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll interval with jitter applied to
// de-synchronize workers.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates worker status fields under lock.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

func (w *Worker) publishJobStatus(job *models.Job, status models.JobStatus, lastError string) {
	if w.pub == nil {
		return
	}
	w.pub.PublishJobStatus(events.JobStatusPayload{
		AgentID:   job.AgentID,
		JobID:     job.ID,
		Status:    string(status),
		Attempt:   job.Attempt,
		LastError: lastError,
	})
}

// formatLastError renders an outcome as the class-tagged message stored in
// the job row's last_error column.
func formatLastError(out *ExecutionOutcome) string {
	if out.Err == nil {
		return string(out.Status)
	}
	if out.Class != "" {
		return fmt.Sprintf("[%s] %v", out.Class, out.Err)
	}
	return out.Err.Error()
}
