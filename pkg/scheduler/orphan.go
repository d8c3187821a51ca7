package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// orphanState tracks orphan scan metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanScan periodically requeues jobs whose lease heartbeat went
// stale. Every pod runs the scan; the recovery operations are idempotent.
func (p *Pool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.scanForOrphans(ctx); err != nil {
				slog.Error("Orphan scan failed", "error", err)
			}
		}
	}
}

// scanForOrphans finds RUNNING jobs with stale heartbeats and puts them
// back in the queue. The claim already charged the attempt, so a job with
// no attempts left is dead-lettered instead of requeued.
func (p *Pool) scanForOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.cfg.OrphanThreshold)

	orphans, err := p.store.ListOrphanedJobs(ctx, threshold)
	if err != nil {
		return fmt.Errorf("listing orphaned jobs: %w", err)
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned jobs", "count", len(orphans))

	recovered := 0
	for _, job := range orphans {
		err := p.recoverOrphan(ctx, job)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Another pod recovered it first.
			continue
		case err != nil:
			slog.Error("Failed to recover orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphan requeues a single orphaned job, or dead-letters it when
// its attempt budget is spent.
func (p *Pool) recoverOrphan(ctx context.Context, job *models.Job) error {
	log := slog.With("job_id", job.ID, "leased_by", job.LeasedBy, "attempt", job.Attempt)

	lastHeartbeat := "unknown"
	if job.LastHeartbeatAt != nil {
		lastHeartbeat = job.LastHeartbeatAt.Format(time.RFC3339)
	}

	if job.Attempt >= job.MaxAttempts {
		note := fmt.Sprintf("orphaned: no heartbeat from %s since %s, attempts exhausted",
			job.LeasedBy, lastHeartbeat)
		if err := p.store.FinishJob(ctx, job.ID, models.JobStatusDeadLetter, note); err != nil {
			return fmt.Errorf("dead-lettering orphan: %w", err)
		}
		log.Warn("Orphaned job dead-lettered", "last_heartbeat", lastHeartbeat)
		p.publishOrphanStatus(job, models.JobStatusDeadLetter, note)
		return nil
	}

	note := fmt.Sprintf("requeued: no heartbeat from %s since %s", job.LeasedBy, lastHeartbeat)
	if err := p.store.RequeueOrphanedJob(ctx, job.ID, note); err != nil {
		return fmt.Errorf("requeueing orphan: %w", err)
	}
	log.Warn("Orphaned job requeued", "last_heartbeat", lastHeartbeat)
	p.publishOrphanStatus(job, models.JobStatusScheduled, note)
	return nil
}

func (p *Pool) publishOrphanStatus(job *models.Job, status models.JobStatus, note string) {
	if p.pub == nil {
		return
	}
	p.pub.PublishJobStatus(events.JobStatusPayload{
		AgentID:   job.AgentID,
		JobID:     job.ID,
		Status:    string(status),
		Attempt:   job.Attempt,
		LastError: note,
	})
}
