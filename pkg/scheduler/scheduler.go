// Package scheduler provides the worker pool that leases jobs from the
// store and drives them to a terminal status.
//
// Each worker polls for due SCHEDULED and RETRYING rows, claims one
// atomically, and hands it to the executor: recover the session buffer,
// bring the agent to EXECUTING, route to a provider, relay the output
// stream, and record the outcome. The worker owns the claim mechanics
// around that pipeline: lease heartbeats, the wall-clock timeout, retry
// backoff, and the terminal status write. A background scan requeues
// jobs whose worker died mid-run.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/droverhq/drover/pkg/backend"
	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/router"
)

// Sentinel errors for scheduler operations.
var (
	// ErrAtCapacity indicates the global concurrent job limit has been
	// reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrAgentBusy indicates the job's agent is occupied by another job
	// or mid-transition; the claim is released without consuming the
	// attempt.
	ErrAgentBusy = errors.New("agent busy")
)

// JobStore is the persistence surface the scheduler drives. Satisfied by
// *store.Store.
type JobStore interface {
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	HeartbeatJob(ctx context.Context, jobID, workerID string) error
	CompleteJob(ctx context.Context, jobID string, result *models.JobResult) error
	FinishJob(ctx context.Context, jobID string, status models.JobStatus, lastError string) error
	RetryJob(ctx context.Context, jobID string, runAt time.Time, lastError string) error
	ReleaseJob(ctx context.Context, jobID string, runAt time.Time) error
	SaveCheckpoint(ctx context.Context, jobID string, checkpoint []byte, crc uint32) error
	ListOrphanedJobs(ctx context.Context, staleBefore time.Time) ([]*models.Job, error)
	RequeueOrphanedJob(ctx context.Context, jobID, note string) error
	ReclaimWorkerJobs(ctx context.Context, podID string) (int, error)
	CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error)
}

// AgentLifecycle is the lifecycle surface the executor drives. Satisfied
// by *lifecycle.Manager.
type AgentLifecycle interface {
	State(agentID string) (lifecycle.AgentStatus, error)
	Boot(agentID string) error
	Hydrate(ctx context.Context, agentID, jobID string) (*lifecycle.Hydration, error)
	Hydration(agentID string) (*lifecycle.Hydration, bool)
	BeginExecution(agentID, jobID string) (<-chan models.SteerMessage, error)
	Release(agentID string) error
	Heartbeat(agentID string) error
}

// TaskRouter places tasks on providers. Satisfied by *router.Router.
type TaskRouter interface {
	RouteWithFailover(task backend.Task) (router.Route, error)
	Acquire(ctx context.Context, providerID string) error
	Release(providerID string)
	RecordOutcome(providerID string, success bool, class errclass.Class)
}

// ApprovalGate decides which tool calls need a human and parks the job
// while it waits. Satisfied by *approval.Gate; nil disables gating.
type ApprovalGate interface {
	// ShouldGate reports whether this tool call requires approval.
	ShouldGate(call *backend.ToolCallEvent) bool

	// Park creates the approval request and moves the job to
	// WAITING_FOR_APPROVAL, releasing the lease.
	Park(ctx context.Context, job *models.Job, call *backend.ToolCallEvent) (*models.ApprovalRequest, error)
}

// TaskExecutor runs one claimed job to its outcome.
//
// The executor owns the whole execution pipeline: buffer recovery and CRC
// verification, the agent lifecycle, routing, provider slots, the output
// relay, and approval parking. The worker only handles claiming, the lease
// heartbeat, the wall-clock timeout, and the status write the outcome
// calls for.
type TaskExecutor interface {
	Execute(ctx context.Context, job *models.Job) *ExecutionOutcome
}

// ExecutionOutcome is the executor's verdict on one claimed job.
//
// Status is a terminal status, RETRYING (backoff then re-lease),
// WAITING_FOR_APPROVAL (the gate parked the job and owns its row), or
// SCHEDULED (release the claim and refund the attempt).
type ExecutionOutcome struct {
	Status models.JobStatus
	Result *models.JobResult
	Class  errclass.Class
	Err    error
}

// Config controls pool sizing, polling, and recovery cadence.
type Config struct {
	// WorkerCount is the number of claim loops per pod.
	WorkerCount int
	// MaxConcurrentJobs caps RUNNING rows across all pods. Best-effort:
	// checked before each claim.
	MaxConcurrentJobs int
	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration
	// PollIntervalJitter spreads worker wake-ups to de-synchronize claims.
	PollIntervalJitter time.Duration
	// HeartbeatInterval is the lease heartbeat cadence for claimed jobs.
	HeartbeatInterval time.Duration
	// OrphanScanInterval is the cadence of the stale-heartbeat scan.
	OrphanScanInterval time.Duration
	// OrphanThreshold is how stale a heartbeat must be before the job is
	// treated as orphaned.
	OrphanThreshold time.Duration
	// DefaultTimeout bounds jobs whose row carries no timeout.
	DefaultTimeout time.Duration
	// ShutdownGrace is how long Stop waits for in-flight jobs before
	// cancelling them.
	ShutdownGrace time.Duration
	// Retry is the backoff schedule for retryable failures.
	Retry RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollIntervalJitter < 0 {
		c.PollIntervalJitter = 0
	}
	if c.PollIntervalJitter == 0 {
		c.PollIntervalJitter = 250 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.OrphanScanInterval <= 0 {
		c.OrphanScanInterval = 30 * time.Second
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 2 * time.Minute
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 25 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"isHealthy"`
	DBReachable      bool           `json:"dbReachable"`
	DBError          string         `json:"dbError,omitempty"`
	PodID            string         `json:"podId"`
	ActiveWorkers    int            `json:"activeWorkers"`
	TotalWorkers     int            `json:"totalWorkers"`
	RunningJobs      int            `json:"runningJobs"`
	MaxConcurrent    int            `json:"maxConcurrent"`
	QueueDepth       int            `json:"queueDepth"`
	WorkerStats      []WorkerHealth `json:"workerStats"`
	LastOrphanScan   time.Time      `json:"lastOrphanScan"`
	OrphansRecovered int            `json:"orphansRecovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"currentJobId,omitempty"`
	JobsProcessed int       `json:"jobsProcessed"`
	LastActivity  time.Time `json:"lastActivity"`
}
