package config

import "time"

// SchedulerConfig controls the worker pool that leases and drives jobs.
type SchedulerConfig struct {
	// WorkerCount is the number of claim loops per pod.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentJobs is the global cap of RUNNING jobs across all
	// pods, enforced by a database COUNT check before each claim.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// PollInterval is the base interval between claim attempts.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is random jitter added to PollInterval so
	// workers do not wake in lockstep.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HeartbeatInterval is the lease heartbeat cadence for claimed jobs.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanScanInterval is how often to scan for jobs whose worker died.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// OrphanThreshold is how stale a job heartbeat may be before the job
	// is requeued.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// DefaultTimeout bounds jobs whose row carries no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// ShutdownGrace is how long Stop waits for in-flight jobs before
	// cancelling them.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Retry is the backoff schedule for retryable failures.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig is the jittered exponential backoff schedule.
type RetryConfig struct {
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		WorkerCount:        4,
		MaxConcurrentJobs:  16,
		PollInterval:       1 * time.Second,
		PollIntervalJitter: 250 * time.Millisecond,
		HeartbeatInterval:  30 * time.Second,
		OrphanScanInterval: 30 * time.Second,
		OrphanThreshold:    2 * time.Minute,
		DefaultTimeout:     5 * time.Minute,
		ShutdownGrace:      25 * time.Second,
		Retry: RetryConfig{
			Base:       1 * time.Second,
			Multiplier: 2,
			MaxDelay:   5 * time.Minute,
		},
	}
}

func validateScheduler(c *SchedulerConfig) error {
	if c == nil {
		return newValidationError("scheduler", "", "config is required")
	}
	if c.WorkerCount <= 0 {
		return newValidationError("scheduler", "worker_count", "must be positive")
	}
	if c.MaxConcurrentJobs <= 0 {
		return newValidationError("scheduler", "max_concurrent_jobs", "must be positive")
	}
	if c.PollInterval <= 0 {
		return newValidationError("scheduler", "poll_interval", "must be positive")
	}
	if c.PollIntervalJitter < 0 {
		return newValidationError("scheduler", "poll_interval_jitter", "must be non-negative")
	}
	if c.PollIntervalJitter >= c.PollInterval {
		return newValidationError("scheduler", "poll_interval_jitter", "must be less than poll_interval")
	}
	if c.HeartbeatInterval <= 0 {
		return newValidationError("scheduler", "heartbeat_interval", "must be positive")
	}
	if c.OrphanThreshold <= c.HeartbeatInterval {
		return newValidationError("scheduler", "orphan_threshold", "must exceed heartbeat_interval")
	}
	if c.Retry.Base <= 0 {
		return newValidationError("scheduler", "retry.base", "must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return newValidationError("scheduler", "retry.multiplier", "must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.Base {
		return newValidationError("scheduler", "retry.max_delay", "must be at least retry.base")
	}
	return nil
}
