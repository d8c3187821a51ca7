package config

import (
	"time"

	"github.com/droverhq/drover/pkg/models"
)

// StreamConfig tunes the SSE stream manager.
type StreamConfig struct {
	// ReplaySize is the per-stream replay ring capacity.
	ReplaySize int `yaml:"replay_size"`

	// PendingQueueSize bounds the per-connection pending queue; a
	// subscriber that falls this far behind is disconnected.
	PendingQueueSize int `yaml:"pending_queue_size"`

	// HeartbeatInterval is the cadence of SSE comment heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// WriteTimeout bounds each write to a subscriber.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultStreamConfig returns the built-in stream defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		ReplaySize:        256,
		PendingQueueSize:  256,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// LifecycleConfig tunes the per-agent state machine.
type LifecycleConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	CooldownBase      time.Duration `yaml:"cooldown_base"`
	CooldownMax       time.Duration `yaml:"cooldown_max"`
	CrashWindow       time.Duration `yaml:"crash_window"`
	SteerBuffer       int           `yaml:"steer_buffer"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	MemoryContextSize int           `yaml:"memory_context_size"`
}

// DefaultLifecycleConfig returns the built-in lifecycle defaults.
func DefaultLifecycleConfig() *LifecycleConfig {
	return &LifecycleConfig{
		HeartbeatInterval: 15 * time.Second,
		MissedHeartbeats:  3,
		IdleTimeout:       30 * time.Minute,
		CooldownBase:      time.Minute,
		CooldownMax:       15 * time.Minute,
		CrashWindow:       30 * time.Minute,
		SteerBuffer:       16,
		MonitorInterval:   5 * time.Second,
		MemoryContextSize: 8,
	}
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	// GatedActions lists tool names that require a human decision before
	// they run. "*" gates every tool call; empty gates nothing.
	GatedActions []string `yaml:"gated_actions"`

	// RiskLevels maps action types to the advertised risk level.
	// Unlisted actions are medium.
	RiskLevels map[string]string `yaml:"risk_levels"`

	// DefaultTTL applies when a request does not carry its own.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// SweepInterval is the cadence of the expiry sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepLimit bounds how many expired approvals one sweep handles.
	SweepLimit int `yaml:"sweep_limit"`
}

// DefaultApprovalConfig returns the built-in approval defaults.
func DefaultApprovalConfig() *ApprovalConfig {
	return &ApprovalConfig{
		DefaultTTL:    time.Hour,
		SweepInterval: 30 * time.Second,
		SweepLimit:    100,
	}
}

// DispatchConfig tunes the message dispatcher.
type DispatchConfig struct {
	MaxHistoryMessages int           `yaml:"max_history_messages"`
	JobMaxAttempts     int           `yaml:"job_max_attempts"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	WatchTimeout       time.Duration `yaml:"watch_timeout"`
	GoalType           string        `yaml:"goal_type"`
}

// DefaultDispatchConfig returns the built-in dispatch defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		MaxHistoryMessages: 50,
		JobMaxAttempts:     3,
		JobTimeout:         2 * time.Minute,
		PollInterval:       2 * time.Second,
		WatchTimeout:       2 * time.Minute,
		GoalType:           "research",
	}
}

// BufferConfig locates the session-buffer root directory.
type BufferConfig struct {
	// Root is the directory session buffers are written under, one
	// subdirectory per job.
	Root string `yaml:"root"`
}

// DefaultBufferConfig returns the built-in buffer defaults.
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{Root: "./data/sessions"}
}

// RetentionConfig controls the janitor's periodic cleanup.
type RetentionConfig struct {
	// Interval is how often retention jobs run.
	Interval time.Duration `yaml:"interval"`

	// BufferMaxAge deletes session-buffer directories of terminal jobs
	// older than this.
	BufferMaxAge time.Duration `yaml:"buffer_max_age"`

	// SessionMaxAge deletes ended sessions (and their messages) older
	// than this.
	SessionMaxAge time.Duration `yaml:"session_max_age"`

	// SweepBatch bounds how many rows one retention run touches.
	SweepBatch int `yaml:"sweep_batch"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Interval:      10 * time.Minute,
		BufferMaxAge:  7 * 24 * time.Hour,
		SessionMaxAge: 30 * 24 * time.Hour,
		SweepBatch:    200,
	}
}

// ServerConfig tunes the HTTP API server.
type ServerConfig struct {
	// OperatorTokens and ApproverTokens are the static bearer tokens
	// accepted for each role. Use {{.VAR}} expansion to inject them from
	// the environment.
	OperatorTokens []string `yaml:"operator_tokens"`
	ApproverTokens []string `yaml:"approver_tokens"`

	// AllowedWSOrigins restricts WebSocket chat upgrades. Empty allows
	// same-origin only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// ReadTimeout and WriteTimeout apply to the HTTP server. SSE and
	// WebSocket endpoints opt out of the write timeout.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadTimeout: 30 * time.Second,
	}
}

func validateSections(cfg *Config) error {
	if cfg.Stream.ReplaySize <= 0 {
		return newValidationError("stream", "replay_size", "must be positive")
	}
	if cfg.Stream.PendingQueueSize <= 0 {
		return newValidationError("stream", "pending_queue_size", "must be positive")
	}
	if cfg.Lifecycle.HeartbeatInterval <= 0 {
		return newValidationError("lifecycle", "heartbeat_interval", "must be positive")
	}
	if cfg.Lifecycle.MissedHeartbeats <= 0 {
		return newValidationError("lifecycle", "missed_heartbeats", "must be positive")
	}
	if cfg.Lifecycle.CooldownMax < cfg.Lifecycle.CooldownBase {
		return newValidationError("lifecycle", "cooldown_max", "must be at least cooldown_base")
	}
	if cfg.Approval.DefaultTTL < time.Minute {
		return newValidationError("approval", "default_ttl", "must be at least 60s")
	}
	if cfg.Approval.DefaultTTL > 7*24*time.Hour {
		return newValidationError("approval", "default_ttl", "must be at most 7 days")
	}
	for action, level := range cfg.Approval.RiskLevels {
		switch level {
		case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
		default:
			return newValidationError("approval", "risk_levels."+action,
				"must be low, medium, high, or critical")
		}
	}
	if cfg.Dispatch.MaxHistoryMessages <= 0 {
		return newValidationError("dispatch", "max_history_messages", "must be positive")
	}
	if cfg.Dispatch.PollInterval <= 0 {
		return newValidationError("dispatch", "poll_interval", "must be positive")
	}
	if cfg.Buffer.Root == "" {
		return newValidationError("buffer", "root", "is required")
	}
	if cfg.Retention.Interval <= 0 {
		return newValidationError("retention", "interval", "must be positive")
	}
	return nil
}
