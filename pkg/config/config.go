// Package config loads and validates the control-plane configuration.
//
// Configuration comes from two YAML files in a config directory:
// drover.yaml (scheduler, stream, lifecycle, approval, dispatch, buffer,
// retention, server) and providers.yaml (the execution provider table).
// Environment variables are expanded with {{.VAR}} template syntax before
// parsing, and user values are merged over built-in defaults.
package config

import "time"

// Config is the fully merged and validated configuration.
type Config struct {
	Scheduler *SchedulerConfig
	Stream    *StreamConfig
	Lifecycle *LifecycleConfig
	Approval  *ApprovalConfig
	Dispatch  *DispatchConfig
	Buffer    *BufferConfig
	Retention *RetentionConfig
	Server    *ServerConfig
	Providers []ProviderConfig
}

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	Providers      int
	Workers        int
	GatedActions   int
	RetentionRuns  time.Duration
	ReplayRingSize int
}

// Stats returns counts used by the startup log line.
func (c *Config) Stats() Stats {
	return Stats{
		Providers:      len(c.Providers),
		Workers:        c.Scheduler.WorkerCount,
		GatedActions:   len(c.Approval.GatedActions),
		RetentionRuns:  c.Retention.Interval,
		ReplayRingSize: c.Stream.ReplaySize,
	}
}

// droverYAML is the on-disk structure of drover.yaml. All sections are
// optional; omitted sections take the built-in defaults.
type droverYAML struct {
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Stream    *StreamConfig    `yaml:"stream"`
	Lifecycle *LifecycleConfig `yaml:"lifecycle"`
	Approval  *ApprovalConfig  `yaml:"approval"`
	Dispatch  *DispatchConfig  `yaml:"dispatch"`
	Buffer    *BufferConfig    `yaml:"buffer"`
	Retention *RetentionConfig `yaml:"retention"`
	Server    *ServerConfig    `yaml:"server"`
}

// providersYAML is the on-disk structure of providers.yaml.
type providersYAML struct {
	Providers []ProviderConfig `yaml:"providers"`
}
