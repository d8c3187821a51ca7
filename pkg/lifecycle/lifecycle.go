// Package lifecycle owns the in-memory state of every active agent and
// sequences boot, hydrate, execute, steer, drain, and crash handling.
//
// The manager is the single writer of per-agent state. Operations on one
// agent are linearized behind a per-agent mutex; different agents proceed
// in parallel. Every transition is published as an agent:state event, which
// is how the scheduler and the stream manager observe lifecycle changes
// without holding a reference back into this package.
package lifecycle

import (
	"errors"
	"time"
)

// State is an agent's position in the lifecycle.
type State string

const (
	StateBooting    State = "BOOTING"
	StateHydrating  State = "HYDRATING"
	StateReady      State = "READY"
	StateExecuting  State = "EXECUTING"
	StateDraining   State = "DRAINING"
	StateTerminated State = "TERMINATED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateTerminated }

// HealthUnhealthy is published as the state of an agent that missed its
// heartbeat budget. It is a health verdict, not a lifecycle position; the
// agent is crash-terminated immediately after.
const HealthUnhealthy = "UNHEALTHY"

var (
	// ErrInvalidState rejects a transition the state graph does not allow.
	ErrInvalidState = errors.New("invalid_state")
	// ErrInCooldown rejects a boot while the crash-loop gate is closed.
	ErrInCooldown = errors.New("in_cooldown")
	// ErrUnknownAgent means the agent has no active lifecycle entry.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrSteerBacklog means the agent's steer queue is full.
	ErrSteerBacklog = errors.New("steer backlog full")
	// ErrCheckpointCorrupt means the job checkpoint failed CRC verification
	// during hydration. The job must not resume from it.
	ErrCheckpointCorrupt = errors.New("checkpoint crc mismatch")
)

// transitions is the legal state graph. Crash is handled separately: any
// non-terminal state may move to TERMINATED.
var transitions = map[State][]State{
	StateBooting:   {StateHydrating},
	StateHydrating: {StateReady},
	StateReady:     {StateExecuting, StateDraining},
	StateExecuting: {StateReady, StateDraining},
	StateDraining:  {StateTerminated},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config tunes the manager. Zero values take the documented defaults.
type Config struct {
	// HeartbeatInterval is the expected agent heartbeat cadence.
	HeartbeatInterval time.Duration // default 15s
	// MissedHeartbeats is how many consecutive intervals may elapse before
	// an executing agent is marked unhealthy.
	MissedHeartbeats int // default 3

	// IdleTimeout drains a READY agent that has seen no activity.
	IdleTimeout time.Duration // default 30m

	// CooldownBase and CooldownMax bound the crash-loop backoff; CrashWindow
	// is the sliding window crashes are counted in.
	CooldownBase time.Duration // default 60s
	CooldownMax  time.Duration // default 15m
	CrashWindow  time.Duration // default 30m

	// SteerBuffer is the per-agent steer queue capacity.
	SteerBuffer int // default 16

	// MonitorInterval is the cadence of the idle and health sweeps.
	MonitorInterval time.Duration // default 5s

	// MemoryContextSize is how many memory entries hydration recalls.
	MemoryContextSize int // default 8
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 3
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = time.Minute
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 15 * time.Minute
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = 30 * time.Minute
	}
	if c.SteerBuffer <= 0 {
		c.SteerBuffer = 16
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.MemoryContextSize <= 0 {
		c.MemoryContextSize = 8
	}
	return c
}
