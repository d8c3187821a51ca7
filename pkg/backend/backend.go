// Package backend defines the execution boundary between the control
// plane and LLM providers, and the provider implementations shipped
// with it.
//
// A Backend turns a Task into an ExecutionHandle: an ordered stream of
// output events terminated by a CompleteEvent, plus a result that
// resolves once the stream ends. Backends hold no cross-task state and
// never block the events loop; slow consumers see buffered channels,
// not stalled providers.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/droverhq/drover/pkg/models"
)

// Backend is the contract every provider conforms to: direct LLM API
// clients, local processes, and the echo test double alike.
type Backend interface {
	// Start activates the backend (client construction, warm-up).
	Start(ctx context.Context) error

	// Stop releases resources. In-flight handles are cancelled.
	Stop(ctx context.Context) error

	// HealthCheck probes the provider and reports latency and status.
	HealthCheck(ctx context.Context) (HealthStatus, error)

	// ExecuteTask begins executing a task and returns its handle.
	ExecuteTask(ctx context.Context, task Task) (Handle, error)

	// Capabilities advertises what the backend supports.
	Capabilities() Capabilities
}

// Task is one unit of execution handed to a backend.
type Task struct {
	JobID     string
	AgentID   string
	SessionID string

	Prompt   string
	GoalType string

	// System is the agent identity rendered as a system prompt during
	// hydration.
	System  string
	History []models.ChatTurn

	// Env is the allowlisted environment for process-style backends.
	Env map[string]string

	Model   models.ModelConfig
	Timeout time.Duration

	// ResumePayload carries approval-resume context, opaque to the
	// backend except for prompt injection.
	ResumePayload json.RawMessage

	// Steer, when non-nil, yields operator messages to inject into the
	// next model turn.
	Steer <-chan models.SteerMessage
}

// Handle exposes one running task.
type Handle interface {
	// Events returns the strictly ordered output stream. The channel is
	// closed after the terminal CompleteEvent.
	Events() <-chan OutputEvent

	// Result blocks until the task completes and returns the final
	// result. It resolves after the CompleteEvent is emitted.
	Result(ctx context.Context) (models.JobResult, error)

	// Cancel stops execution: Events terminates and the result status
	// becomes ResultStatusCancelled.
	Cancel(reason string)
}

// Result status values carried in models.JobResult.Status.
const (
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
	ResultStatusCancelled = "cancelled"
)

// HealthStatus is the outcome of a HealthCheck probe.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Detail  string
}

// Capabilities advertises a backend's feature surface. An empty GoalTypes
// slice means the backend accepts any goal type.
type Capabilities struct {
	Streaming        bool
	FileEdit         bool
	Shell            bool
	Cancellation     bool
	MaxContextTokens int
	GoalTypes        []string
}

// SupportsGoalType reports whether the backend accepts tasks of the given
// goal type.
func (c Capabilities) SupportsGoalType(goalType string) bool {
	if len(c.GoalTypes) == 0 {
		return true
	}
	for _, g := range c.GoalTypes {
		if g == goalType {
			return true
		}
	}
	return false
}

// envAllowlist is the set of variables a process-style backend may
// inherit. Everything else in a task's env is dropped before launch.
var envAllowlist = map[string]bool{
	"PATH":      true,
	"HOME":      true,
	"NODE_PATH": true,
	"LANG":      true,
	"TERM":      true,
}

// FilterEnv strips a task environment down to the allowlisted variables.
func FilterEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if envAllowlist[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// KeySource resolves a provider API key at call time. Implementations
// decrypt from the credential store per call so plaintext never sits on a
// backend struct.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey adapts a fixed key from configuration to KeySource.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) { return string(k), nil }

// KeySourceFunc adapts a resolver closure to KeySource.
type KeySourceFunc func(ctx context.Context) (string, error)

func (f KeySourceFunc) APIKey(ctx context.Context) (string, error) { return f(ctx) }

// OutputKind identifies the kind of output event.
type OutputKind string

const (
	OutputKindText       OutputKind = "text"
	OutputKindToolCall   OutputKind = "tool_call"
	OutputKindToolResult OutputKind = "tool_result"
	OutputKindUsage      OutputKind = "usage"
	OutputKindComplete   OutputKind = "complete"
)

// OutputEvent is the interface for all handle event kinds.
type OutputEvent interface {
	outputKind() OutputKind
}

// TextEvent is a chunk of the model's text output.
type TextEvent struct{ Text string }

// ToolCallEvent signals the model invoked a tool.
type ToolCallEvent struct {
	CallID string
	Name   string
	Input  json.RawMessage
}

// ToolResultEvent carries a tool invocation's outcome.
type ToolResultEvent struct {
	CallID  string
	Name    string
	Result  json.RawMessage
	IsError bool
}

// UsageEvent reports token consumption so far.
type UsageEvent struct{ InputTokens, OutputTokens int }

// CompleteEvent is the terminal event; Result matches what Handle.Result
// returns.
type CompleteEvent struct{ Result models.JobResult }

func (e *TextEvent) outputKind() OutputKind       { return OutputKindText }
func (e *ToolCallEvent) outputKind() OutputKind   { return OutputKindToolCall }
func (e *ToolResultEvent) outputKind() OutputKind { return OutputKindToolResult }
func (e *UsageEvent) outputKind() OutputKind      { return OutputKindUsage }
func (e *CompleteEvent) outputKind() OutputKind   { return OutputKindComplete }
