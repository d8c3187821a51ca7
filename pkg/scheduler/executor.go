package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/pkg/backend"
	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/sessionbuffer"
)

// Executor runs the execution pipeline for one claimed job: verify the
// checkpoint, bring the agent to EXECUTING, open the session buffer,
// route to a provider, relay the output stream, and map the result to an
// outcome. Every exit path releases what was already taken, in reverse
// order: provider slot, then agent, then buffer.
type Executor struct {
	lc      AgentLifecycle
	router  TaskRouter
	buffers *sessionbuffer.Manager
	gate    ApprovalGate
	pub     *events.Publisher
}

// NewExecutor creates an Executor. gate may be nil (no tool call is ever
// gated); pub may be nil (no events are published).
func NewExecutor(lc AgentLifecycle, rt TaskRouter, buffers *sessionbuffer.Manager, gate ApprovalGate, pub *events.Publisher) *Executor {
	return &Executor{lc: lc, router: rt, buffers: buffers, gate: gate, pub: pub}
}

func (e *Executor) Execute(ctx context.Context, job *models.Job) *ExecutionOutcome {
	log := slog.With("job_id", job.ID, "agent_id", job.AgentID, "attempt", job.Attempt)

	// A checkpoint that fails CRC verification can never be resumed from.
	if job.CheckpointCRC != nil && sessionbuffer.Checksum(job.Checkpoint) != *job.CheckpointCRC {
		log.Error("Checkpoint failed CRC verification, dead-lettering job")
		return &ExecutionOutcome{
			Status: models.JobStatusDeadLetter,
			Class:  errclass.Permanent,
			Err:    fmt.Errorf("job %s: %w", job.ID, lifecycle.ErrCheckpointCorrupt),
		}
	}

	steer, hyd, err := e.prepareAgent(ctx, job)
	if err != nil {
		return e.prepOutcome(ctx, log, job, err)
	}
	// The agent is EXECUTING from here on; every return releases it.

	writer, err := e.buffers.Open(job.ID)
	if err != nil {
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, fmt.Errorf("open session buffer: %w", err))
	}
	defer func() {
		if cerr := e.buffers.Close(job.ID); cerr != nil {
			log.Warn("Failed to close session buffer", "error", cerr)
		}
	}()

	resumed := len(job.Payload.ResumePayload) > 0 || len(job.Checkpoint) > 0
	if err := e.append(writer, job, models.EventSessionStart, sessionStartData{
		Attempt:  job.Attempt,
		GoalType: job.Payload.GoalType,
		Resumed:  resumed,
	}); err != nil {
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, err)
	}

	task := e.buildTask(job, hyd, steer)

	rt, err := e.router.RouteWithFailover(task)
	if err != nil {
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, errclass.New(errclass.Transient, err))
	}
	log = log.With("provider_id", rt.ProviderID)

	if err := e.router.Acquire(ctx, rt.ProviderID); err != nil {
		e.router.RecordOutcome(rt.ProviderID, false, errclass.ClassOf(err))
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, err)
	}
	defer e.router.Release(rt.ProviderID)

	handle, err := rt.Backend.ExecuteTask(ctx, task)
	if err != nil {
		e.router.RecordOutcome(rt.ProviderID, false, errclass.ClassOf(err))
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, fmt.Errorf("execute on %s: %w", rt.ProviderID, err))
	}

	parked, relayErr := e.relay(log, job, writer, handle)
	switch {
	case parked:
		e.router.RecordOutcome(rt.ProviderID, true, "")
		e.releaseAgent(log, job)
		log.Info("Job parked for approval")
		return &ExecutionOutcome{Status: models.JobStatusWaitingForApproval}
	case relayErr != nil:
		// The stream itself was healthy; the fault is local, not the
		// provider's.
		e.router.RecordOutcome(rt.ProviderID, true, "")
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, relayErr)
	}

	result, err := handle.Result(ctx)
	if err != nil {
		out := e.failOutcome(ctx, job, err)
		switch {
		case out.Status == models.JobStatusTimedOut:
			e.router.RecordOutcome(rt.ProviderID, false, errclass.Timeout)
		case out.Status == "":
			// Cancelled by us, not failed by the provider.
			e.router.RecordOutcome(rt.ProviderID, true, "")
		default:
			e.router.RecordOutcome(rt.ProviderID, false, out.Class)
		}
		e.releaseAgent(log, job)
		return out
	}

	switch result.Status {
	case backend.ResultStatusCompleted:
		e.router.RecordOutcome(rt.ProviderID, true, "")
		e.releaseAgent(log, job)
		log.Info("Job execution completed",
			"input_tokens", result.InputTokens, "output_tokens", result.OutputTokens)
		return &ExecutionOutcome{Status: models.JobStatusCompleted, Result: &result}
	case backend.ResultStatusCancelled:
		e.router.RecordOutcome(rt.ProviderID, false, errclass.Transient)
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, errclass.New(errclass.Transient,
			fmt.Errorf("task cancelled by provider: %s", result.Summary)))
	default:
		e.router.RecordOutcome(rt.ProviderID, false, errclass.Unknown)
		e.releaseAgent(log, job)
		return e.failOutcome(ctx, job, errclass.New(errclass.Unknown,
			fmt.Errorf("task failed: %s", result.Summary)))
	}
}

// prepareAgent brings the job's agent to EXECUTING. Cold agents are
// booted and hydrated first; warm agents reuse their cached hydration.
// Returns ErrAgentBusy when the agent is occupied or mid-transition.
func (e *Executor) prepareAgent(ctx context.Context, job *models.Job) (<-chan models.SteerMessage, *lifecycle.Hydration, error) {
	st, err := e.lc.State(job.AgentID)
	switch {
	case errors.Is(err, lifecycle.ErrUnknownAgent):
		if err := e.lc.Boot(job.AgentID); err != nil {
			if errors.Is(err, lifecycle.ErrInvalidState) {
				// Another worker booted it between State and Boot.
				return nil, nil, fmt.Errorf("%w: %v", ErrAgentBusy, err)
			}
			return nil, nil, err
		}
		if _, err := e.lc.Hydrate(ctx, job.AgentID, job.ID); err != nil {
			// Hydration failure already crashed the agent.
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	case st.State != lifecycle.StateReady:
		return nil, nil, fmt.Errorf("%w: agent is %s", ErrAgentBusy, st.State)
	}

	steer, err := e.lc.BeginExecution(job.AgentID, job.ID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidState) || errors.Is(err, lifecycle.ErrUnknownAgent) {
			return nil, nil, fmt.Errorf("%w: %v", ErrAgentBusy, err)
		}
		return nil, nil, err
	}
	hyd, _ := e.lc.Hydration(job.AgentID)
	return steer, hyd, nil
}

// prepOutcome maps a prepareAgent failure. Nothing was taken yet, so no
// release is needed.
func (e *Executor) prepOutcome(ctx context.Context, log *slog.Logger, job *models.Job, err error) *ExecutionOutcome {
	switch {
	case errors.Is(err, ErrAgentBusy):
		log.Debug("Agent unavailable, releasing claim", "error", err)
		return &ExecutionOutcome{Status: models.JobStatusScheduled, Err: err}
	case errors.Is(err, lifecycle.ErrInCooldown):
		return e.failOutcome(ctx, job, errclass.New(errclass.Resource, err))
	case errors.Is(err, lifecycle.ErrCheckpointCorrupt):
		log.Error("Checkpoint failed CRC verification during hydration, dead-lettering job")
		return &ExecutionOutcome{Status: models.JobStatusDeadLetter, Class: errclass.Permanent, Err: err}
	default:
		return e.failOutcome(ctx, job, err)
	}
}

// failOutcome maps an execution error to RETRYING or a terminal status.
// Permanent errors fail outright; retryable errors dead-letter once the
// attempt budget is spent. A cancelled context yields no status, leaving
// the verdict to the worker that cancelled it.
func (e *Executor) failOutcome(ctx context.Context, job *models.Job, err error) *ExecutionOutcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &ExecutionOutcome{Status: models.JobStatusTimedOut, Class: errclass.Timeout, Err: err}
		}
		return &ExecutionOutcome{Class: errclass.ClassOf(err), Err: err}
	}
	class := errclass.ClassOf(err)
	switch {
	case !class.Retryable():
		return &ExecutionOutcome{Status: models.JobStatusFailed, Class: class, Err: err}
	case job.Attempt >= job.MaxAttempts:
		return &ExecutionOutcome{Status: models.JobStatusDeadLetter, Class: class, Err: err}
	default:
		return &ExecutionOutcome{Status: models.JobStatusRetrying, Class: class, Err: err}
	}
}

// buildTask assembles the backend task from the job row and the agent's
// hydration bundle. A verified checkpoint doubles as the resume payload
// when the approval gate did not leave one.
func (e *Executor) buildTask(job *models.Job, hyd *lifecycle.Hydration, steer <-chan models.SteerMessage) backend.Task {
	task := backend.Task{
		JobID:         job.ID,
		AgentID:       job.AgentID,
		SessionID:     job.SessionID,
		Prompt:        job.Payload.Prompt,
		GoalType:      job.Payload.GoalType,
		History:       job.Payload.ConversationHistory,
		Env:           backend.FilterEnv(job.Payload.Env),
		Timeout:       jobTimeout(job),
		ResumePayload: job.Payload.ResumePayload,
		Steer:         steer,
	}
	if hyd != nil {
		task.System = hyd.SystemPrompt()
		if hyd.Agent != nil {
			task.Model = hyd.Agent.ModelConfig
		}
	}
	if len(task.ResumePayload) == 0 && len(job.Checkpoint) > 0 {
		task.ResumePayload = job.Checkpoint
	}
	return task
}

// relay consumes the handle's event stream: each event is appended to the
// session buffer, published, and counted as agent activity. A gated tool
// call parks the job and cancels the stream; parked reports that case.
func (e *Executor) relay(log *slog.Logger, job *models.Job, w *sessionbuffer.Writer, handle backend.Handle) (parked bool, err error) {
	for ev := range handle.Events() {
		if herr := e.lc.Heartbeat(job.AgentID); herr != nil {
			log.Debug("Agent heartbeat failed", "error", herr)
		}

		switch t := ev.(type) {
		case *backend.TextEvent:
			if err := e.append(w, job, models.EventLLMResponse, textData{Text: t.Text}); err != nil {
				return false, e.abort(handle, err)
			}
			e.publishOutput(events.EventTypeOutputText, job, events.OutputPayload{Text: t.Text})

		case *backend.ToolCallEvent:
			if err := e.append(w, job, models.EventToolCall, toolCallData{
				CallID: t.CallID, Name: t.Name, Input: t.Input,
			}); err != nil {
				return false, e.abort(handle, err)
			}
			e.publishOutput(events.EventTypeOutputToolCall, job, events.OutputPayload{
				ToolName: t.Name, ToolInput: t.Input,
			})
			if e.gate != nil && e.gate.ShouldGate(t) {
				if err := e.park(log, job, w, t); err != nil {
					return false, e.abort(handle, err)
				}
				handle.Cancel("waiting_for_approval")
				drainHandle(handle)
				return true, nil
			}

		case *backend.ToolResultEvent:
			if err := e.append(w, job, models.EventToolResult, toolResultData{
				CallID: t.CallID, Name: t.Name, Result: t.Result, IsError: t.IsError,
			}); err != nil {
				return false, e.abort(handle, err)
			}
			e.publishOutput(events.EventTypeOutputToolResult, job, events.OutputPayload{
				ToolName: t.Name, ToolResult: t.Result,
			})

		case *backend.UsageEvent:
			// Usage is transient telemetry; published but never buffered.
			e.publishOutput(events.EventTypeOutputUsage, job, events.OutputPayload{
				InputTokens: t.InputTokens, OutputTokens: t.OutputTokens,
			})

		case *backend.CompleteEvent:
			if err := e.append(w, job, models.EventComplete, completeData{
				Status:       t.Result.Status,
				Summary:      t.Result.Summary,
				InputTokens:  t.Result.InputTokens,
				OutputTokens: t.Result.OutputTokens,
			}); err != nil {
				return false, e.abort(handle, err)
			}
			e.publishOutput(events.EventTypeOutputComplete, job, events.OutputPayload{
				Text:         t.Result.Summary,
				InputTokens:  t.Result.InputTokens,
				OutputTokens: t.Result.OutputTokens,
			})
		}
	}
	return false, nil
}

// park checkpoints the gated tool call and hands the job to the approval
// gate, which owns the row from then on.
func (e *Executor) park(log *slog.Logger, job *models.Job, w *sessionbuffer.Writer, call *backend.ToolCallEvent) error {
	if err := e.append(w, job, models.EventCheckpoint, toolCallData{
		CallID: call.CallID, Name: call.Name, Input: call.Input,
	}); err != nil {
		return err
	}
	req, err := e.gate.Park(context.Background(), job, call)
	if err != nil {
		return fmt.Errorf("park for approval: %w", err)
	}
	log.Info("Tool call gated",
		"approval_id", req.ID, "action_type", call.Name, "expires_at", req.ExpiresAt)
	return nil
}

func (e *Executor) abort(h backend.Handle, err error) error {
	h.Cancel("relay failed")
	drainHandle(h)
	return err
}

func (e *Executor) releaseAgent(log *slog.Logger, job *models.Job) {
	if err := e.lc.Release(job.AgentID); err != nil {
		log.Warn("Failed to release agent", "error", err)
	}
}

func (e *Executor) append(w *sessionbuffer.Writer, job *models.Job, typ models.SessionEventType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	return w.Append(&models.SessionEvent{
		SessionID: job.SessionID,
		AgentID:   job.AgentID,
		Type:      typ,
		Data:      raw,
	})
}

func (e *Executor) publishOutput(eventType string, job *models.Job, payload events.OutputPayload) {
	if e.pub == nil {
		return
	}
	payload.AgentID = job.AgentID
	payload.JobID = job.ID
	payload.SessionID = job.SessionID
	e.pub.PublishOutput(eventType, payload)
}

// drainHandle unblocks the producer after Cancel so it can complete.
func drainHandle(h backend.Handle) {
	for range h.Events() {
	}
}

func jobTimeout(job *models.Job) time.Duration {
	if job.TimeoutSeconds > 0 {
		return time.Duration(job.TimeoutSeconds) * time.Second
	}
	return 0
}

// Session buffer record payloads.
type (
	sessionStartData struct {
		Attempt  int    `json:"attempt"`
		GoalType string `json:"goalType,omitempty"`
		Resumed  bool   `json:"resumed,omitempty"`
	}
	textData struct {
		Text string `json:"text"`
	}
	toolCallData struct {
		CallID string          `json:"callId"`
		Name   string          `json:"name"`
		Input  json.RawMessage `json:"input,omitempty"`
	}
	toolResultData struct {
		CallID  string          `json:"callId"`
		Name    string          `json:"name"`
		Result  json.RawMessage `json:"result,omitempty"`
		IsError bool            `json:"isError,omitempty"`
	}
	completeData struct {
		Status       string `json:"status"`
		Summary      string `json:"summary,omitempty"`
		InputTokens  int    `json:"inputTokens,omitempty"`
		OutputTokens int    `json:"outputTokens,omitempty"`
	}
)
