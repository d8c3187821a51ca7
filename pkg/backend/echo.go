package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/models"
)

// Echo is the loopback backend used by tests and local development. It
// streams the prompt back as output and honors a small directive language
// embedded in the prompt, one directive per line ahead of the reply text:
//
//	!fail <class>      complete with a failure of the given error class
//	!tool <name> <json> emit a tool call and its result before replying
//	!wait <duration>    hold the task open, acknowledging steer messages
//
// A resume payload marks one tool call as pre-approved: its !tool
// directive produces only the result, without re-announcing the call.
type Echo struct {
	cfg EchoConfig

	mu      sync.Mutex
	started bool
	running map[*taskHandle]struct{}
}

// EchoConfig configures the echo backend.
type EchoConfig struct {
	// StepDelay paces per-line processing; zero runs at full speed.
	StepDelay time.Duration
}

func NewEcho(cfg EchoConfig) *Echo {
	return &Echo{cfg: cfg, running: make(map[*taskHandle]struct{})}
}

func (b *Echo) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

// Stop cancels every in-flight handle and rejects further tasks.
func (b *Echo) Stop(context.Context) error {
	b.mu.Lock()
	b.started = false
	handles := make([]*taskHandle, 0, len(b.running))
	for h := range b.running {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		h.Cancel("shutting down")
	}
	return nil
}

func (b *Echo) HealthCheck(context.Context) (HealthStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return HealthStatus{Detail: "stopped"}, nil
	}
	return HealthStatus{Healthy: true, Detail: "ok"}, nil
}

func (b *Echo) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		FileEdit:         true,
		Shell:            true,
		Cancellation:     true,
		MaxContextTokens: 32768,
	}
}

func (b *Echo) ExecuteTask(ctx context.Context, task Task) (Handle, error) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil, errclass.New(errclass.Permanent, errors.New("echo backend not started"))
	}
	h := newTaskHandle()
	b.running[h] = struct{}{}
	b.mu.Unlock()

	go b.run(ctx, h, task)
	return h, nil
}

func (b *Echo) run(parent context.Context, h *taskHandle, task Task) {
	defer func() {
		b.mu.Lock()
		delete(b.running, h)
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-h.cancelled():
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		textLines    []string
		steeredLines []string
		failErr      error
	)

	// A resume payload names an already-approved tool call. Its !tool
	// directive executes without re-announcing the call, so the run does
	// not park on the same approval twice.
	approvedName := ""
	if len(task.ResumePayload) > 0 {
		var ac struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(task.ResumePayload, &ac) == nil {
			approvedName = ac.Name
		}
	}

script:
	for _, line := range strings.Split(task.Prompt, "\n") {
		if b.cfg.StepDelay > 0 {
			select {
			case <-time.After(b.cfg.StepDelay):
			case <-ctx.Done():
				break script
			}
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "!fail"):
			failErr = scriptedFailure(strings.TrimSpace(strings.TrimPrefix(trimmed, "!fail")))
			break script

		case strings.HasPrefix(trimmed, "!tool "):
			name, input := splitToolDirective(strings.TrimPrefix(trimmed, "!tool "))
			callID := uuid.NewString()
			if name == approvedName {
				approvedName = ""
				if !h.emit(ctx, &ToolResultEvent{CallID: callID, Name: name, Result: json.RawMessage(`{"ok":true}`)}) {
					break script
				}
				continue
			}
			if !h.emit(ctx, &ToolCallEvent{CallID: callID, Name: name, Input: input}) {
				break script
			}
			if !h.emit(ctx, &ToolResultEvent{CallID: callID, Name: name, Result: json.RawMessage(`{"ok":true}`)}) {
				break script
			}

		case strings.HasPrefix(trimmed, "!wait "):
			d, perr := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(trimmed, "!wait ")))
			if perr != nil {
				d = 100 * time.Millisecond
			}
			timer := time.NewTimer(d)
			steerCh := task.Steer
		waiting:
			for {
				select {
				case <-timer.C:
					break waiting
				case msg, ok := <-steerCh:
					if !ok {
						steerCh = nil
						continue
					}
					ack := "steered: " + msg.Message
					steeredLines = append(steeredLines, ack)
					if !h.emit(ctx, &TextEvent{Text: ack}) {
						timer.Stop()
						break script
					}
				case <-ctx.Done():
					timer.Stop()
					break script
				}
			}

		default:
			if trimmed != "" {
				textLines = append(textLines, trimmed)
			}
		}
	}

	if reason, ok := h.cancelReason(); ok {
		h.complete(parent, cancelledResult(reason), nil)
		return
	}
	if err := ctx.Err(); err != nil {
		cerr := errclass.New(errclass.ClassOf(err), err)
		h.complete(parent, failedResult(err), cerr)
		return
	}
	if failErr != nil {
		h.complete(parent, failedResult(failErr), failErr)
		return
	}

	reply := "echo: ok"
	if len(textLines) > 0 {
		reply = "echo: " + strings.Join(textLines, "\n")
	}
	if h.emit(ctx, &TextEvent{Text: reply}) {
		usage := UsageEvent{
			InputTokens:  tokenEstimate(task.Prompt),
			OutputTokens: tokenEstimate(reply),
		}
		h.emit(ctx, &usage)
	}

	stdout := reply
	if len(steeredLines) > 0 {
		stdout = strings.Join(append([]string{reply}, steeredLines...), "\n")
	}
	h.complete(parent, models.JobResult{
		Status:       ResultStatusCompleted,
		Stdout:       stdout,
		InputTokens:  tokenEstimate(task.Prompt),
		OutputTokens: tokenEstimate(reply),
	}, nil)
}

func scriptedFailure(class string) error {
	c := errclass.Class(strings.ToUpper(class))
	switch c {
	case errclass.Permanent, errclass.Transient, errclass.Timeout, errclass.Resource, errclass.Unknown:
	default:
		c = errclass.Transient
	}
	return errclass.New(c, errors.New("scripted failure"))
}

func splitToolDirective(rest string) (string, json.RawMessage) {
	name, args, found := strings.Cut(strings.TrimSpace(rest), " ")
	input := json.RawMessage(`{}`)
	if found && strings.TrimSpace(args) != "" {
		input = json.RawMessage(strings.TrimSpace(args))
	}
	return name, input
}

// tokenEstimate is the rough chars/4 heuristic; good enough for a loopback
// backend that must report usage.
func tokenEstimate(s string) int {
	return len(s)/4 + 1
}
