package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/models"
)

// Defaults for the Anthropic backend.
const (
	DefaultAnthropicModel         = "claude-sonnet-4-5"
	DefaultAnthropicMaxTokens     = 4096
	DefaultAnthropicContextTokens = 200000
)

// AnthropicMessages is the slice of the Anthropic SDK the backend uses.
// *sdk.MessageService satisfies it; tests pass a fake stream.
type AnthropicMessages interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	Keys KeySource

	// Model is used when the task's agent config does not name one.
	Model string
	// MaxTokens caps completion length when the agent config does not.
	MaxTokens int64
	// ContextTokens is advertised via Capabilities.
	ContextTokens int
	// GoalTypes restricts accepted goal types; empty accepts all.
	GoalTypes []string
}

// Anthropic executes tasks against the Claude Messages API, translating
// streamed deltas into output events.
type Anthropic struct {
	msgs AnthropicMessages
	cfg  AnthropicConfig
}

// NewAnthropic builds the backend over an injected Messages client.
func NewAnthropic(msgs AnthropicMessages, cfg AnthropicConfig) (*Anthropic, error) {
	if msgs == nil {
		return nil, errors.New("backend: anthropic messages client is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("backend: anthropic key source is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultAnthropicMaxTokens
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = DefaultAnthropicContextTokens
	}
	return &Anthropic{msgs: msgs, cfg: cfg}, nil
}

// NewAnthropicFromConfig builds the backend with the stock SDK client. The
// API key is attached per request from the key source.
func NewAnthropicFromConfig(cfg AnthropicConfig) (*Anthropic, error) {
	client := sdk.NewClient()
	return NewAnthropic(&client.Messages, cfg)
}

func (b *Anthropic) Start(context.Context) error { return nil }

func (b *Anthropic) Stop(context.Context) error { return nil }

// HealthCheck verifies credentials resolve. Provider reachability is
// observed through task outcomes and the circuit breaker, not probed here.
func (b *Anthropic) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	key, err := b.cfg.Keys.APIKey(ctx)
	if err != nil {
		return HealthStatus{Latency: time.Since(start), Detail: err.Error()}, err
	}
	if key == "" {
		return HealthStatus{Latency: time.Since(start), Detail: "no api key configured"}, nil
	}
	return HealthStatus{Healthy: true, Latency: time.Since(start), Detail: "credentials ok"}, nil
}

func (b *Anthropic) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		Cancellation:     true,
		MaxContextTokens: b.cfg.ContextTokens,
		GoalTypes:        b.cfg.GoalTypes,
	}
}

// ExecuteTask starts a streaming Messages call and returns its handle.
func (b *Anthropic) ExecuteTask(ctx context.Context, task Task) (Handle, error) {
	key, err := b.cfg.Keys.APIKey(ctx)
	if err != nil {
		return nil, errclass.New(errclass.Permanent, fmt.Errorf("resolve anthropic credentials: %w", err))
	}
	params, err := buildAnthropicParams(task, b.cfg.Model, b.cfg.MaxTokens)
	if err != nil {
		return nil, errclass.New(errclass.Permanent, err)
	}
	h := newTaskHandle()
	go b.stream(ctx, h, params, key)
	return h, nil
}

func (b *Anthropic) stream(parent context.Context, h *taskHandle, params sdk.MessageNewParams, key string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-h.cancelled():
			cancel()
		case <-ctx.Done():
		}
	}()

	stream := b.msgs.NewStreaming(ctx, params, option.WithAPIKey(key))
	defer stream.Close()

	var (
		text  strings.Builder
		usage UsageEvent
		calls = make(map[int64]*toolAccumulator)
	)
read:
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				calls[ev.Index] = &toolAccumulator{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if !h.emit(ctx, &TextEvent{Text: delta.Text}) {
					break read
				}
			case sdk.InputJSONDelta:
				if acc := calls[ev.Index]; acc != nil {
					acc.args.WriteString(delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			acc := calls[ev.Index]
			if acc == nil {
				continue
			}
			delete(calls, ev.Index)
			if !h.emit(ctx, &ToolCallEvent{CallID: acc.id, Name: acc.name, Input: acc.input()}) {
				break read
			}
		case sdk.MessageDeltaEvent:
			// Cumulative; the last delta carries the final counts.
			usage = UsageEvent{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
			}
		}
	}

	if reason, ok := h.cancelReason(); ok {
		h.complete(parent, cancelledResult(reason), nil)
		return
	}
	if err := stream.Err(); err != nil {
		h.complete(parent, failedResult(err), classifyAnthropicErr(err))
		return
	}
	if usage != (UsageEvent{}) {
		h.emit(ctx, &usage)
	}
	h.complete(parent, models.JobResult{
		Status:       ResultStatusCompleted,
		Stdout:       text.String(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}, nil)
}

func buildAnthropicParams(task Task, defaultModel string, defaultMaxTokens int64) (sdk.MessageNewParams, error) {
	msgs := make([]sdk.MessageParam, 0, len(task.History)+2)
	for _, turn := range task.History {
		if turn.Content == "" {
			continue
		}
		if turn.Role == "assistant" {
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Content)))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(turn.Content)))
		}
	}
	if task.Prompt != "" {
		msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(task.Prompt)))
	}
	if len(task.ResumePayload) > 0 {
		msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(string(task.ResumePayload))))
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, errors.New("task has no prompt or history")
	}

	model := task.Model.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(task.Model.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if task.System != "" {
		params.System = []sdk.TextBlockParam{{Text: task.System}}
	}
	if t := task.Model.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return params, nil
}

func classifyAnthropicErr(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return errclass.New(errclass.FromStatus(apierr.StatusCode), err)
	}
	return errclass.New(errclass.ClassOf(err), err)
}
