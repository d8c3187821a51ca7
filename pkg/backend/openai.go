package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/models"
)

// Defaults for the OpenAI backend.
const (
	DefaultOpenAIModel         = "gpt-4o"
	DefaultOpenAIMaxTokens     = 4096
	DefaultOpenAIContextTokens = 128000
)

// OpenAIChat is the slice of the OpenAI SDK the backend uses.
// *oai.ChatCompletionService satisfies it; tests pass a fake stream.
type OpenAIChat interface {
	NewStreaming(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk]
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	Keys KeySource

	Model         string
	MaxTokens     int64
	ContextTokens int
	GoalTypes     []string
}

// OpenAI executes tasks against the Chat Completions API, translating
// streamed deltas into output events.
type OpenAI struct {
	chat OpenAIChat
	cfg  OpenAIConfig
}

// NewOpenAI builds the backend over an injected chat completions client.
func NewOpenAI(chat OpenAIChat, cfg OpenAIConfig) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("backend: openai chat client is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("backend: openai key source is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultOpenAIMaxTokens
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = DefaultOpenAIContextTokens
	}
	return &OpenAI{chat: chat, cfg: cfg}, nil
}

// NewOpenAIFromConfig builds the backend with the stock SDK client. The API
// key is attached per request from the key source.
func NewOpenAIFromConfig(cfg OpenAIConfig) (*OpenAI, error) {
	client := oai.NewClient()
	return NewOpenAI(&client.Chat.Completions, cfg)
}

func (b *OpenAI) Start(context.Context) error { return nil }

func (b *OpenAI) Stop(context.Context) error { return nil }

func (b *OpenAI) HealthCheck(ctx context.Context) (HealthStatus, error) {
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

func (b *OpenAI) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		Cancellation:     true,
		MaxContextTokens: b.cfg.ContextTokens,
		GoalTypes:        b.cfg.GoalTypes,
	}
}

// ExecuteTask starts a streaming chat completion and returns its handle.
func (b *OpenAI) ExecuteTask(ctx context.Context, task Task) (Handle, error) {
	key, err := b.cfg.Keys.APIKey(ctx)
	if err != nil {
		return nil, errclass.New(errclass.Permanent, fmt.Errorf("resolve openai credentials: %w", err))
	}
	params, err := buildOpenAIParams(task, b.cfg.Model, b.cfg.MaxTokens)
	if err != nil {
		return nil, errclass.New(errclass.Permanent, err)
	}
	h := newTaskHandle()
	go b.stream(ctx, h, params, key)
	return h, nil
}

func (b *OpenAI) stream(parent context.Context, h *taskHandle, params oai.ChatCompletionNewParams, key string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-h.cancelled():
			cancel()
		case <-ctx.Done():
		}
	}()

	stream := b.chat.NewStreaming(ctx, params, option.WithAPIKey(key))
	defer stream.Close()

	var (
		text  strings.Builder
		usage UsageEvent
		calls = make(map[int64]*toolAccumulator)
	)
read:
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = UsageEvent{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !h.emit(ctx, &TextEvent{Text: choice.Delta.Content}) {
				break read
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc := calls[tc.Index]
			if acc == nil {
				acc = &toolAccumulator{}
				calls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" && len(calls) > 0 {
			idxs := make([]int64, 0, len(calls))
			for idx := range calls {
				idxs = append(idxs, idx)
			}
			sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
			for _, idx := range idxs {
				acc := calls[idx]
				if !h.emit(ctx, &ToolCallEvent{CallID: acc.id, Name: acc.name, Input: acc.input()}) {
					break read
				}
			}
			calls = make(map[int64]*toolAccumulator)
		}
	}

	if reason, ok := h.cancelReason(); ok {
		h.complete(parent, cancelledResult(reason), nil)
		return
	}
	if err := stream.Err(); err != nil {
		h.complete(parent, failedResult(err), classifyOpenAIErr(err))
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

func buildOpenAIParams(task Task, defaultModel string, defaultMaxTokens int64) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(task.History)+3)
	if task.System != "" {
		msgs = append(msgs, oai.SystemMessage(task.System))
	}
	for _, turn := range task.History {
		if turn.Content == "" {
			continue
		}
		switch turn.Role {
		case "assistant":
			msgs = append(msgs, oai.AssistantMessage(turn.Content))
		case "system":
			msgs = append(msgs, oai.SystemMessage(turn.Content))
		default:
			msgs = append(msgs, oai.UserMessage(turn.Content))
		}
	}
	if task.Prompt != "" {
		msgs = append(msgs, oai.UserMessage(task.Prompt))
	}
	if len(task.ResumePayload) > 0 {
		msgs = append(msgs, oai.UserMessage(string(task.ResumePayload)))
	}
	if len(msgs) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("task has no prompt or history")
	}

	model := task.Model.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(task.Model.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := oai.ChatCompletionNewParams{
		Model:               oai.ChatModel(model),
		Messages:            msgs,
		MaxCompletionTokens: oai.Int(maxTokens),
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: oai.Bool(true),
		},
	}
	if t := task.Model.Temperature; t > 0 {
		params.Temperature = oai.Float(t)
	}
	return params, nil
}

func classifyOpenAIErr(err error) error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return errclass.New(errclass.FromStatus(apierr.StatusCode), err)
	}
	return errclass.New(errclass.ClassOf(err), err)
}
