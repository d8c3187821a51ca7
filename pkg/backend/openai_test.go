package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/models"
)

// openaiDecoder mirrors anthropicDecoder for chat completion chunks, which
// arrive as untyped data-only SSE events.
type openaiDecoder struct {
	events []ssestream.Event
	i      int
	err    error
	block  chan struct{}
}

func (d *openaiDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *openaiDecoder) Next() bool {
	if d.i >= len(d.events) {
		if d.block != nil {
			<-d.block
		}
		return false
	}
	d.i++
	return true
}

func (d *openaiDecoder) Close() error { return nil }
func (d *openaiDecoder) Err() error   { return d.err }

type openaiChatFunc func(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk]

func (f openaiChatFunc) NewStreaming(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk] {
	return f(ctx, body, opts...)
}

func openaiChunk(t *testing.T, raw string) ssestream.Event {
	t.Helper()
	var chunk oai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &chunk))
	return ssestream.Event{Data: []byte(raw)}
}

func openaiNoopChat() openaiChatFunc {
	return func(context.Context, oai.ChatCompletionNewParams, ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk] {
		return nil
	}
}

func newOpenAIBackend(t *testing.T, dec *openaiDecoder) *OpenAI {
	t.Helper()
	chat := openaiChatFunc(func(context.Context, oai.ChatCompletionNewParams, ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk] {
		return ssestream.NewStream[oai.ChatCompletionChunk](dec, nil)
	})
	b, err := NewOpenAI(chat, OpenAIConfig{Keys: StaticKey("sk-test")})
	require.NoError(t, err)
	return b
}

func TestOpenAIStreamsTextToolsAndUsage(t *testing.T) {
	dec := &openaiDecoder{events: []ssestream.Event{
		openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`),
		openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{"content":", world"}}]}`),
		openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"fetch_runbook","arguments":""}}]}}]}`),
		openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"name\":"}}]}}]}`),
		openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"disk-full\"}"}}]}}]}`),
		openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		openaiChunk(t, `{"id":"c1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`),
	}}
	b := newOpenAIBackend(t, dec)

	h, err := b.ExecuteTask(context.Background(), Task{JobID: "job-1", Prompt: "diagnose the disk alert"})
	require.NoError(t, err)

	evts, res, err := drainHandle(t, h)
	require.NoError(t, err)

	require.Len(t, evts, 5)
	assert.Equal(t, &TextEvent{Text: "Hello"}, evts[0])
	assert.Equal(t, &TextEvent{Text: ", world"}, evts[1])

	tool, ok := evts[2].(*ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "call_1", tool.CallID)
	assert.Equal(t, "fetch_runbook", tool.Name)
	assert.JSONEq(t, `{"name":"disk-full"}`, string(tool.Input))

	assert.Equal(t, &UsageEvent{InputTokens: 12, OutputTokens: 34}, evts[3])
	require.IsType(t, &CompleteEvent{}, evts[4])

	assert.Equal(t, ResultStatusCompleted, res.Status)
	assert.Equal(t, "Hello, world", res.Stdout)
	assert.Equal(t, 12, res.InputTokens)
	assert.Equal(t, 34, res.OutputTokens)
}

func TestOpenAIStreamErrorFailsTask(t *testing.T) {
	dec := &openaiDecoder{
		events: []ssestream.Event{
			openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{"content":"partial"}}]}`),
		},
		err: errors.New("upstream hiccup"),
	}
	b := newOpenAIBackend(t, dec)

	h, err := b.ExecuteTask(context.Background(), Task{Prompt: "hi"})
	require.NoError(t, err)

	evts, res, err := drainHandle(t, h)
	require.Error(t, err)
	assert.Equal(t, errclass.Unknown, errclass.ClassOf(err))
	assert.Equal(t, ResultStatusFailed, res.Status)

	require.Len(t, evts, 2)
	assert.Equal(t, &TextEvent{Text: "partial"}, evts[0])
	assert.IsType(t, &CompleteEvent{}, evts[1])
}

func TestOpenAICancelMidStream(t *testing.T) {
	release := make(chan struct{})
	dec := &openaiDecoder{
		events: []ssestream.Event{
			openaiChunk(t, `{"id":"c1","choices":[{"index":0,"delta":{"content":"thinking"}}]}`),
		},
		block: release,
	}
	b := newOpenAIBackend(t, dec)

	h, err := b.ExecuteTask(context.Background(), Task{Prompt: "long task"})
	require.NoError(t, err)

	select {
	case evt := <-h.Events():
		assert.Equal(t, &TextEvent{Text: "thinking"}, evt)
	case <-time.After(time.Second):
		t.Fatal("no first event")
	}

	h.Cancel("operator request")
	close(release)

	evts, res, err := drainHandle(t, h)
	require.NoError(t, err)
	assert.Equal(t, ResultStatusCancelled, res.Status)
	assert.Equal(t, "operator request", res.Summary)
	require.Len(t, evts, 1)
	assert.IsType(t, &CompleteEvent{}, evts[0])
}

func TestOpenAICredentialFailureIsPermanent(t *testing.T) {
	chat := openaiChatFunc(func(context.Context, oai.ChatCompletionNewParams, ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk] {
		t.Error("stream must not start without credentials")
		return nil
	})
	b, err := NewOpenAI(chat, OpenAIConfig{Keys: KeySourceFunc(func(context.Context) (string, error) {
		return "", errors.New("vault sealed")
	})})
	require.NoError(t, err)

	_, err = b.ExecuteTask(context.Background(), Task{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, errclass.Permanent, errclass.ClassOf(err))
}

func TestNewOpenAIValidatesAndDefaults(t *testing.T) {
	_, err := NewOpenAI(nil, OpenAIConfig{Keys: StaticKey("k")})
	require.Error(t, err)

	_, err = NewOpenAI(openaiNoopChat(), OpenAIConfig{})
	require.Error(t, err)

	b, err := NewOpenAI(openaiNoopChat(), OpenAIConfig{Keys: StaticKey("k")})
	require.NoError(t, err)
	caps := b.Capabilities()
	assert.True(t, caps.Streaming)
	assert.True(t, caps.Cancellation)
	assert.Equal(t, DefaultOpenAIContextTokens, caps.MaxContextTokens)
	assert.Empty(t, caps.GoalTypes)
}

func TestBuildOpenAIParamsShapesConversation(t *testing.T) {
	task := Task{
		Prompt: "current question",
		System: "you are a fleet agent",
		History: []models.ChatTurn{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
			{Role: "system", Content: "reminder"},
			{Role: "user", Content: ""},
		},
		ResumePayload: json.RawMessage(`{"decision":"APPROVED"}`),
		Model:         models.ModelConfig{Model: "gpt-4o-mini", MaxOutputTokens: 512, Temperature: 0.2},
	}

	params, err := buildOpenAIParams(task, DefaultOpenAIModel, DefaultOpenAIMaxTokens)
	require.NoError(t, err)

	assert.Equal(t, oai.ChatModel("gpt-4o-mini"), params.Model)
	require.True(t, params.MaxCompletionTokens.Valid())
	assert.Equal(t, int64(512), params.MaxCompletionTokens.Value)
	require.True(t, params.Temperature.Valid())
	assert.Equal(t, 0.2, params.Temperature.Value)
	assert.True(t, params.StreamOptions.IncludeUsage.Value)

	raw, err := json.Marshal(params.Messages)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"role":"system","content":"you are a fleet agent"},
		{"role":"user","content":"earlier question"},
		{"role":"assistant","content":"earlier answer"},
		{"role":"system","content":"reminder"},
		{"role":"user","content":"current question"},
		{"role":"user","content":"{\"decision\":\"APPROVED\"}"}
	]`, string(raw))
}

func TestBuildOpenAIParamsDefaults(t *testing.T) {
	params, err := buildOpenAIParams(Task{Prompt: "hi"}, DefaultOpenAIModel, DefaultOpenAIMaxTokens)
	require.NoError(t, err)
	assert.Equal(t, oai.ChatModel(DefaultOpenAIModel), params.Model)
	assert.Equal(t, int64(DefaultOpenAIMaxTokens), params.MaxCompletionTokens.Value)
	assert.False(t, params.Temperature.Valid())

	_, err = buildOpenAIParams(Task{}, DefaultOpenAIModel, DefaultOpenAIMaxTokens)
	require.EqualError(t, err, "task has no prompt or history")
}

func TestClassifyOpenAIErrMapsAPIStatus(t *testing.T) {
	req := httptest.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)

	rateLimited := classifyOpenAIErr(&oai.Error{StatusCode: 429, Request: req})
	assert.Equal(t, errclass.Resource, errclass.ClassOf(rateLimited))

	badGateway := classifyOpenAIErr(&oai.Error{StatusCode: 502, Request: req})
	assert.Equal(t, errclass.Transient, errclass.ClassOf(badGateway))

	plain := classifyOpenAIErr(errors.New("stream disconnected"))
	assert.Equal(t, errclass.Unknown, errclass.ClassOf(plain))
}
