package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/models"
)

func startedEcho(t *testing.T) *Echo {
	t.Helper()
	b := NewEcho(EchoConfig{})
	require.NoError(t, b.Start(context.Background()))
	return b
}

func TestEchoRepliesWithPromptText(t *testing.T) {
	b := startedEcho(t)

	h, err := b.ExecuteTask(context.Background(), Task{JobID: "job-1", Prompt: "hello fleet"})
	require.NoError(t, err)

	evts, res, err := drainHandle(t, h)
	require.NoError(t, err)

	require.Len(t, evts, 3)
	assert.Equal(t, &TextEvent{Text: "echo: hello fleet"}, evts[0])
	require.IsType(t, &UsageEvent{}, evts[1])
	require.IsType(t, &CompleteEvent{}, evts[2])

	assert.Equal(t, ResultStatusCompleted, res.Status)
	assert.Equal(t, "echo: hello fleet", res.Stdout)
	assert.Positive(t, res.InputTokens)
	assert.Positive(t, res.OutputTokens)
}

func TestEchoEmptyPromptRepliesOK(t *testing.T) {
	b := startedEcho(t)

	h, err := b.ExecuteTask(context.Background(), Task{})
	require.NoError(t, err)

	_, res, err := drainHandle(t, h)
	require.NoError(t, err)
	assert.Equal(t, "echo: ok", res.Stdout)
}

func TestEchoRequiresStart(t *testing.T) {
	b := NewEcho(EchoConfig{})

	_, err := b.ExecuteTask(context.Background(), Task{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, errclass.Permanent, errclass.ClassOf(err))
}

func TestEchoFailDirective(t *testing.T) {
	b := startedEcho(t)

	cases := []struct {
		prompt string
		class  errclass.Class
	}{
		{"!fail transient", errclass.Transient},
		{"!fail permanent", errclass.Permanent},
		{"!fail resource", errclass.Resource},
		{"!fail", errclass.Transient},
		{"!fail nonsense", errclass.Transient},
	}
	for _, tc := range cases {
		h, err := b.ExecuteTask(context.Background(), Task{Prompt: tc.prompt})
		require.NoError(t, err, tc.prompt)

		_, res, err := drainHandle(t, h)
		require.Error(t, err, tc.prompt)
		assert.Equal(t, tc.class, errclass.ClassOf(err), tc.prompt)
		assert.Equal(t, ResultStatusFailed, res.Status, tc.prompt)
		assert.Equal(t, "scripted failure", res.Summary, tc.prompt)
	}
}

func TestEchoToolDirective(t *testing.T) {
	b := startedEcho(t)

	h, err := b.ExecuteTask(context.Background(), Task{
		Prompt: "!tool fetch_runbook {\"name\":\"disk-full\"}\nand then reply",
	})
	require.NoError(t, err)

	evts, res, err := drainHandle(t, h)
	require.NoError(t, err)

	require.Len(t, evts, 5)
	call, ok := evts[0].(*ToolCallEvent)
	require.True(t, ok)
	assert.NotEmpty(t, call.CallID)
	assert.Equal(t, "fetch_runbook", call.Name)
	assert.JSONEq(t, `{"name":"disk-full"}`, string(call.Input))

	result, ok := evts[1].(*ToolResultEvent)
	require.True(t, ok)
	assert.Equal(t, call.CallID, result.CallID)
	assert.False(t, result.IsError)

	assert.Equal(t, &TextEvent{Text: "echo: and then reply"}, evts[2])
	require.IsType(t, &UsageEvent{}, evts[3])
	require.IsType(t, &CompleteEvent{}, evts[4])

	assert.Equal(t, "echo: and then reply", res.Stdout)
}

func TestEchoResumeSkipsApprovedToolCall(t *testing.T) {
	b := startedEcho(t)

	h, err := b.ExecuteTask(context.Background(), Task{
		Prompt:        "!tool deploy {\"env\":\"prod\"}\ndone",
		ResumePayload: []byte(`{"callId":"call-1","name":"deploy","input":{"env":"prod"}}`),
	})
	require.NoError(t, err)

	evts, res, err := drainHandle(t, h)
	require.NoError(t, err)

	// The approved call runs without a fresh ToolCallEvent, so a resumed
	// job does not park on the same approval again.
	require.Len(t, evts, 4)
	result, ok := evts[0].(*ToolResultEvent)
	require.True(t, ok)
	assert.Equal(t, "deploy", result.Name)
	assert.False(t, result.IsError)
	assert.Equal(t, &TextEvent{Text: "echo: done"}, evts[1])

	assert.Equal(t, "echo: done", res.Stdout)
}

func TestEchoResumeSkipsOnlyFirstMatch(t *testing.T) {
	b := startedEcho(t)

	h, err := b.ExecuteTask(context.Background(), Task{
		Prompt:        "!tool deploy {}\n!tool deploy {}",
		ResumePayload: []byte(`{"name":"deploy"}`),
	})
	require.NoError(t, err)

	evts, _, err := drainHandle(t, h)
	require.NoError(t, err)

	var calls int
	for _, e := range evts {
		if _, ok := e.(*ToolCallEvent); ok {
			calls++
		}
	}
	assert.Equal(t, 1, calls, "second directive announces a fresh call")
}

func TestEchoWaitConsumesSteer(t *testing.T) {
	b := startedEcho(t)

	steer := make(chan models.SteerMessage, 1)
	steer <- models.SteerMessage{Message: "speed up"}

	h, err := b.ExecuteTask(context.Background(), Task{
		Prompt: "!wait 100ms\nbase reply",
		Steer:  steer,
	})
	require.NoError(t, err)

	evts, res, err := drainHandle(t, h)
	require.NoError(t, err)

	require.Len(t, evts, 4)
	assert.Equal(t, &TextEvent{Text: "steered: speed up"}, evts[0])
	assert.Equal(t, &TextEvent{Text: "echo: base reply"}, evts[1])
	require.IsType(t, &UsageEvent{}, evts[2])
	require.IsType(t, &CompleteEvent{}, evts[3])

	assert.Equal(t, "echo: base reply\nsteered: speed up", res.Stdout)
}

func TestEchoCancelDuringWait(t *testing.T) {
	b := startedEcho(t)

	h, err := b.ExecuteTask(context.Background(), Task{Prompt: "!wait 10s"})
	require.NoError(t, err)

	h.Cancel("operator request")

	evts, res, err := drainHandle(t, h)
	require.NoError(t, err)
	assert.Equal(t, ResultStatusCancelled, res.Status)
	assert.Equal(t, "operator request", res.Summary)
	require.Len(t, evts, 1)
	assert.IsType(t, &CompleteEvent{}, evts[0])
}

func TestEchoStopCancelsInFlight(t *testing.T) {
	b := startedEcho(t)

	h, err := b.ExecuteTask(context.Background(), Task{Prompt: "!wait 10s"})
	require.NoError(t, err)

	require.NoError(t, b.Stop(context.Background()))

	_, res, err := drainHandle(t, h)
	require.NoError(t, err)
	assert.Equal(t, ResultStatusCancelled, res.Status)
	assert.Equal(t, "shutting down", res.Summary)

	_, err = b.ExecuteTask(context.Background(), Task{Prompt: "hi"})
	require.Error(t, err)
}

func TestEchoHealthFollowsLifecycle(t *testing.T) {
	b := NewEcho(EchoConfig{})

	st, err := b.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Healthy)
	assert.Equal(t, "stopped", st.Detail)

	require.NoError(t, b.Start(context.Background()))
	st, err = b.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Healthy)
}

func TestFilterEnv(t *testing.T) {
	got := FilterEnv(map[string]string{
		"PATH":       "/usr/bin",
		"HOME":       "/home/agent",
		"AWS_SECRET": "hunter2",
		"LD_PRELOAD": "/tmp/evil.so",
	})
	assert.Equal(t, map[string]string{"PATH": "/usr/bin", "HOME": "/home/agent"}, got)

	assert.Nil(t, FilterEnv(nil))
	assert.Nil(t, FilterEnv(map[string]string{"AWS_SECRET": "hunter2"}))
}

func TestEchoCapabilities(t *testing.T) {
	caps := NewEcho(EchoConfig{}).Capabilities()
	assert.True(t, caps.Streaming)
	assert.True(t, caps.Cancellation)
	assert.True(t, caps.Shell)
	assert.True(t, caps.FileEdit)
	assert.True(t, caps.SupportsGoalType("research"))
	assert.True(t, caps.SupportsGoalType("remediation"))
}

func TestEchoStepDelayHonorsContext(t *testing.T) {
	b := NewEcho(EchoConfig{StepDelay: 10 * time.Second})
	require.NoError(t, b.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	h, err := b.ExecuteTask(ctx, Task{Prompt: "slow line"})
	require.NoError(t, err)
	cancel()

	_, res, err := drainHandle(t, h)
	require.Error(t, err)
	assert.Equal(t, ResultStatusFailed, res.Status)
}
