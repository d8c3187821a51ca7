package e2e

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/backend"
	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/router"
)

// flakyBackend fails the first N executions with a transient error, then
// behaves like the echo backend.
type flakyBackend struct {
	*backend.Echo

	mu         sync.Mutex
	failures   int
	executions int
}

func newFlakyBackend(failures int) *flakyBackend {
	return &flakyBackend{Echo: backend.NewEcho(backend.EchoConfig{}), failures: failures}
}

func (f *flakyBackend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	f.mu.Lock()
	f.executions++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errclass.New(errclass.Transient, errors.New("provider unavailable"))
	}
	f.mu.Unlock()
	return f.Echo.ExecuteTask(ctx, task)
}

func (f *flakyBackend) executionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions
}

func providerState(snapshot []router.ProviderStatus, id string) string {
	for _, p := range snapshot {
		if p.ID == id {
			return p.State
		}
	}
	return ""
}

func TestFailoverToSecondaryProvider(t *testing.T) {
	// The primary never recovers; its breaker opens on the first failure
	// and the retry lands on the echo fallback.
	primary := newFlakyBackend(1_000_000)
	app := NewTestApp(t, WithProviders(
		router.Provider{
			ID:       "primary",
			Backend:  primary,
			Priority: 1,
			Breaker:  router.BreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute},
		},
		router.Provider{
			ID:       "fallback",
			Backend:  backend.NewEcho(backend.EchoConfig{}),
			Priority: 100,
		},
	))
	agent := app.SeedAgent(t, "failover-bot")
	app.BindChat(t, "chat-f1", agent.ID)

	streamURL := app.BaseURL + "/api/v1/agents/" + agent.ID + "/stream"
	streamCtx, streamCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer streamCancel()
	done := collectSSE(streamCtx, streamURL, "", untilName("route_failover"))
	time.Sleep(100 * time.Millisecond)

	app.SendChat("chat-f1", "user-1", "still with me?")

	replies := app.WaitForReplies(t, "chat-f1", 1)
	assert.Equal(t, "echo: still with me?", replies[0].Text)

	assert.Equal(t, "OPEN", providerState(app.Router.Snapshot(), "primary"))
	assert.Equal(t, "CLOSED", providerState(app.Router.Snapshot(), "fallback"))
	assert.Equal(t, 1, primary.executionCount(), "breaker kept retries off the primary")

	// The retry that lands on the fallback announces the failover to
	// stream subscribers.
	res := <-done
	require.NoError(t, res.err)
	failover := res.events[len(res.events)-1]
	assert.Equal(t, "route_failover", failover.Name)
	assert.Contains(t, failover.Data, `"fallback"`)
	assert.Contains(t, eventNames(res.events), "route_skipped")
}

func TestBreakerClosesAfterRecovery(t *testing.T) {
	// The primary fails twice, opening its breaker, then recovers. Once
	// the open window lapses a probe succeeds and the breaker closes.
	primary := newFlakyBackend(2)
	app := NewTestApp(t, WithProviders(
		router.Provider{
			ID:       "primary",
			Backend:  primary,
			Priority: 1,
			Breaker: router.BreakerConfig{
				FailureThreshold:        2,
				OpenDuration:            150 * time.Millisecond,
				SuccessThresholdToClose: 1,
			},
		},
		router.Provider{
			ID:       "fallback",
			Backend:  backend.NewEcho(backend.EchoConfig{}),
			Priority: 100,
		},
	))
	agent := app.SeedAgent(t, "recovery-bot")
	app.BindChat(t, "chat-f2", agent.ID)

	app.SendChat("chat-f2", "user-1", "first")
	app.WaitForReplies(t, "chat-f2", 1)
	require.Equal(t, "OPEN", providerState(app.Router.Snapshot(), "primary"))

	// Past the open window a new task probes the recovered primary.
	time.Sleep(200 * time.Millisecond)
	before := primary.executionCount()
	app.SendChat("chat-f2", "user-1", "second")
	replies := app.WaitForReplies(t, "chat-f2", 2)
	assert.Equal(t, "echo: second", replies[1].Text)

	assert.Equal(t, "CLOSED", providerState(app.Router.Snapshot(), "primary"))
	assert.Greater(t, primary.executionCount(), before, "probe reached the primary")
}
