package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/models"
)

// newTestManager wires a manager to a bus whose events are captured in
// order. Bus delivery is synchronous, so the slice is safe to read between
// calls.
func newTestManager(t *testing.T, cfg Config, src Sources) (*Manager, *[]events.Event) {
	t.Helper()
	bus := events.NewBus()
	captured := &[]events.Event{}
	bus.SubscribeAll(func(evt events.Event) { *captured = append(*captured, evt) })
	return New(cfg, src, events.NewPublisher(bus), nil), captured
}

func agentStates(captured []events.Event) []string {
	var out []string
	for _, evt := range captured {
		if evt.Type == events.EventTypeAgentState {
			out = append(out, evt.Payload.(events.AgentStatePayload).State)
		}
	}
	return out
}

func lastAgentState(t *testing.T, captured []events.Event) events.AgentStatePayload {
	t.Helper()
	for i := len(captured) - 1; i >= 0; i-- {
		if captured[i].Type == events.EventTypeAgentState {
			return captured[i].Payload.(events.AgentStatePayload)
		}
	}
	t.Fatal("no agent:state event captured")
	return events.AgentStatePayload{}
}

// bringToReady boots and hydrates one agent.
func bringToReady(t *testing.T, m *Manager, agentID, jobID string) {
	t.Helper()
	require.NoError(t, m.Boot(agentID))
	_, err := m.Hydrate(context.Background(), agentID, jobID)
	require.NoError(t, err)
}

func TestBootHydrateExecuteReleaseFlow(t *testing.T) {
	m, captured := newTestManager(t, Config{}, happySources())

	require.NoError(t, m.Boot("ag-1"))
	st, err := m.State("ag-1")
	require.NoError(t, err)
	assert.Equal(t, StateBooting, st.State)

	hyd, err := m.Hydrate(context.Background(), "ag-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, hyd.Agent)

	steer, err := m.BeginExecution("ag-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, steer)

	st, err = m.State("ag-1")
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, st.State)
	assert.Equal(t, "job-1", st.JobID)

	require.NoError(t, m.Steer("ag-1", models.SteerMessage{ID: "st-1", Message: "focus on the db", Priority: models.SteerPriorityNormal}))
	msg := <-steer
	assert.Equal(t, "focus on the db", msg.Message)

	require.NoError(t, m.Release("ag-1"))
	st, err = m.State("ag-1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)
	assert.Empty(t, st.JobID)

	// Release closes the steer channel.
	_, open := <-steer
	assert.False(t, open)

	assert.Equal(t, []string{
		string(StateBooting),
		string(StateHydrating),
		string(StateReady),
		string(StateExecuting),
		string(StateReady),
	}, agentStates(*captured))

	last := lastAgentState(t, *captured)
	assert.Equal(t, "job_complete", last.Reason)
	assert.Equal(t, string(StateExecuting), last.Previous)
}

func TestBootRejectsActiveAgent(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())

	require.NoError(t, m.Boot("ag-1"))
	err := m.Boot("ag-1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBootRejectsEmptyID(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())
	require.ErrorIs(t, m.Boot(""), ErrInvalidState)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())
	ctx := context.Background()

	// Nothing works on an unknown agent.
	_, err := m.Hydrate(ctx, "ghost", "job-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = m.BeginExecution("ghost", "job-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.ErrorIs(t, m.Release("ghost"), ErrUnknownAgent)
	assert.ErrorIs(t, m.Drain("ghost", "x"), ErrUnknownAgent)
	assert.ErrorIs(t, m.Crash("ghost", "x"), ErrUnknownAgent)
	assert.ErrorIs(t, m.Heartbeat("ghost"), ErrUnknownAgent)

	// BOOTING cannot execute, release, or drain.
	require.NoError(t, m.Boot("ag-1"))
	_, err = m.BeginExecution("ag-1", "job-1")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, m.Release("ag-1"), ErrInvalidState)
	assert.ErrorIs(t, m.Drain("ag-1", "x"), ErrInvalidState)

	// READY cannot hydrate twice or release.
	_, err = m.Hydrate(ctx, "ag-1", "job-1")
	require.NoError(t, err)
	_, err = m.Hydrate(ctx, "ag-1", "job-2")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, m.Release("ag-1"), ErrInvalidState)

	// EXECUTING cannot begin again.
	_, err = m.BeginExecution("ag-1", "job-1")
	require.NoError(t, err)
	_, err = m.BeginExecution("ag-1", "job-2")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSteerRequiresExecuting(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())
	bringToReady(t, m, "ag-1", "job-1")

	err := m.Steer("ag-1", models.SteerMessage{ID: "st-1", Message: "hi"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSteerBacklogBounded(t *testing.T) {
	m, captured := newTestManager(t, Config{SteerBuffer: 2}, happySources())
	bringToReady(t, m, "ag-1", "job-1")
	_, err := m.BeginExecution("ag-1", "job-1")
	require.NoError(t, err)

	require.NoError(t, m.Steer("ag-1", models.SteerMessage{ID: "st-1", Message: "a", Priority: models.SteerPriorityNormal}))
	require.NoError(t, m.Steer("ag-1", models.SteerMessage{ID: "st-2", Message: "b", Priority: models.SteerPriorityUrgent}))
	err = m.Steer("ag-1", models.SteerMessage{ID: "st-3", Message: "c"})
	require.ErrorIs(t, err, ErrSteerBacklog)

	var accepted []events.SteerPayload
	for _, evt := range *captured {
		if evt.Type == events.EventTypeSteerAccepted {
			accepted = append(accepted, evt.Payload.(events.SteerPayload))
		}
	}
	require.Len(t, accepted, 2)
	assert.Equal(t, "st-1", accepted[0].SteerMessageID)
	assert.Equal(t, "urgent", accepted[1].Priority)
}

func TestHydrationFailureCrashesAndGatesReboot(t *testing.T) {
	src := happySources()
	src.Agents = &stubAgents{err: errors.New("agent store down")}
	m, captured := newTestManager(t, Config{}, src)

	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Boot("ag-1"))
	_, err := m.Hydrate(context.Background(), "ag-1", "job-1")
	require.ErrorContains(t, err, "load agent")

	// The crash removed the agent and closed the boot gate.
	_, err = m.State("ag-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.ErrorIs(t, m.Boot("ag-1"), ErrInCooldown)

	last := lastAgentState(t, *captured)
	assert.Equal(t, string(StateTerminated), last.State)
	assert.Equal(t, "hydration_failed", last.Reason)

	// Past the cooldown the agent may boot again.
	now = now.Add(61 * time.Second)
	assert.NoError(t, m.Boot("ag-1"))
}

func TestCrashCooldownDoubles(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Boot("ag-1"))
	require.NoError(t, m.Crash("ag-1", "backend lost"))
	assert.ErrorIs(t, m.Boot("ag-1"), ErrInCooldown)

	// First cooldown is the 60s base.
	now = now.Add(61 * time.Second)
	require.NoError(t, m.Boot("ag-1"))
	require.NoError(t, m.Crash("ag-1", "backend lost"))

	// Second crash inside the window doubles to 2m.
	now = now.Add(61 * time.Second)
	assert.ErrorIs(t, m.Boot("ag-1"), ErrInCooldown)
	now = now.Add(60 * time.Second)
	assert.NoError(t, m.Boot("ag-1"))
}

func TestCrashFromAnyNonTerminalState(t *testing.T) {
	m, captured := newTestManager(t, Config{}, happySources())

	require.NoError(t, m.Boot("ag-1"))
	require.NoError(t, m.Crash("ag-1", "process exited"))

	last := lastAgentState(t, *captured)
	assert.Equal(t, string(StateTerminated), last.State)
	assert.Equal(t, string(StateBooting), last.Previous)
	assert.Equal(t, "process exited", last.Reason)

	assert.ErrorIs(t, m.Crash("ag-1", "again"), ErrUnknownAgent)
}

func TestDrainEmitsBothTransitions(t *testing.T) {
	m, captured := newTestManager(t, Config{}, happySources())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	bringToReady(t, m, "ag-1", "job-1")
	require.NoError(t, m.Drain("ag-1", "operator request"))

	states := agentStates(*captured)
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, string(StateDraining), states[len(states)-2])
	assert.Equal(t, string(StateTerminated), states[len(states)-1])

	_, err := m.State("ag-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	// Draining is graceful; the boot gate stays open.
	assert.NoError(t, m.Boot("ag-1"))
}

func TestDrainCancelsExecutingAgentSteerChannel(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())
	bringToReady(t, m, "ag-1", "job-1")
	steer, err := m.BeginExecution("ag-1", "job-1")
	require.NoError(t, err)

	require.NoError(t, m.Drain("ag-1", "scale down"))
	_, open := <-steer
	assert.False(t, open)
}

func TestHealthSweepCrashesSilentAgent(t *testing.T) {
	cfg := Config{HeartbeatInterval: 15 * time.Second, MissedHeartbeats: 3}
	m, captured := newTestManager(t, cfg, happySources())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	bringToReady(t, m, "ag-1", "job-1")
	_, err := m.BeginExecution("ag-1", "job-1")
	require.NoError(t, err)

	// Two intervals of silence is within budget.
	now = now.Add(30 * time.Second)
	m.healthSweep()
	st, err := m.State("ag-1")
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, st.State)

	// A heartbeat resets the budget.
	require.NoError(t, m.Heartbeat("ag-1"))
	now = now.Add(30 * time.Second)
	m.healthSweep()
	_, err = m.State("ag-1")
	require.NoError(t, err)

	// Three missed intervals crash the agent, with an UNHEALTHY verdict first.
	now = now.Add(15 * time.Second)
	m.healthSweep()
	_, err = m.State("ag-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	states := agentStates(*captured)
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, HealthUnhealthy, states[len(states)-2])
	assert.Equal(t, string(StateTerminated), states[len(states)-1])
	assert.Equal(t, "missed_heartbeats", lastAgentState(t, *captured).Reason)

	// Heartbeat crashes count toward the cooldown gate.
	assert.ErrorIs(t, m.Boot("ag-1"), ErrInCooldown)
}

func TestIdleSweepDrainsOnlyReadyAgents(t *testing.T) {
	cfg := Config{IdleTimeout: 30 * time.Minute}
	m, captured := newTestManager(t, cfg, happySources())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	bringToReady(t, m, "idle-agent", "job-1")
	bringToReady(t, m, "busy-agent", "job-2")
	_, err := m.BeginExecution("busy-agent", "job-2")
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)
	m.idleSweep()

	_, err = m.State("idle-agent")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	st, err := m.State("busy-agent")
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, st.State)

	last := lastAgentState(t, *captured)
	assert.Equal(t, "idle_timeout", last.Reason)

	// Idle drain is graceful, not a crash.
	assert.NoError(t, m.Boot("idle-agent"))
}

func TestHeartbeatResetsIdleTimer(t *testing.T) {
	cfg := Config{IdleTimeout: 30 * time.Minute}
	m, _ := newTestManager(t, cfg, happySources())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	bringToReady(t, m, "ag-1", "job-1")

	now = now.Add(29 * time.Minute)
	require.NoError(t, m.Heartbeat("ag-1"))

	now = now.Add(2 * time.Minute)
	m.idleSweep()
	st, err := m.State("ag-1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)

	now = now.Add(31 * time.Minute)
	m.idleSweep()
	_, err = m.State("ag-1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestStateReportsCrashCount(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Boot("ag-1"))
	require.NoError(t, m.Crash("ag-1", "oops"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, m.Boot("ag-1"))
	st, err := m.State("ag-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CrashCount)
	assert.Equal(t, StateBooting, st.State)
}

func TestSnapshotSortedByAgentID(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())

	require.NoError(t, m.Boot("bravo"))
	require.NoError(t, m.Boot("alpha"))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].AgentID)
	assert.Equal(t, "bravo", snap[1].AgentID)
}

func TestHydrationCachedForWarmAgent(t *testing.T) {
	m, _ := newTestManager(t, Config{}, happySources())
	bringToReady(t, m, "ag-1", "job-1")

	hyd, ok := m.Hydration("ag-1")
	require.True(t, ok)
	assert.Equal(t, "triage-bot", hyd.Agent.Slug)

	_, ok = m.Hydration("ghost")
	assert.False(t, ok)
}

func TestShutdownDrainsEverything(t *testing.T) {
	m, captured := newTestManager(t, Config{MonitorInterval: time.Hour}, happySources())
	m.Start()

	bringToReady(t, m, "warm", "job-1")
	require.NoError(t, m.Boot("cold"))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Empty(t, m.Snapshot())

	// Every agent ends TERMINATED, including the one that could not drain.
	terminated := map[string]bool{}
	for _, evt := range *captured {
		if evt.Type != events.EventTypeAgentState {
			continue
		}
		p := evt.Payload.(events.AgentStatePayload)
		if p.State == string(StateTerminated) {
			terminated[p.AgentID] = true
			assert.Equal(t, "shutdown", p.Reason)
		}
	}
	assert.True(t, terminated["warm"])
	assert.True(t, terminated["cold"])
}

func TestManagerWithoutPublisher(t *testing.T) {
	m := New(Config{}, happySources(), nil, nil)

	require.NoError(t, m.Boot("ag-1"))
	_, err := m.Hydrate(context.Background(), "ag-1", "job-1")
	require.NoError(t, err)
	require.NoError(t, m.Drain("ag-1", "done"))
}
