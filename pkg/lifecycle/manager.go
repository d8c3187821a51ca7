package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Manager
// ────────────────────────────────────────────────────────────

// Manager tracks every active agent. It is safe for concurrent use; all
// per-agent work is linearized behind the agent's own lock.
type Manager struct {
	cfg    Config
	src    Sources
	pub    *events.Publisher
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu     sync.Mutex
	agents map[string]*agentRun
	crash  map[string]*crashTracker

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// agentRun is one agent's live state. All fields below mu are guarded by it.
type agentRun struct {
	id string

	mu            sync.Mutex
	state         State
	jobID         string
	steerCh       chan models.SteerMessage
	hydration     *Hydration
	unhealthy     bool
	bootedAt      time.Time
	lastActivity  time.Time
	lastHeartbeat time.Time
}

// AgentStatus is a point-in-time view of one agent, served by the API.
type AgentStatus struct {
	AgentID       string    `json:"agentId"`
	State         State     `json:"state"`
	JobID         string    `json:"jobId,omitempty"`
	Unhealthy     bool      `json:"unhealthy,omitempty"`
	BootedAt      time.Time `json:"bootedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CrashCount    int       `json:"crashCount,omitempty"`
}

// New creates a Manager. pub may be nil (no events are published); logger
// nil falls back to the default logger.
func New(cfg Config, src Sources, pub *events.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		src:    src,
		pub:    pub,
		logger: logger,
		now:    time.Now,
		agents: make(map[string]*agentRun),
		crash:  make(map[string]*crashTracker),
		stopCh: make(chan struct{}),
	}
}

// Start launches the idle and heartbeat monitors.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.monitorLoop()
}

// Shutdown stops the monitors and drains every active agent. Schedulers
// observe the DRAINING events and cancel in-flight handles.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	for _, run := range m.snapshotRuns() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := m.Drain(run.id, "shutdown"); err != nil {
			// BOOTING and HYDRATING agents cannot drain; terminate directly.
			_, _, _ = m.terminate(run.id, "shutdown")
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Transitions
// ────────────────────────────────────────────────────────────

// Boot registers an agent in BOOTING. Rejected while the crash-loop gate
// is closed or when the agent is already active.
func (m *Manager) Boot(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: empty agent id", ErrInvalidState)
	}
	now := m.now()

	m.mu.Lock()
	if tr := m.crash[agentID]; tr != nil {
		if wait := tr.remaining(now); wait > 0 {
			m.mu.Unlock()
			return fmt.Errorf("%w: agent %s for another %s", ErrInCooldown, agentID, wait.Round(time.Second))
		}
	}
	if existing, ok := m.agents[agentID]; ok {
		existing.mu.Lock()
		state := existing.state
		existing.mu.Unlock()
		m.mu.Unlock()
		return fmt.Errorf("%w: agent %s is already %s", ErrInvalidState, agentID, state)
	}
	run := &agentRun{
		id:            agentID,
		state:         StateBooting,
		bootedAt:      now,
		lastActivity:  now,
		lastHeartbeat: now,
	}
	m.agents[agentID] = run
	m.mu.Unlock()

	m.emit(agentID, string(StateBooting), "", "boot", "")
	return nil
}

// Hydrate moves a BOOTING agent through HYDRATING to READY, loading
// everything the first turn needs. A hydration failure crashes the agent
// so repeated failures hit the cooldown gate.
func (m *Manager) Hydrate(ctx context.Context, agentID, jobID string) (*Hydration, error) {
	run, err := m.run(agentID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	if !canTransition(run.state, StateHydrating) {
		cur := run.state
		run.mu.Unlock()
		return nil, m.invalid(agentID, cur, StateHydrating)
	}
	prev := run.state
	run.state = StateHydrating
	run.jobID = jobID
	run.lastActivity = m.now()
	run.mu.Unlock()
	m.emit(agentID, string(StateHydrating), string(prev), "hydrate", jobID)

	hyd, err := m.hydrate(ctx, agentID, jobID)
	if err != nil {
		_ = m.Crash(agentID, "hydration_failed")
		return nil, err
	}

	run.mu.Lock()
	if run.state != StateHydrating {
		cur := run.state
		run.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s moved to %s during hydration", ErrInvalidState, agentID, cur)
	}
	run.state = StateReady
	run.hydration = hyd
	run.lastActivity = m.now()
	run.mu.Unlock()
	m.emit(agentID, string(StateReady), string(StateHydrating), "hydrated", jobID)

	return hyd, nil
}

// BeginExecution moves READY to EXECUTING and returns the steer channel
// the backend observes for this job. The channel closes when execution
// ends.
func (m *Manager) BeginExecution(agentID, jobID string) (<-chan models.SteerMessage, error) {
	run, err := m.run(agentID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	if !canTransition(run.state, StateExecuting) {
		cur := run.state
		run.mu.Unlock()
		return nil, m.invalid(agentID, cur, StateExecuting)
	}
	prev := run.state
	now := m.now()
	run.state = StateExecuting
	run.jobID = jobID
	run.steerCh = make(chan models.SteerMessage, m.cfg.SteerBuffer)
	run.lastActivity = now
	run.lastHeartbeat = now
	run.unhealthy = false
	steer := run.steerCh
	run.mu.Unlock()

	m.emit(agentID, string(StateExecuting), string(prev), "execute", jobID)
	return steer, nil
}

// Release returns an EXECUTING agent to READY once its job ends.
func (m *Manager) Release(agentID string) error {
	run, err := m.run(agentID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.state != StateExecuting {
		cur := run.state
		run.mu.Unlock()
		return m.invalid(agentID, cur, StateReady)
	}
	jobID := run.jobID
	run.state = StateReady
	run.jobID = ""
	if run.steerCh != nil {
		close(run.steerCh)
		run.steerCh = nil
	}
	run.lastActivity = m.now()
	run.mu.Unlock()

	m.emit(agentID, string(StateReady), string(StateExecuting), "job_complete", jobID)
	return nil
}

// Drain takes an agent out of service: READY or EXECUTING through DRAINING
// to TERMINATED. For an EXECUTING agent the scheduler observes the DRAINING
// event and cancels the in-flight handle.
func (m *Manager) Drain(agentID, reason string) error {
	run, err := m.run(agentID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if !canTransition(run.state, StateDraining) {
		cur := run.state
		run.mu.Unlock()
		return m.invalid(agentID, cur, StateDraining)
	}
	prev := run.state
	jobID := run.jobID
	run.state = StateDraining
	if run.steerCh != nil {
		close(run.steerCh)
		run.steerCh = nil
	}
	run.mu.Unlock()
	m.emit(agentID, string(StateDraining), string(prev), reason, jobID)

	if _, _, err := m.terminate(agentID, reason); err != nil {
		// Crashed while draining; already terminated.
		return nil
	}
	return nil
}

// Crash terminates an agent from any non-terminal state and records the
// crash toward the cooldown window.
func (m *Manager) Crash(agentID, reason string) error {
	prev, jobID, err := m.terminate(agentID, reason)
	if err != nil {
		return err
	}

	now := m.now()
	m.mu.Lock()
	tr := m.crash[agentID]
	if tr == nil {
		tr = newCrashTracker(m.cfg.CrashWindow, m.cfg.CooldownBase, m.cfg.CooldownMax)
		m.crash[agentID] = tr
	}
	cooldown := tr.record(now)
	crashes := tr.count(now)
	m.mu.Unlock()

	m.logger.Warn("Agent crashed",
		"agent_id", agentID,
		"previous_state", string(prev),
		"job_id", jobID,
		"reason", reason,
		"crashes_in_window", crashes,
		"cooldown", cooldown)
	return nil
}

// terminate moves any non-terminal agent to TERMINATED and removes it from
// the registry. Returns the state it left and the job it carried.
func (m *Manager) terminate(agentID, reason string) (State, string, error) {
	run, err := m.run(agentID)
	if err != nil {
		return "", "", err
	}

	run.mu.Lock()
	if run.state.Terminal() {
		run.mu.Unlock()
		return "", "", fmt.Errorf("%w: agent %s is already %s", ErrInvalidState, agentID, StateTerminated)
	}
	prev := run.state
	jobID := run.jobID
	run.state = StateTerminated
	run.jobID = ""
	if run.steerCh != nil {
		close(run.steerCh)
		run.steerCh = nil
	}
	run.mu.Unlock()

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.emit(agentID, string(StateTerminated), string(prev), reason, jobID)
	return prev, jobID, nil
}

// ────────────────────────────────────────────────────────────
// Steering, heartbeats, introspection
// ────────────────────────────────────────────────────────────

// Steer delivers an operator message to an EXECUTING agent. The backend
// injects it into the next model turn.
func (m *Manager) Steer(agentID string, msg models.SteerMessage) error {
	run, err := m.run(agentID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.state != StateExecuting || run.steerCh == nil {
		cur := run.state
		run.mu.Unlock()
		return fmt.Errorf("%w: steer requires %s, agent %s is %s", ErrInvalidState, StateExecuting, agentID, cur)
	}
	select {
	case run.steerCh <- msg:
	default:
		run.mu.Unlock()
		return fmt.Errorf("%w: agent %s", ErrSteerBacklog, agentID)
	}
	run.lastActivity = m.now()
	run.mu.Unlock()

	if m.pub != nil {
		m.pub.PublishSteerAccepted(events.SteerPayload{
			AgentID:        agentID,
			SteerMessageID: msg.ID,
			Priority:       string(msg.Priority),
		})
	}
	return nil
}

// Heartbeat records liveness, resets the idle timer, and clears any
// unhealthy mark.
func (m *Manager) Heartbeat(agentID string) error {
	run, err := m.run(agentID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.state.Terminal() {
		return fmt.Errorf("%w: agent %s is %s", ErrInvalidState, agentID, run.state)
	}
	now := m.now()
	run.lastHeartbeat = now
	run.lastActivity = now
	run.unhealthy = false
	return nil
}

// State returns the live status of one agent.
func (m *Manager) State(agentID string) (AgentStatus, error) {
	run, err := m.run(agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	st := m.status(run)

	m.mu.Lock()
	if tr := m.crash[agentID]; tr != nil {
		st.CrashCount = tr.count(m.now())
	}
	m.mu.Unlock()
	return st, nil
}

// Hydration returns the bring-up bundle of an active agent, reused by jobs
// that arrive while the agent stays warm.
func (m *Manager) Hydration(agentID string) (*Hydration, bool) {
	run, err := m.run(agentID)
	if err != nil {
		return nil, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.hydration, run.hydration != nil
}

// Snapshot lists every active agent, ordered by agent ID.
func (m *Manager) Snapshot() []AgentStatus {
	runs := m.snapshotRuns()
	out := make([]AgentStatus, 0, len(runs))
	for _, run := range runs {
		out = append(out, m.status(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ────────────────────────────────────────────────────────────
// Monitors
// ────────────────────────────────────────────────────────────

func (m *Manager) monitorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.healthSweep()
			m.idleSweep()
		}
	}
}

// healthSweep crash-terminates executing agents that missed their
// heartbeat budget, publishing an UNHEALTHY verdict first.
func (m *Manager) healthSweep() {
	budget := time.Duration(m.cfg.MissedHeartbeats) * m.cfg.HeartbeatInterval
	now := m.now()
	for _, run := range m.snapshotRuns() {
		run.mu.Lock()
		expired := run.state == StateExecuting && now.Sub(run.lastHeartbeat) >= budget
		prev := run.state
		jobID := run.jobID
		if expired {
			run.unhealthy = true
		}
		run.mu.Unlock()
		if !expired {
			continue
		}

		m.emit(run.id, HealthUnhealthy, string(prev), "missed_heartbeats", jobID)
		_ = m.Crash(run.id, "missed_heartbeats")
	}
}

// idleSweep drains READY agents whose activity timer expired.
func (m *Manager) idleSweep() {
	now := m.now()
	for _, run := range m.snapshotRuns() {
		run.mu.Lock()
		idle := run.state == StateReady && now.Sub(run.lastActivity) >= m.cfg.IdleTimeout
		run.mu.Unlock()
		if !idle {
			continue
		}
		if err := m.Drain(run.id, "idle_timeout"); err != nil {
			m.logger.Warn("Idle drain failed", "agent_id", run.id, "error", err)
		}
	}
}

// ────────────────────────────────────────────────────────────
// Internals
// ────────────────────────────────────────────────────────────

func (m *Manager) run(agentID string) (*agentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return run, nil
}

func (m *Manager) snapshotRuns() []*agentRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]*agentRun, 0, len(m.agents))
	for _, run := range m.agents {
		runs = append(runs, run)
	}
	return runs
}

func (m *Manager) status(run *agentRun) AgentStatus {
	run.mu.Lock()
	defer run.mu.Unlock()
	return AgentStatus{
		AgentID:       run.id,
		State:         run.state,
		JobID:         run.jobID,
		Unhealthy:     run.unhealthy,
		BootedAt:      run.bootedAt,
		LastActivity:  run.lastActivity,
		LastHeartbeat: run.lastHeartbeat,
	}
}

func (m *Manager) invalid(agentID string, from, to State) error {
	return fmt.Errorf("%w: agent %s cannot move from %s to %s", ErrInvalidState, agentID, from, to)
}

func (m *Manager) emit(agentID, state, previous, reason, jobID string) {
	if m.pub != nil {
		m.pub.PublishAgentState(events.AgentStatePayload{
			AgentID:  agentID,
			State:    state,
			Previous: previous,
			Reason:   reason,
			JobID:    jobID,
		})
	}
	m.logger.Debug("Agent state transition",
		"agent_id", agentID, "state", state, "previous", previous,
		"reason", reason, "job_id", jobID)
}
