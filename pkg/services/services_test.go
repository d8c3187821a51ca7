package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/test/util"
)

// fakeRuntime scripts the lifecycle surface the agent service uses.
type fakeRuntime struct {
	state    lifecycle.AgentStatus
	stateErr error
	steerErr error
	steered  []models.SteerMessage
}

func (f *fakeRuntime) State(string) (lifecycle.AgentStatus, error) { return f.state, f.stateErr }

func (f *fakeRuntime) Steer(_ string, msg models.SteerMessage) error {
	if f.steerErr != nil {
		return f.steerErr
	}
	f.steered = append(f.steered, msg)
	return nil
}

func (f *fakeRuntime) Snapshot() []lifecycle.AgentStatus {
	return []lifecycle.AgentStatus{f.state}
}

func newServiceStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	pool := util.SetupTestPool(t)
	return store.New(pool), context.Background()
}

func seedAgent(t *testing.T, ctx context.Context, s *store.Store, slug string) *models.Agent {
	t.Helper()
	agent, err := s.CreateAgent(ctx, &models.Agent{
		Slug: slug,
		Role: "test assistant",
		ModelConfig: models.ModelConfig{
			Provider: "echo",
			Model:    "echo-1",
		},
	})
	require.NoError(t, err)
	return agent
}

func TestRegisterAgentDuplicateSlug(t *testing.T) {
	st, ctx := newServiceStore(t)
	svc := services.NewAgentService(st, nil)

	_, err := svc.RegisterAgent(ctx, &models.Agent{
		Slug:        "atlas",
		ModelConfig: models.ModelConfig{Provider: "echo"},
	})
	require.NoError(t, err)

	_, err = svc.RegisterAgent(ctx, &models.Agent{
		Slug:        "atlas",
		ModelConfig: models.ModelConfig{Provider: "echo"},
	})
	assert.ErrorIs(t, err, services.ErrAlreadyExists)
}

func TestRegisterAgentValidation(t *testing.T) {
	st, ctx := newServiceStore(t)
	svc := services.NewAgentService(st, nil)

	_, err := svc.RegisterAgent(ctx, &models.Agent{})
	assert.True(t, services.IsValidationError(err))

	_, err = svc.RegisterAgent(ctx, &models.Agent{Slug: "no-provider"})
	assert.True(t, services.IsValidationError(err))
}

func TestSteerHappyPath(t *testing.T) {
	st, ctx := newServiceStore(t)
	agent := seedAgent(t, ctx, st, "steer-ok")

	rt := &fakeRuntime{}
	svc := services.NewAgentService(st, rt)

	msg, err := svc.Steer(ctx, agent.ID, "focus on the logs", "")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.SteerPriorityNormal, msg.Priority)
	require.Len(t, rt.steered, 1)
	assert.Equal(t, "focus on the logs", rt.steered[0].Message)
}

func TestSteerWrongState(t *testing.T) {
	st, ctx := newServiceStore(t)
	agent := seedAgent(t, ctx, st, "steer-idle")

	rt := &fakeRuntime{steerErr: lifecycle.ErrInvalidState}
	svc := services.NewAgentService(st, rt)

	_, err := svc.Steer(ctx, agent.ID, "anything", models.SteerPriorityNormal)
	assert.ErrorIs(t, err, services.ErrWrongState)
}

func TestSteerUnknownAgent(t *testing.T) {
	st, ctx := newServiceStore(t)
	svc := services.NewAgentService(st, &fakeRuntime{})

	_, err := svc.Steer(ctx, "00000000-0000-0000-0000-000000000000", "hello", "")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestSteerInvalidPriority(t *testing.T) {
	st, ctx := newServiceStore(t)
	agent := seedAgent(t, ctx, st, "steer-prio")
	svc := services.NewAgentService(st, &fakeRuntime{})

	_, err := svc.Steer(ctx, agent.ID, "hello", "whenever")
	assert.True(t, services.IsValidationError(err))
}

func TestAgentStateScaledToZero(t *testing.T) {
	st, ctx := newServiceStore(t)
	agent := seedAgent(t, ctx, st, "state-cold")

	rt := &fakeRuntime{stateErr: lifecycle.ErrUnknownAgent}
	svc := services.NewAgentService(st, rt)

	status, err := svc.AgentState(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateTerminated, status.State)
}

func TestSessionMessagesAndDelete(t *testing.T) {
	st, ctx := newServiceStore(t)
	agent := seedAgent(t, ctx, st, "session-svc")

	session, err := st.FindOrCreateActiveSession(ctx, agent.ID, "u1", "websocket:100")
	require.NoError(t, err)
	for _, m := range []struct{ role, content string }{
		{models.RoleUser, "hello"},
		{models.RoleAssistant, "hi there"},
	} {
		_, err := st.AppendMessage(ctx, &models.SessionMessage{
			SessionID: session.ID, Role: m.role, Content: m.content,
		})
		require.NoError(t, err)
	}

	svc := services.NewSessionService(st)

	messages, err := svc.ListMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "hi there", messages[1].Content)

	require.NoError(t, svc.DeleteSession(ctx, session.ID))

	_, err = svc.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	err = svc.DeleteSession(ctx, session.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestListAgentSessions(t *testing.T) {
	st, ctx := newServiceStore(t)
	agent := seedAgent(t, ctx, st, "session-list")

	_, err := st.FindOrCreateActiveSession(ctx, agent.ID, "u1", "websocket:1")
	require.NoError(t, err)
	_, err = st.FindOrCreateActiveSession(ctx, agent.ID, "u2", "websocket:2")
	require.NoError(t, err)

	svc := services.NewSessionService(st)
	sessions, err := svc.ListAgentSessions(ctx, agent.ID, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestSubmitJobChecksAgent(t *testing.T) {
	st, ctx := newServiceStore(t)
	agent := seedAgent(t, ctx, st, "job-svc")
	svc := services.NewJobService(st)

	job, err := svc.SubmitJob(ctx, &models.Job{
		AgentID: agent.ID,
		Payload: models.JobPayload{Type: models.JobTypeGoal, Prompt: "summarize"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusScheduled, job.Status)

	loaded, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)

	// Deactivated agents accept no new jobs.
	require.NoError(t, st.DeactivateAgent(ctx, agent.ID))
	_, err = svc.SubmitJob(ctx, &models.Job{
		AgentID: agent.ID,
		Payload: models.JobPayload{Type: models.JobTypeGoal},
	})
	assert.ErrorIs(t, err, services.ErrAgentInactive)
}
