package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/approval"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/secrets"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/stream"
	"github.com/droverhq/drover/test/util"
)

// stubRuntime scripts the lifecycle surface behind the agent endpoints.
type stubRuntime struct {
	state    lifecycle.AgentStatus
	stateErr error
	steerErr error
}

func (f *stubRuntime) State(string) (lifecycle.AgentStatus, error) { return f.state, f.stateErr }
func (f *stubRuntime) Steer(string, models.SteerMessage) error     { return f.steerErr }
func (f *stubRuntime) Snapshot() []lifecycle.AgentStatus {
	return []lifecycle.AgentStatus{f.state}
}

type apiFixture struct {
	st      *store.Store
	runtime *stubRuntime
	server  *api.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	pool := util.SetupTestPool(t)
	st := store.New(pool)
	runtime := &stubRuntime{state: lifecycle.AgentStatus{State: lifecycle.StateExecuting}}

	keyring, err := secrets.NewKeyring(bytes.Repeat([]byte{0x42}, secrets.KeySize), secrets.NewMemoryKeyStore())
	require.NoError(t, err)
	gate := approval.New(st, keyring, nil, nil, approval.Config{}, nil)

	streams := stream.NewManager(stream.Config{})
	t.Cleanup(streams.Shutdown)

	server := api.NewServer(
		&config.ServerConfig{},
		database.NewClientFromPool(pool),
		services.NewAgentService(st, runtime),
		services.NewSessionService(st),
		services.NewJobService(st),
		gate,
		streams,
	)
	return &apiFixture{st: st, runtime: runtime, server: server}
}

func (f *apiFixture) seedAgent(t *testing.T, slug string) *models.Agent {
	t.Helper()
	agent, err := f.st.CreateAgent(context.Background(), &models.Agent{
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

func (f *apiFixture) seedRunningJob(t *testing.T, agentID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	_, err := f.st.CreateJob(ctx, &models.Job{
		AgentID: agentID,
		Status:  models.JobStatusScheduled,
		Payload: models.JobPayload{Type: models.JobTypeChatResponse, Prompt: "hello"},
	})
	require.NoError(t, err)
	job, err := f.st.ClaimNextJob(ctx, "api-worker-0")
	require.NoError(t, err)
	return job
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSteerAccepted(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, "steer-agent")

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/steer",
		map[string]string{"message": "focus on the error logs"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	msg := decodeJSON[models.SteerMessage](t, rec)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, agent.ID, msg.AgentID)
	assert.Equal(t, models.SteerPriorityNormal, msg.Priority)
}

func TestSteerValidation(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, "steer-validation")

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/steer",
		map[string]string{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/steer",
		map[string]string{"message": "hi", "priority": "shouted"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSteerUnknownAgent(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/00000000-0000-0000-0000-000000000000/steer",
		map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSteerWrongState(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, "steer-idle")
	f.runtime.steerErr = lifecycle.ErrInvalidState

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/steer",
		map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAgentState(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, "state-agent")
	f.runtime.state = lifecycle.AgentStatus{AgentID: agent.ID, State: lifecycle.StateExecuting}

	rec := f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeJSON[lifecycle.AgentStatus](t, rec)
	assert.Equal(t, lifecycle.StateExecuting, status.State)
}

func TestSessionMessagesAndDelete(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, "session-agent")
	ctx := context.Background()

	session, err := f.st.FindOrCreateActiveSession(ctx, agent.ID, "user-1", "websocket:chat-1")
	require.NoError(t, err)
	_, err = f.st.AppendMessage(ctx, &models.SessionMessage{
		SessionID: session.ID, Role: "user", Content: "hello",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decodeJSON[[]models.SessionMessage](t, rec)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)

	rec = f.do(t, http.MethodDelete, "/api/v1/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID+"/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, "approval-agent")
	job := f.seedRunningJob(t, agent.ID)

	// Create the approval; the one-time token appears in this response only.
	rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/approval", map[string]any{
		"actionType":    "deploy",
		"actionSummary": "Deploy service v2",
		"riskLevel":     models.RiskHigh,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeJSON[api.CreateApprovalResponse](t, rec)
	require.NotNil(t, created.Approval)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, models.ApprovalStatusPending, created.Approval.Status)

	// The pending request is listed and readable.
	rec = f.do(t, http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeJSON[[]models.ApprovalRequest](t, rec)
	require.Len(t, pending, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/"+created.Approval.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Decide by token.
	rec = f.do(t, http.MethodPost, "/api/v1/approval/token/decide", map[string]string{
		"token":    created.Token,
		"decision": string(models.DecisionApproved),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeJSON[models.ApprovalRequest](t, rec)
	assert.Equal(t, models.ApprovalStatusApproved, decided.Status)

	// A second decision conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/approval/"+created.Approval.ID+"/decide", map[string]string{
		"decision": string(models.DecisionRejected),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The audit trail recorded the creation and the decision.
	rec = f.do(t, http.MethodGet, "/api/v1/approvals/"+created.Approval.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeJSON[[]models.ApprovalAudit](t, rec)
	assert.GreaterOrEqual(t, len(audit), 2)
}

func TestCreateApprovalBadDecisionAndMissingJob(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/00000000-0000-0000-0000-000000000000/approval",
		map[string]string{"actionType": "deploy"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approval/token/decide", map[string]string{
		"token":    "anything",
		"decision": "MAYBE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecideWithBogusToken(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, "bogus-token-agent")
	job := f.seedRunningJob(t, agent.ID)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/approval",
		map[string]string{"actionType": "deploy"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approval/token/decide", map[string]string{
		"token":    "not-the-token",
		"decision": string(models.DecisionApproved),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeJSON[api.HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Checks["database"].Status)
}
