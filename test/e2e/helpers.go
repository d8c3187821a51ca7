package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/dispatch"
	"github.com/droverhq/drover/pkg/models"
)

// SeedAgent creates an active agent wired to the echo provider.
func (app *TestApp) SeedAgent(t *testing.T, slug string) *models.Agent {
	t.Helper()
	agent, err := app.Store.CreateAgent(context.Background(), &models.Agent{
		Slug:   slug,
		Role:   "e2e test agent",
		Active: true,
		ModelConfig: models.ModelConfig{
			Provider: "echo",
			Model:    "echo-1",
		},
	})
	require.NoError(t, err)
	return agent
}

// BindChat points a memory-channel conversation at an agent.
func (app *TestApp) BindChat(t *testing.T, chatID, agentID string) {
	t.Helper()
	_, err := app.Store.UpsertBinding(context.Background(), app.Chat.ChannelType(), chatID, agentID)
	require.NoError(t, err)
}

// SendChat injects an inbound chat message as if it arrived on the
// transport.
func (app *TestApp) SendChat(chatID, userID, text string) {
	app.Chat.Inject(context.Background(), dispatch.RoutedMessage{
		ChatID:        chatID,
		UserAccountID: userID,
		Text:          text,
	})
}

// WaitForReplies blocks until the chat has received at least n outbound
// messages.
func (app *TestApp) WaitForReplies(t *testing.T, chatID string, n int) []dispatch.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	msgs, err := app.Chat.WaitForMessage(ctx, chatID, n)
	require.NoError(t, err, "waiting for %d chat replies, got %d", n, len(msgs))
	return msgs
}

// WaitForApprovalPrompt blocks until the chat receives an approval
// notification.
func (app *TestApp) WaitForApprovalPrompt(t *testing.T, chatID string) dispatch.ApprovalNotification {
	t.Helper()
	var n dispatch.ApprovalNotification
	require.Eventually(t, func() bool {
		prompts := app.Chat.ApprovalRequests(chatID)
		if len(prompts) == 0 {
			return false
		}
		n = prompts[0]
		return true
	}, 20*time.Second, 25*time.Millisecond, "no approval prompt arrived")
	return n
}

// WaitForJobStatus polls until the job reaches the wanted status.
func (app *TestApp) WaitForJobStatus(t *testing.T, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := app.Store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 20*time.Second, 25*time.Millisecond, "job %s never reached %s", jobID, status)
	return job
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSONArray(t *testing.T, path string, expectedStatus int) []any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// SteerAgent posts a steer message through the HTTP API.
func (app *TestApp) SteerAgent(t *testing.T, agentID, message string) map[string]any {
	t.Helper()
	return app.postJSON(t, fmt.Sprintf("/api/v1/agents/%s/steer", agentID),
		map[string]any{"message": message}, http.StatusAccepted)
}
