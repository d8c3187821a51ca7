package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/lifecycle"
)

func TestSteerMidExecution(t *testing.T) {
	app := NewTestApp(t)
	agent := app.SeedAgent(t, "steer-bot")
	app.BindChat(t, "chat-s1", agent.ID)

	app.SendChat("chat-s1", "user-1", "!wait 3s\nworking on it")

	require.Eventually(t, func() bool {
		st, err := app.Lifecycle.State(agent.ID)
		return err == nil && st.State == lifecycle.StateExecuting
	}, 10*time.Second, 25*time.Millisecond, "agent never started executing")

	resp := app.SteerAgent(t, agent.ID, "change course")
	assert.Equal(t, "normal", resp["priority"])
	assert.NotEmpty(t, resp["steerMessageId"])

	replies := app.WaitForReplies(t, "chat-s1", 1)
	assert.Contains(t, replies[0].Text, "echo: working on it")
	assert.Contains(t, replies[0].Text, "steered: change course")
}

func TestSteerIdleAgentConflicts(t *testing.T) {
	app := NewTestApp(t)
	agent := app.SeedAgent(t, "idle-bot")

	// Never booted, so there is nothing to steer.
	app.postJSON(t, "/api/v1/agents/"+agent.ID+"/steer",
		map[string]any{"message": "wake up"}, http.StatusConflict)
}
