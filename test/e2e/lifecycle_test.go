package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/models"
)

func TestCorruptCheckpointDeadLettersJob(t *testing.T) {
	app := NewTestApp(t)
	agent := app.SeedAgent(t, "checkpoint-bot")
	ctx := context.Background()

	// Created PENDING so no worker claims it before the checkpoint is
	// corrupted; the same statement that plants the bad CRC makes the
	// job claimable.
	job, err := app.Store.CreateJob(ctx, &models.Job{
		AgentID:     agent.ID,
		Payload:     models.JobPayload{Type: "CHAT_RESPONSE", Prompt: "hello"},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	_, err = app.Pool.Exec(ctx,
		`UPDATE jobs SET checkpoint = $1, checkpoint_crc = $2, status = $3 WHERE id = $4`,
		[]byte(`{"step":"deploy"}`), 12345, models.JobStatusScheduled, job.ID)
	require.NoError(t, err)

	final := app.WaitForJobStatus(t, job.ID, models.JobStatusDeadLetter)
	assert.Equal(t, models.JobStatusDeadLetter, final.Status)
}

func TestCrashedAgentEntersCooldown(t *testing.T) {
	app := NewTestApp(t, WithCooldownBase(time.Second))
	agent := app.SeedAgent(t, "crashy-bot")
	ctx := context.Background()

	require.NoError(t, app.Lifecycle.Boot(agent.ID))

	// Hydrating against a job that does not exist crashes the agent.
	_, err := app.Lifecycle.Hydrate(ctx, agent.ID, uuid.NewString())
	require.Error(t, err)

	err = app.Lifecycle.Boot(agent.ID)
	require.ErrorIs(t, err, lifecycle.ErrInCooldown)

	// The harness cooldown base is short; once it elapses the agent
	// boots again.
	require.Eventually(t, func() bool {
		return app.Lifecycle.Boot(agent.ID) == nil
	}, 5*time.Second, 25*time.Millisecond, "agent never left cooldown")
}
