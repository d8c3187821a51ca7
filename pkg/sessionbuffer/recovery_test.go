package sessionbuffer

import (
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/models"
)

func appendEvents(t *testing.T, m *Manager, jobID string, types ...models.SessionEventType) *Writer {
	t.Helper()
	w, err := m.Open(jobID)
	require.NoError(t, err)
	for _, typ := range types {
		require.NoError(t, w.Append(&models.SessionEvent{Type: typ}))
	}
	return w
}

func appendRaw(t *testing.T, path, raw string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(raw)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestRecoverNoSessions(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Recover("missing-job")
	assert.ErrorIs(t, err, ErrNoSessions)
}

func TestRecoverCheckpointResume(t *testing.T) {
	m := newTestManager(t)
	w, err := m.Open("job-1")
	require.NoError(t, err)

	require.NoError(t, w.Append(&models.SessionEvent{Type: models.EventSessionStart}))
	require.NoError(t, w.Append(&models.SessionEvent{Type: models.EventLLMRequest}))
	require.NoError(t, w.Append(&models.SessionEvent{
		Type: models.EventCheckpoint,
		Data: json.RawMessage(`{"step":1}`),
	}))
	require.NoError(t, w.Append(&models.SessionEvent{Type: models.EventToolCall}))
	require.NoError(t, w.Close())

	// Process killed mid-write: the TOOL_RESULT line is torn.
	appendRaw(t, w.Path(), `{"version":1,"type":"TOOL_RES`)

	rec, err := m.Recover("job-1")
	require.NoError(t, err)

	require.NotNil(t, rec.LastCheckpoint)
	assert.JSONEq(t, `{"step":1}`, string(rec.LastCheckpoint.Data))
	require.Len(t, rec.EventsSinceCheckpoint, 1)
	assert.Equal(t, models.EventToolCall, rec.EventsSinceCheckpoint[0].Type)
	assert.Equal(t, w.Path(), rec.SessionFile)
}

func TestRecoverWithoutCheckpoint(t *testing.T) {
	m := newTestManager(t)
	w := appendEvents(t, m, "job-1",
		models.EventSessionStart, models.EventLLMRequest, models.EventLLMResponse)
	require.NoError(t, w.Close())

	rec, err := m.Recover("job-1")
	require.NoError(t, err)

	assert.Nil(t, rec.LastCheckpoint)
	require.Len(t, rec.EventsSinceCheckpoint, 2)
	assert.Equal(t, models.EventLLMRequest, rec.EventsSinceCheckpoint[0].Type)
	assert.Equal(t, models.EventLLMResponse, rec.EventsSinceCheckpoint[1].Type)
}

func TestRecoverPicksLatestSessionFile(t *testing.T) {
	m := newTestManager(t)
	w := appendEvents(t, m, "job-1", models.EventSessionStart, models.EventError)
	require.NoError(t, w.Close())

	w2 := appendEvents(t, m, "job-1", models.EventSessionStart, models.EventLLMRequest)
	require.NoError(t, w2.Close())

	rec, err := m.Recover("job-1")
	require.NoError(t, err)

	assert.Equal(t, "session-002.jsonl", filepath.Base(rec.SessionFile))
	require.Len(t, rec.EventsSinceCheckpoint, 1)
	assert.Equal(t, models.EventLLMRequest, rec.EventsSinceCheckpoint[0].Type)
}

func TestRecoverOrdersSessionFilesNumerically(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.Root(), "job-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, writeMetadata(dir, metadata{SessionCounter: 998}))

	w := appendEvents(t, m, "job-1", models.EventSessionStart, models.EventError)
	require.NoError(t, w.Close())
	w2 := appendEvents(t, m, "job-1", models.EventSessionStart, models.EventLLMRequest)
	require.NoError(t, w2.Close())

	// session-999 sorts after session-1000 as strings; the counter decides.
	require.Equal(t, "session-999.jsonl", filepath.Base(w.Path()))
	require.Equal(t, "session-1000.jsonl", filepath.Base(w2.Path()))

	rec, err := m.Recover("job-1")
	require.NoError(t, err)

	assert.Equal(t, w2.Path(), rec.SessionFile)
	require.Len(t, rec.EventsSinceCheckpoint, 1)
	assert.Equal(t, models.EventLLMRequest, rec.EventsSinceCheckpoint[0].Type)
}

func TestRecoverUsesMostRecentCheckpoint(t *testing.T) {
	m := newTestManager(t)
	w, err := m.Open("job-1")
	require.NoError(t, err)

	require.NoError(t, w.Append(&models.SessionEvent{Type: models.EventSessionStart}))
	require.NoError(t, w.Append(&models.SessionEvent{
		Type: models.EventCheckpoint, Data: json.RawMessage(`{"step":1}`),
	}))
	require.NoError(t, w.Append(&models.SessionEvent{Type: models.EventToolCall}))
	require.NoError(t, w.Append(&models.SessionEvent{
		Type: models.EventCheckpoint, Data: json.RawMessage(`{"step":2}`),
	}))
	require.NoError(t, w.Append(&models.SessionEvent{Type: models.EventToolResult}))
	require.NoError(t, w.Close())

	rec, err := m.Recover("job-1")
	require.NoError(t, err)

	require.NotNil(t, rec.LastCheckpoint)
	assert.JSONEq(t, `{"step":2}`, string(rec.LastCheckpoint.Data))
	require.Len(t, rec.EventsSinceCheckpoint, 1)
	assert.Equal(t, models.EventToolResult, rec.EventsSinceCheckpoint[0].Type)
}

func TestRecoverStopsAtFirstUnparsableLine(t *testing.T) {
	m := newTestManager(t)
	w := appendEvents(t, m, "job-1", models.EventSessionStart, models.EventLLMRequest)
	require.NoError(t, w.Close())

	appendRaw(t, w.Path(), "not json at all\n")

	rec, err := m.Recover("job-1")
	require.NoError(t, err)
	require.Len(t, rec.EventsSinceCheckpoint, 1)
	assert.Equal(t, models.EventLLMRequest, rec.EventsSinceCheckpoint[0].Type)
}

func TestChecksum(t *testing.T) {
	data := []byte(`{"step":1}`)
	assert.Equal(t, crc32.ChecksumIEEE(data), Checksum(data))
	assert.NotEqual(t, Checksum(data), Checksum([]byte(`{"step":2}`)))
}
