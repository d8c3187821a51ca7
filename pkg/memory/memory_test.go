package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/models"
)

type stubSource struct {
	entries []models.MemoryEntry
	err     error
}

func (s *stubSource) ListMemoryEntries(_ context.Context, agentID string, _ int) ([]models.MemoryEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []models.MemoryEntry
	for _, e := range s.entries {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func entry(id, agentID string, age time.Duration, embedding ...float64) models.MemoryEntry {
	return models.MemoryEntry{
		ID:        id,
		AgentID:   agentID,
		Content:   "memo " + id,
		Embedding: embedding,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestCosineKnownValues(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 0}, []float64{2, 0}), 1e-12)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 3}), 1e-12)
	assert.InDelta(t, -1.0, Cosine([]float64{1, 2}, []float64{-1, -2}), 1e-12)
}

func TestCosineDegenerateInputs(t *testing.T) {
	assert.Zero(t, Cosine([]float64{1, 2}, []float64{0, 0}))
	assert.Zero(t, Cosine([]float64{1, 2, 3}, []float64{1, 2}))
	assert.Zero(t, Cosine(nil, nil))
}

func TestSearchRanksBySimilarity(t *testing.T) {
	src := &stubSource{entries: []models.MemoryEntry{
		entry("far", "ag-1", time.Minute, 0, 1),
		entry("near", "ag-1", time.Minute, 1, 0.1),
		entry("exact", "ag-1", time.Minute, 1, 0),
		entry("other-agent", "ag-2", time.Minute, 1, 0),
	}}
	s := NewSearcher(src)

	got, err := s.Search(context.Background(), "ag-1", []float64{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exact", got[0].ID)
	assert.Equal(t, "near", got[1].ID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestSearchTiesBreakNewestFirst(t *testing.T) {
	src := &stubSource{entries: []models.MemoryEntry{
		entry("old", "ag-1", time.Hour, 1, 0),
		entry("new", "ag-1", time.Minute, 2, 0),
	}}
	s := NewSearcher(src)

	got, err := s.Search(context.Background(), "ag-1", []float64{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID, "equal scores order newest first")
}

func TestSearchBounds(t *testing.T) {
	src := &stubSource{entries: []models.MemoryEntry{entry("a", "ag-1", time.Minute, 1, 0)}}
	s := NewSearcher(src)

	got, err := s.Search(context.Background(), "ag-1", []float64{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "k larger than corpus returns everything")

	got, err = s.Search(context.Background(), "ag-1", []float64{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchPropagatesSourceError(t *testing.T) {
	s := NewSearcher(&stubSource{err: errors.New("connection refused")})

	_, err := s.Search(context.Background(), "ag-1", []float64{1}, 3)
	assert.ErrorContains(t, err, "list entries")
}

func TestRecentOrdersByAge(t *testing.T) {
	src := &stubSource{entries: []models.MemoryEntry{
		entry("oldest", "ag-1", 3*time.Hour, 1),
		entry("newest", "ag-1", time.Minute, 1),
		entry("middle", "ag-1", time.Hour, 1),
	}}
	s := NewSearcher(src)

	got, err := s.Recent(context.Background(), "ag-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[0].ID)
	assert.Equal(t, "middle", got[1].ID)
}
