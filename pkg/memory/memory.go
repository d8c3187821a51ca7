// Package memory ranks stored agent context by embedding similarity. The
// lifecycle manager queries it during hydration after the parallel loads
// finish; a failure here degrades to an empty context instead of blocking
// the agent.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/droverhq/drover/pkg/models"
)

// DefaultMaxCandidates bounds how many entries one search scans.
const DefaultMaxCandidates = 512

// EntrySource lists stored memory entries for an agent, newest first.
type EntrySource interface {
	ListMemoryEntries(ctx context.Context, agentID string, limit int) ([]models.MemoryEntry, error)
}

// ScoredEntry pairs an entry with its similarity to the query vector.
type ScoredEntry struct {
	models.MemoryEntry
	Score float64
}

// Searcher ranks an agent's memory entries against a query embedding.
type Searcher struct {
	src           EntrySource
	maxCandidates int
}

func NewSearcher(src EntrySource) *Searcher {
	return &Searcher{src: src, maxCandidates: DefaultMaxCandidates}
}

// Search returns the top k entries for agentID ranked by cosine similarity
// to query. Ties break newest first.
func (s *Searcher) Search(ctx context.Context, agentID string, query []float64, k int) ([]ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}
	entries, err := s.src.ListMemoryEntries(ctx, agentID, s.maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("memory: list entries: %w", err)
	}
	scored := make([]ScoredEntry, 0, len(entries))
	for _, e := range entries {
		scored = append(scored, ScoredEntry{MemoryEntry: e, Score: Cosine(query, e.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Recent returns the newest k entries for agentID. Hydration falls back to
// it when the job carries no query embedding.
func (s *Searcher) Recent(ctx context.Context, agentID string, k int) ([]models.MemoryEntry, error) {
	if k <= 0 {
		return nil, nil
	}
	entries, err := s.src.ListMemoryEntries(ctx, agentID, s.maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("memory: list entries: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	return entries, nil
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// lengths or zero magnitude score 0 rather than erroring; callers rank,
// they do not branch.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
