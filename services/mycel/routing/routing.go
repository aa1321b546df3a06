// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routing implements the pure nutrient-routing core.
//
// Routing is a pure function of value-typed inputs: it performs no I/O and
// never touches the graph store. The caller (the propagation controller)
// loads neighbor records and hands them in; the engine scores each neighbor
// by combining embedding similarity, the learned edge weight, recent-task
// demand overlap, and capability matching, then selects top-K with optional
// MMR diversity and epsilon-greedy exploration.
package routing

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// EmbeddingDim is the required dimensionality of every embedding vector in
// the system. Embeddings arrive pre-computed and unit-normalized.
const EmbeddingDim = 1536

// Routing thresholds and tuning parameters.
const (
	// ThresholdMin is the minimum combined score for a neighbor to be a
	// routing candidate. Neighbors below it form the exploration pool.
	ThresholdMin = 0.15

	// CapabilityBoostPerMatch is the additive score boost per tool hint
	// found in the neighbor's capability list.
	CapabilityBoostPerMatch = 0.05

	// CapabilityBoostMaxMatches caps how many capability matches count
	// toward the boost (max boost 0.20).
	CapabilityBoostMaxMatches = 4

	// DefaultTopK is the default number of neighbors to route to.
	DefaultTopK = 3

	// LambdaDiversity balances relevance against diversity in MMR
	// selection: 0 = pure diversity, 1 = pure relevance.
	LambdaDiversity = 0.5

	// EpsilonExplore is the probability of replacing the weakest selection
	// with a random below-threshold neighbor. Keeps starved agents
	// receiving occasional traffic and prevents weight collapse.
	EpsilonExplore = 0.1

	// FuzzyMatchThreshold is the minimum Ratcliff/Obershelp ratio for two
	// task tags to count as a demand match.
	FuzzyMatchThreshold = 0.7
)

// ErrDimensionMismatch is returned when an embedding does not have exactly
// EmbeddingDim components.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Neighbor is a value-typed view of one routing candidate: the destination
// agent's profile plus the learned edge from the source agent.
type Neighbor struct {
	ID               string
	ProfileEmbedding []float32
	EdgeWeight       float64 // learned weight, 0.01..1.5
	BaseSimilarity   float64 // similarity recorded at edge creation, 0..1
	RecentTasks      []string
	Capabilities     []string
	LastUpdate       time.Time
}

// Score is the routing score for one neighbor with its component breakdown,
// kept for route-log rows and debugging.
type Score struct {
	NeighborID      string
	Total           float64
	Similarity      float64
	EdgeWeight      float64
	DemandOverlap   float64
	CapabilityMatch bool
}

// Selection pairs a neighbor with its score in the routing result.
type Selection struct {
	Neighbor Neighbor
	Score    Score
}

// Options tunes a single RouteNutrient call. Zero values select defaults.
type Options struct {
	// TopK is the number of neighbors to select. <= 0 means DefaultTopK.
	TopK int

	// Diversify applies MMR selection when candidates exceed TopK.
	Diversify bool

	// Threshold overrides ThresholdMin when > 0.
	Threshold float64

	// Epsilon overrides EpsilonExplore when >= 0. Pass a negative value
	// to use the default; pass 0 to disable exploration.
	Epsilon float64

	// Rand supplies the exploration randomness. Nil uses the global
	// source. Tests inject a seeded source for determinism.
	Rand *rand.Rand
}

// CosineSimilarity computes the cosine similarity of two vectors remapped
// from [-1, 1] to [0, 1].
//
// # Description
//
// Zero-norm inputs map to 0 rather than erroring: an agent with no profile
// embedding simply attracts no similarity signal. Mismatched dimensions are
// a caller bug and return ErrDimensionMismatch.
//
// # Outputs
//
//   - float64: Remapped similarity in [0, 1].
//   - error: ErrDimensionMismatch when len(a) != len(b).
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := (dot/(math.Sqrt(normA)*math.Sqrt(normB)) + 1.0) / 2.0
	return clamp(sim, 0.0, 1.0), nil
}

// DemandOverlap computes the fraction of nutrient task hints matched by the
// neighbor's recent tasks.
//
// A hint matches either exactly or via a fuzzy string ratio of at least
// FuzzyMatchThreshold, which catches near-synonyms like "db.optimize" vs
// "database.optimize". Duplicate hints are collapsed before counting.
// Either side empty yields 0.
func DemandOverlap(nutrientTasks, neighborTasks []string) float64 {
	if len(nutrientTasks) == 0 || len(neighborTasks) == 0 {
		return 0
	}

	unique := make(map[string]struct{}, len(nutrientTasks))
	for _, t := range nutrientTasks {
		unique[t] = struct{}{}
	}

	matched := 0
	for hint := range unique {
		if containsExact(neighborTasks, hint) {
			matched++
			continue
		}
		for _, task := range neighborTasks {
			if fuzzyRatio(hint, task) >= FuzzyMatchThreshold {
				matched++
				break
			}
		}
	}

	return float64(matched) / float64(len(unique))
}

// ScoreNeighbor computes the combined routing score for one neighbor.
//
// # Description
//
// The combined formula is
//
//	score = clamp(sim * w * (0.5 + 0.5*demand) + capabilityBoost, 0, 2)
//
// The (0.5 + 0.5*demand) factor means similarity and learned weight carry
// the score even with zero demand overlap, while full overlap doubles their
// contribution. The capability boost is additive, 0.05 per matching tool
// hint up to four matches.
//
// # Outputs
//
//   - Score: The score with component breakdown.
//   - error: ErrDimensionMismatch when the embeddings disagree in length.
func ScoreNeighbor(nutrientEmbedding []float32, toolHints []string, n Neighbor) (Score, error) {
	sim, err := CosineSimilarity(nutrientEmbedding, n.ProfileEmbedding)
	if err != nil {
		return Score{}, fmt.Errorf("scoring neighbor %s: %w", n.ID, err)
	}

	demand := DemandOverlap(toolHints, n.RecentTasks)

	matching := 0
	for _, hint := range toolHints {
		if containsExact(n.Capabilities, hint) {
			matching++
		}
	}
	boost := CapabilityBoostPerMatch * float64(min(matching, CapabilityBoostMaxMatches))

	base := sim*n.EdgeWeight*(0.5+0.5*demand) + boost

	return Score{
		NeighborID:      n.ID,
		Total:           clamp(base, 0.0, 2.0),
		Similarity:      sim,
		EdgeWeight:      n.EdgeWeight,
		DemandOverlap:   demand,
		CapabilityMatch: matching > 0,
	}, nil
}

// RouteNutrient scores all neighbors and selects the routing targets.
//
// # Description
//
// Neighbors at or above the threshold are sorted by score; those below form
// the exploration pool. If diversification is requested and candidates
// exceed TopK, MMR selection trades relevance against profile-embedding
// diversity. Finally, with probability epsilon, the weakest selection is
// replaced by a uniformly random member of the exploration pool.
//
// An empty neighbor list returns an empty selection, never an error. A
// nutrient embedding of the wrong dimension returns ErrDimensionMismatch.
//
// # Thread Safety
//
// Pure function; safe for concurrent use when opts.Rand is nil or not
// shared across goroutines.
func RouteNutrient(nutrientEmbedding []float32, toolHints []string, neighbors []Neighbor, opts Options) ([]Selection, error) {
	if len(nutrientEmbedding) != EmbeddingDim {
		return nil, fmt.Errorf("%w: nutrient embedding has %d dimensions, want %d",
			ErrDimensionMismatch, len(nutrientEmbedding), EmbeddingDim)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = ThresholdMin
	}
	epsilon := opts.Epsilon
	if epsilon < 0 {
		epsilon = EpsilonExplore
	}

	scored := make([]Selection, 0, len(neighbors))
	explorePool := make([]Selection, 0)

	for _, n := range neighbors {
		s, err := ScoreNeighbor(nutrientEmbedding, toolHints, n)
		if err != nil {
			return nil, err
		}
		sel := Selection{Neighbor: n, Score: s}
		if s.Total >= threshold {
			scored = append(scored, sel)
		} else {
			explorePool = append(explorePool, sel)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score.Total > scored[j].Score.Total
	})

	var selected []Selection
	if opts.Diversify && len(scored) > topK {
		selected = mmrSelect(scored, topK, LambdaDiversity)
	} else {
		if len(scored) > topK {
			scored = scored[:topK]
		}
		selected = scored
	}

	// Epsilon-greedy: swap the weakest pick for a random explorer so that
	// below-threshold agents keep receiving occasional traffic.
	if epsilon > 0 && len(selected) > 0 && len(explorePool) > 0 {
		if randFloat(opts.Rand) < epsilon {
			choice := explorePool[randIntN(opts.Rand, len(explorePool))]
			selected[len(selected)-1] = choice
		}
	}

	return selected, nil
}

// mmrSelect applies Maximum Marginal Relevance over the scored candidates.
//
// The pairwise similarity matrix of candidate profile embeddings is computed
// once up front; the selection loop only reads it. The first pick is the
// highest-scoring candidate; each subsequent pick maximizes
//
//	lambda*score(i) - (1-lambda)*max_{j in selected} sim(i, j)
//
// Candidates of length <= k are returned unchanged.
func mmrSelect(scored []Selection, k int, lambda float64) []Selection {
	if len(scored) <= k {
		return scored
	}
	if k <= 0 {
		return nil
	}

	n := len(scored)
	simMatrix := pairwiseSimilarity(scored)

	selected := make([]Selection, 0, k)
	selectedIdx := make([]int, 0, k)
	remaining := make([]int, 0, n-1)

	// Candidates arrive sorted by score; index 0 seeds the selection.
	selected = append(selected, scored[0])
	selectedIdx = append(selectedIdx, 0)
	for i := 1; i < n; i++ {
		remaining = append(remaining, i)
	}

	for len(selected) < k && len(remaining) > 0 {
		bestMMR := math.Inf(-1)
		bestPos := 0

		for pos, c := range remaining {
			relevance := scored[c].Score.Total
			maxSim := 0.0
			for _, s := range selectedIdx {
				if simMatrix[c][s] > maxSim {
					maxSim = simMatrix[c][s]
				}
			}
			mmr := lambda*relevance - (1-lambda)*maxSim
			if mmr > bestMMR {
				bestMMR = mmr
				bestPos = pos
			}
		}

		chosen := remaining[bestPos]
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
		selected = append(selected, scored[chosen])
		selectedIdx = append(selectedIdx, chosen)
	}

	return selected
}

// pairwiseSimilarity computes the full candidate-by-candidate cosine
// similarity matrix, remapped to [0, 1]. Zero-norm embeddings contribute a
// norm of 1 so their rows are well-defined (and near 0.5 against anything).
func pairwiseSimilarity(scored []Selection) [][]float64 {
	n := len(scored)
	unit := make([][]float64, n)
	for i, sel := range scored {
		emb := sel.Neighbor.ProfileEmbedding
		row := make([]float64, len(emb))
		var norm float64
		for j, v := range emb {
			f := float64(v)
			row[j] = f
			norm += f * f
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			norm = 1
		}
		for j := range row {
			row[j] /= norm
		}
		unit[i] = row
	}

	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		matrix[i][i] = 1.0
		for j := i + 1; j < n; j++ {
			var dot float64
			a, b := unit[i], unit[j]
			m := len(a)
			if len(b) < m {
				m = len(b)
			}
			for x := 0; x < m; x++ {
				dot += a[x] * b[x]
			}
			sim := clamp((dot+1.0)/2.0, 0.0, 1.0)
			matrix[i][j] = sim
			matrix[j][i] = sim
		}
	}
	return matrix
}

// =============================================================================
// Fuzzy Matching
// =============================================================================

// fuzzyRatio computes the Ratcliff/Obershelp similarity of two strings,
// case-insensitive: 2*M/T where M is the total length of matching blocks
// and T the combined length.
func fuzzyRatio(a, b string) float64 {
	la := strings.ToLower(a)
	lb := strings.ToLower(b)
	total := len(la) + len(lb)
	if total == 0 {
		return 0
	}
	matched := matchedLength([]byte(la), []byte(lb))
	return 2.0 * float64(matched) / float64(total)
}

// matchedLength recursively sums matching-block lengths: find the longest
// common substring, then recurse into the unmatched left and right pieces.
func matchedLength(a, b []byte) int {
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size +
		matchedLength(a[:ai], b[:bi]) +
		matchedLength(a[ai+size:], b[bi+size:])
}

// longestCommonSubstring returns the start offsets and length of the longest
// common contiguous run of a and b.
func longestCommonSubstring(a, b []byte) (ai, bi, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	// prev[j] holds the run length ending at a[i-1], b[j-1].
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					ai = i - size
					bi = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return ai, bi, size
}

// =============================================================================
// Helpers
// =============================================================================

func containsExact(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func randFloat(r *rand.Rand) float64 {
	if r != nil {
		return r.Float64()
	}
	return rand.Float64()
}

func randIntN(r *rand.Rand, n int) int {
	if r != nil {
		return r.Intn(n)
	}
	return rand.Intn(n)
}
