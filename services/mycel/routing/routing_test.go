// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embed builds a 1536-dim embedding with the given leading components; the
// rest are zero.
func embed(lead ...float32) []float32 {
	v := make([]float32, EmbeddingDim)
	copy(v, lead)
	return v
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{name: "identical vectors", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, want: 1.0},
		{name: "opposite vectors", a: []float32{1, 0, 0}, b: []float32{-1, 0, 0}, want: 0.0},
		{name: "orthogonal vectors", a: []float32{1, 0, 0}, b: []float32{0, 1, 0}, want: 0.5},
		{name: "zero norm left", a: []float32{0, 0, 0}, b: []float32{1, 0, 0}, want: 0.0},
		{name: "zero norm right", a: []float32{1, 0, 0}, b: []float32{0, 0, 0}, want: 0.0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CosineSimilarity(tc.a, tc.b)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestFuzzyRatio(t *testing.T) {
	assert.Equal(t, 1.0, fuzzyRatio("database.optimize", "database.optimize"))
	assert.Equal(t, 1.0, fuzzyRatio("Database.Optimize", "database.optimize"))

	// One-letter spelling variant stays above the match threshold.
	ratio := fuzzyRatio("database.optimize", "database.optimise")
	assert.GreaterOrEqual(t, ratio, FuzzyMatchThreshold)

	// Unrelated tags stay well below it.
	assert.Less(t, fuzzyRatio("database.optimize", "image.render"), FuzzyMatchThreshold)

	assert.Equal(t, 0.0, fuzzyRatio("", ""))
}

func TestDemandOverlap(t *testing.T) {
	tests := []struct {
		name   string
		hints  []string
		recent []string
		want   float64
	}{
		{name: "empty hints", hints: nil, recent: []string{"a"}, want: 0},
		{name: "empty recent", hints: []string{"a"}, recent: nil, want: 0},
		{name: "full exact overlap", hints: []string{"a", "b"}, recent: []string{"b", "a"}, want: 1.0},
		{name: "half overlap", hints: []string{"a", "x"}, recent: []string{"a"}, want: 0.5},
		{
			name:   "fuzzy spelling variant counts",
			hints:  []string{"database.optimize"},
			recent: []string{"database.optimise"},
			want:   1.0,
		},
		{
			name:   "duplicate hints collapse",
			hints:  []string{"a", "a", "b"},
			recent: []string{"a"},
			want:   0.5,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, DemandOverlap(tc.hints, tc.recent), 1e-9)
		})
	}
}

func TestScoreNeighbor(t *testing.T) {
	nutrient := embed(1)

	t.Run("combined formula with zero demand", func(t *testing.T) {
		n := Neighbor{ID: "ag-1", ProfileEmbedding: embed(1), EdgeWeight: 1.0}
		s, err := ScoreNeighbor(nutrient, nil, n)
		require.NoError(t, err)
		// sim=1, w=1, demand=0: 1*1*(0.5+0) = 0.5
		assert.InDelta(t, 0.5, s.Total, 1e-9)
		assert.False(t, s.CapabilityMatch)
	})

	t.Run("full demand doubles the multiplicative part", func(t *testing.T) {
		n := Neighbor{
			ID:               "ag-1",
			ProfileEmbedding: embed(1),
			EdgeWeight:       1.0,
			RecentTasks:      []string{"db.tune"},
		}
		s, err := ScoreNeighbor(nutrient, []string{"db.tune"}, n)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, s.Total, 1e-9)
	})

	t.Run("capability boost caps at four matches", func(t *testing.T) {
		caps := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
		n := Neighbor{ID: "ag-1", ProfileEmbedding: embed(0), EdgeWeight: 1.0, Capabilities: caps}
		s, err := ScoreNeighbor(nutrient, caps, n)
		require.NoError(t, err)
		// Zero-norm profile: sim=0, so only the boost remains, capped at 0.20.
		assert.InDelta(t, 0.20, s.Total, 1e-9)
		assert.True(t, s.CapabilityMatch)
	})

	t.Run("score clamps at two", func(t *testing.T) {
		n := Neighbor{
			ID:               "ag-1",
			ProfileEmbedding: embed(1),
			EdgeWeight:       1.5,
			RecentTasks:      []string{"a"},
			Capabilities:     []string{"a", "b", "c", "d"},
		}
		s, err := ScoreNeighbor(nutrient, []string{"a", "b", "c", "d"}, n)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Total, 2.0)
	})

	t.Run("mismatched profile dimension", func(t *testing.T) {
		n := Neighbor{ID: "ag-1", ProfileEmbedding: []float32{1, 0}, EdgeWeight: 1.0}
		_, err := ScoreNeighbor(nutrient, nil, n)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestRouteNutrient(t *testing.T) {
	t.Run("rejects wrong embedding dimension", func(t *testing.T) {
		_, err := RouteNutrient([]float32{1, 2, 3}, nil, nil, Options{})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("empty neighbor list yields empty selection", func(t *testing.T) {
		sel, err := RouteNutrient(embed(1), nil, nil, Options{Epsilon: 0})
		require.NoError(t, err)
		assert.Empty(t, sel)
	})

	t.Run("selects top-K by score", func(t *testing.T) {
		neighbors := []Neighbor{
			{ID: "weak", ProfileEmbedding: embed(1), EdgeWeight: 0.2},
			{ID: "strong", ProfileEmbedding: embed(1), EdgeWeight: 1.4},
			{ID: "mid", ProfileEmbedding: embed(1), EdgeWeight: 0.8},
			{ID: "mid2", ProfileEmbedding: embed(1), EdgeWeight: 0.6},
		}
		sel, err := RouteNutrient(embed(1), nil, neighbors, Options{TopK: 2, Epsilon: 0})
		require.NoError(t, err)
		require.Len(t, sel, 2)
		assert.Equal(t, "strong", sel[0].Neighbor.ID)
		assert.Equal(t, "mid", sel[1].Neighbor.ID)
	})

	t.Run("below-threshold neighbors are excluded without exploration", func(t *testing.T) {
		neighbors := []Neighbor{
			{ID: "above", ProfileEmbedding: embed(1), EdgeWeight: 1.0},
			// sim=1, w=0.1, demand=0: 0.05 < 0.15
			{ID: "below", ProfileEmbedding: embed(1), EdgeWeight: 0.1},
		}
		sel, err := RouteNutrient(embed(1), nil, neighbors, Options{Epsilon: 0})
		require.NoError(t, err)
		require.Len(t, sel, 1)
		assert.Equal(t, "above", sel[0].Neighbor.ID)
	})

	t.Run("epsilon one always swaps in an explorer", func(t *testing.T) {
		neighbors := []Neighbor{
			{ID: "above", ProfileEmbedding: embed(1), EdgeWeight: 1.0},
			{ID: "below", ProfileEmbedding: embed(1), EdgeWeight: 0.1},
		}
		rng := rand.New(rand.NewSource(1))
		sel, err := RouteNutrient(embed(1), nil, neighbors, Options{Epsilon: 1.0, Rand: rng})
		require.NoError(t, err)
		require.Len(t, sel, 1)
		assert.Equal(t, "below", sel[0].Neighbor.ID)
	})

	t.Run("diversify with few candidates returns them unchanged", func(t *testing.T) {
		neighbors := []Neighbor{
			{ID: "a", ProfileEmbedding: embed(1), EdgeWeight: 1.0},
			{ID: "b", ProfileEmbedding: embed(0, 1), EdgeWeight: 0.9},
		}
		sel, err := RouteNutrient(embed(1), nil, neighbors, Options{TopK: 3, Diversify: true, Epsilon: 0})
		require.NoError(t, err)
		assert.Len(t, sel, 2)
	})

	t.Run("diversify prefers a dissimilar profile", func(t *testing.T) {
		// Three near-identical high scorers plus one orthogonal mid scorer.
		// With lambda 0.5 the redundancy penalty pushes the orthogonal
		// candidate into a top-2 selection.
		neighbors := []Neighbor{
			{ID: "dup1", ProfileEmbedding: embed(1), EdgeWeight: 1.4},
			{ID: "dup2", ProfileEmbedding: embed(1), EdgeWeight: 1.35},
			{ID: "dup3", ProfileEmbedding: embed(1), EdgeWeight: 1.3},
			{ID: "ortho", ProfileEmbedding: embed(0, 1), EdgeWeight: 1.2},
		}
		sel, err := RouteNutrient(embed(1, 1), nil, neighbors, Options{TopK: 2, Diversify: true, Epsilon: 0})
		require.NoError(t, err)
		require.Len(t, sel, 2)

		ids := []string{sel[0].Neighbor.ID, sel[1].Neighbor.ID}
		assert.Contains(t, ids, "ortho")
	})
}

func TestMMRSelect(t *testing.T) {
	mk := func(id string, score float64, emb []float32) Selection {
		return Selection{
			Neighbor: Neighbor{ID: id, ProfileEmbedding: emb},
			Score:    Score{NeighborID: id, Total: score},
		}
	}

	t.Run("k at least candidate count is identity", func(t *testing.T) {
		scored := []Selection{
			mk("a", 0.9, embed(1)),
			mk("b", 0.8, embed(0, 1)),
		}
		out := mmrSelect(scored, 5, LambdaDiversity)
		assert.Equal(t, scored, out)
	})

	t.Run("seeds with the highest score", func(t *testing.T) {
		scored := []Selection{
			mk("first", 0.9, embed(1)),
			mk("second", 0.8, embed(1)),
			mk("third", 0.7, embed(0, 1)),
		}
		out := mmrSelect(scored, 2, LambdaDiversity)
		require.Len(t, out, 2)
		assert.Equal(t, "first", out[0].Neighbor.ID)
	})
}
