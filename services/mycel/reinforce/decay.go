// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reinforce

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hyphae-ai/mycelnet/services/mycel/metrics"
)

// Time-decay parameters.
const (
	// TimeDecayLambda is the exponential decay rate per day of staleness.
	TimeDecayLambda = 0.01

	// StaleEdgeMinWeight and StaleEdgeMaxAgeDays together gate deletion:
	// an edge is removed only when its decayed weight drops below the
	// minimum AND it has been idle longer than the maximum age.
	StaleEdgeMinWeight  = 0.02
	StaleEdgeMaxAgeDays = 30

	// decayScanCutoff excludes recently-touched edges from the sweep.
	decayScanCutoff = time.Hour
)

// TimeDecay applies exponential staleness decay:
//
//	w_new = w * e^(-λ_time * days_stale)
func TimeDecay(weight, daysStale float64) float64 {
	return weight * math.Exp(-TimeDecayLambda*daysStale)
}

// DecayResult summarizes one decay sweep.
type DecayResult struct {
	Decayed int `json:"decayed"`
	Deleted int `json:"deleted"`
}

// RunDecay sweeps all stale edges once, weakening them by time decay and
// deleting those that are both weak and long idle.
//
// The weight write deliberately leaves last_update alone so repeated sweeps
// keep compounding against the true idle time.
func (e *Engine) RunDecay(ctx context.Context) (DecayResult, error) {
	ctx, span := tracer.Start(ctx, "reinforce.RunDecay")
	defer span.End()

	edges, err := e.store.StaleEdges(ctx, decayScanCutoff)
	if err != nil {
		return DecayResult{}, fmt.Errorf("scanning stale edges: %w", err)
	}

	var result DecayResult
	for _, edge := range edges {
		newWeight := ClampWeight(TimeDecay(edge.Weight, edge.DaysStale))

		if newWeight < StaleEdgeMinWeight && edge.DaysStale > StaleEdgeMaxAgeDays {
			if err := e.store.DeleteEdge(ctx, edge.TenantID, edge.Src, edge.Dst); err != nil {
				return result, err
			}
			result.Deleted++
			continue
		}

		if newWeight != edge.Weight {
			if err := e.store.SetEdgeWeight(ctx, edge.TenantID, edge.Src, edge.Dst, newWeight); err != nil {
				return result, err
			}
			result.Decayed++
		}
	}

	metrics.RecordDecayPass(result.Decayed, result.Deleted)
	return result, nil
}

// RunDecayLoop runs RunDecay every interval until ctx is cancelled. Sweep
// failures are logged and the loop continues; a broken database connection
// must not kill the background task.
func (e *Engine) RunDecayLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("edge decay loop started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("edge decay loop stopped")
			return ctx.Err()
		case <-ticker.C:
			result, err := e.RunDecay(ctx)
			if err != nil {
				e.logger.Error("decay sweep failed", slog.String("error", err.Error()))
				continue
			}
			e.logger.Info("decay sweep complete",
				slog.Int("decayed", result.Decayed),
				slog.Int("deleted", result.Deleted))
		}
	}
}
