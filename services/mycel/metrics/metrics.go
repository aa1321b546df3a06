// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics exposes the Prometheus business metrics for the mycelial
// substrate. Collectors are registered once at package load via promauto;
// callers go through the Record* helpers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mycel"

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

var (
	nutrientsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nutrients_broadcast_total",
		Help:      "Total number of nutrients broadcast.",
	}, []string{"tenant_id"})

	contextsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contexts_collected_total",
		Help:      "Total number of context collection requests.",
	}, []string{"tenant_id"})

	outcomesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcomes_recorded_total",
		Help:      "Total number of outcomes recorded.",
	}, []string{"tenant_id"})

	edgesUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "edges_updated_total",
		Help:      "Total number of edge weight updates.",
	}, []string{"tenant_id"})

	memoriesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "memories_stored_total",
		Help:      "Total number of hyphal memories stored.",
	}, []string{"tenant_id"})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total number of requests rejected by the rate limiter.",
	}, []string{"tenant_id"})

	edgesDecayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "edges_decayed_total",
		Help:      "Total number of edges weakened by the time-decay task.",
	})

	edgesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "edges_pruned_total",
		Help:      "Total number of stale edges deleted.",
	})

	routingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "routing_latency_seconds",
		Help:      "Time spent routing nutrients.",
		Buckets:   latencyBuckets,
	}, []string{"tenant_id"})

	vectorSearchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vector_search_latency_seconds",
		Help:      "Time spent on vector similarity search.",
		Buckets:   latencyBuckets,
	}, []string{"tenant_id"})

	activeAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_agents",
		Help:      "Number of active agents.",
	}, []string{"tenant_id"})

	activeNutrients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_nutrients",
		Help:      "Number of active nutrients in transit.",
	}, []string{"tenant_id"})
)

// RecordNutrientBroadcast counts one broadcast for a tenant.
func RecordNutrientBroadcast(tenantID string) {
	nutrientsBroadcast.WithLabelValues(tenantID).Inc()
}

// RecordContextCollected counts one collect request for a tenant.
func RecordContextCollected(tenantID string) {
	contextsCollected.WithLabelValues(tenantID).Inc()
}

// RecordOutcome counts one recorded outcome for a tenant.
func RecordOutcome(tenantID string) {
	outcomesRecorded.WithLabelValues(tenantID).Inc()
}

// RecordEdgeUpdates counts n edge weight updates for a tenant.
func RecordEdgeUpdates(tenantID string, n int) {
	edgesUpdated.WithLabelValues(tenantID).Add(float64(n))
}

// RecordMemoryStored counts one stored hyphal memory for a tenant.
func RecordMemoryStored(tenantID string) {
	memoriesStored.WithLabelValues(tenantID).Inc()
}

// RecordRateLimited counts one 429 for a tenant.
func RecordRateLimited(tenantID string) {
	rateLimited.WithLabelValues(tenantID).Inc()
}

// RecordDecayPass counts the edges touched by one decay sweep.
func RecordDecayPass(decayed, pruned int) {
	edgesDecayed.Add(float64(decayed))
	edgesPruned.Add(float64(pruned))
}

// ObserveRoutingLatency records the wall-clock time of one routing pass.
func ObserveRoutingLatency(tenantID string, d time.Duration) {
	routingLatency.WithLabelValues(tenantID).Observe(d.Seconds())
}

// ObserveVectorSearchLatency records the wall-clock time of one vector
// similarity search.
func ObserveVectorSearchLatency(tenantID string, d time.Duration) {
	vectorSearchLatency.WithLabelValues(tenantID).Observe(d.Seconds())
}

// SetActiveAgents sets the active-agent gauge for a tenant.
func SetActiveAgents(tenantID string, n int) {
	activeAgents.WithLabelValues(tenantID).Set(float64(n))
}

// SetActiveNutrients sets the in-transit nutrient gauge for a tenant.
func SetActiveNutrients(tenantID string, n int) {
	activeNutrients.WithLabelValues(tenantID).Set(float64(n))
}
