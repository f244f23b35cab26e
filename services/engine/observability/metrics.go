// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the engine's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EvaluationsTotal counts completed evaluations by outcome
	// (qualified, unqualified, failed, reused).
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_evaluations_total",
		Help: "Total evaluations by outcome",
	}, []string{"outcome", "sandbox_id"})

	// EvaluationDuration tracks end-to-end evaluation latency.
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_evaluation_duration_seconds",
		Help:    "End-to-end evaluation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
	}, []string{"sandbox_id"})

	// AllocationsTotal counts ledger outcomes.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_allocations_total",
		Help: "Total allocation attempts by outcome",
	}, []string{"outcome"})

	// EpochBalance reports the remaining balance of the current epoch.
	EpochBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_epoch_balance_units",
		Help: "Remaining balance of an epoch in token units",
	}, []string{"epoch"})

	// RedundancyPercent tracks computed redundancy across evaluations.
	RedundancyPercent = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_redundancy_percent",
		Help:    "Redundancy percentage of evaluated submissions",
		Buckets: []float64{1, 5, 10, 20, 30, 50, 70, 90, 95, 100},
	})

	// RedundancyUnknownTotal counts degraded redundancy results.
	RedundancyUnknownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_redundancy_unknown_total",
		Help: "Evaluations whose redundancy could not be computed",
	})

	// AssessorRetriesTotal counts assessor attempts beyond the first.
	AssessorRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_assessor_retries_total",
		Help: "Assessor call retries",
	})

	// AnchorsTotal counts chain anchor requests by result.
	AnchorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_anchors_total",
		Help: "Chain anchor requests by result",
	}, []string{"result"})
)
