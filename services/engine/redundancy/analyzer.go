// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package redundancy measures how much a submission overlaps prior
// qualified work.
//
// The analyzer operates only against the pinned snapshot handed to it; it
// never reads the live archive, so concurrent qualification of other
// submissions cannot change a submission's computed redundancy.
package redundancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crucible-network/crucible/services/engine/archive"
	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("crucible.engine.redundancy")

// ErrComputeFailed indicates the embedding or similarity backend failed
// after retries. Callers must treat the result as "redundancy unknown",
// never as zero overlap.
var ErrComputeFailed = errors.New("redundancy computation failed")

const (
	maxEmbedAttempts  = 3
	embedRetryDelay   = 500 * time.Millisecond
	maxEmbedRuneCount = 8000
)

// Result is the redundancy verdict for one submission.
type Result struct {
	// Percent is the overlap percentage in [0,100]. Meaningful only when
	// Known is true.
	Percent float64 `json:"percent"`

	// Known is false when the backend failed and the overlap could not
	// be computed.
	Known bool `json:"known"`

	// NearestID is the most similar archived item, empty on an empty
	// snapshot.
	NearestID string `json:"nearest_id,omitempty"`

	// Axes are the per-axis overlap diagnostics.
	Axes []datatypes.AxisOverlap `json:"axes,omitempty"`

	// Embedding is the submission vector, reused by the archive writer
	// if the submission qualifies.
	Embedding []float32 `json:"-"`
}

// Analyzer embeds submissions and compares them to pinned snapshots.
type Analyzer struct {
	embedder llm.Embedder
}

func NewAnalyzer(embedder llm.Embedder) *Analyzer {
	return &Analyzer{embedder: embedder}
}

// Analyze computes overlap between a submission and a pinned snapshot.
//
// # Description
//
// The submission text is embedded and compared against every pinned item
// by cosine similarity. The overlap percentage derives from the maximum
// similarity, or the mean of the top-k similarities when the sandbox
// configures RedundancyTopK > 1. Per-axis diagnostics project the
// vectors onto contiguous subspace bands, one per configured axis, and
// flag any band whose overlap exceeds its threshold.
//
// # Errors
//
// Backend failures are retried; exhaustion returns a degraded Result
// (Known=false) together with an error wrapping ErrComputeFailed. The
// degraded result is a first-class outcome: the evaluation proceeds,
// flagged "redundancy unknown".
func (a *Analyzer) Analyze(
	ctx context.Context,
	sub *datatypes.Submission,
	snapshot datatypes.ArchiveSnapshot,
	items []archive.Item,
	cfg *datatypes.SandboxConfig,
) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Analyzer.Analyze", trace.WithAttributes(
		attribute.String("submission_hash", sub.ContentHash),
		attribute.String("snapshot_id", snapshot.SnapshotID),
		attribute.Int("snapshot_items", len(items)),
	))
	defer span.End()

	vector, err := a.embedWithRetry(ctx, sub.TextContent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return &Result{Known: false}, fmt.Errorf("%w: %w", ErrComputeFailed, err)
	}

	if len(items) == 0 {
		// Nothing qualified yet: zero overlap by definition.
		span.SetAttributes(attribute.Float64("redundancy_percent", 0))
		return &Result{Percent: 0, Known: true, Embedding: vector}, nil
	}

	matches, err := archive.NearestNeighbors(items, vector, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity failed")
		return &Result{Known: false}, fmt.Errorf("%w: %w", ErrComputeFailed, err)
	}

	percent := overlapPercent(matches, cfg.RedundancyTopK)
	nearest := matches[0]

	var nearestVec []float32
	for _, it := range items {
		if it.Hash == nearest.ID {
			nearestVec = it.Vector
			break
		}
	}
	axes := axisOverlaps(vector, nearestVec, cfg.AxisThresholds)

	span.SetAttributes(
		attribute.Float64("redundancy_percent", percent),
		attribute.String("nearest_id", nearest.ID),
	)
	slog.Debug("Redundancy computed",
		"submission_hash", sub.ContentHash,
		"percent", percent,
		"nearest", nearest.ID)

	return &Result{
		Percent:   percent,
		Known:     true,
		NearestID: nearest.ID,
		Axes:      axes,
		Embedding: vector,
	}, nil
}

func (a *Analyzer) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	// Long submissions are truncated for embedding only; hashing and
	// scoring see the full text.
	runes := []rune(text)
	if len(runes) > maxEmbedRuneCount {
		text = string(runes[:maxEmbedRuneCount])
	}

	var lastErr error
	for attempt := 1; attempt <= maxEmbedAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(embedRetryDelay * time.Duration(attempt-1)):
			}
		}
		vec, err := a.embedder.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		slog.Warn("Embedding attempt failed", "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// overlapPercent folds ranked similarities into [0,100]. Negative cosine
// means "less similar than unrelated"; it floors at zero rather than
// producing a negative percentage.
func overlapPercent(matches []datatypes.ArchiveMatch, topK int) float64 {
	if topK < 1 {
		topK = 1
	}
	if topK > len(matches) {
		topK = len(matches)
	}
	sum := 0.0
	for _, m := range matches[:topK] {
		sum += m.Similarity
	}
	sim := sum / float64(topK)
	if sim < 0 {
		sim = 0
	} else if sim > 1 {
		sim = 1
	}
	return sim * 100
}

// axisOverlaps projects both vectors onto contiguous subspace bands, one
// per configured axis, and reports per-band overlap against the axis
// threshold. Axes are ordered by name so diagnostics are deterministic.
func axisOverlaps(vec, nearest []float32, thresholds map[string]float64) []datatypes.AxisOverlap {
	if len(thresholds) == 0 || len(nearest) != len(vec) || len(vec) == 0 {
		return nil
	}

	axes := make([]string, 0, len(thresholds))
	for axis := range thresholds {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	band := len(vec) / len(axes)
	if band == 0 {
		return nil
	}

	out := make([]datatypes.AxisOverlap, 0, len(axes))
	for i, axis := range axes {
		lo := i * band
		hi := lo + band
		if i == len(axes)-1 {
			hi = len(vec)
		}
		sim, err := archive.Cosine(vec[lo:hi], nearest[lo:hi])
		if err != nil {
			continue
		}
		if sim < 0 {
			sim = 0
		}
		overlap := sim * 100
		out = append(out, datatypes.AxisOverlap{
			Axis:      axis,
			Overlap:   overlap,
			Threshold: thresholds[axis],
			Flagged:   overlap >= thresholds[axis],
		})
	}
	return out
}
