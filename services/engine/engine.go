// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine runs the proof-of-contribution evaluation pipeline.
//
// One Evaluate call takes a validated submission through snapshot
// pinning, the concurrent {scoring, redundancy, chamber} stage, precision
// classification, the qualification decision, and the allocation ledger.
// Evaluation is at-most-once per content hash: concurrent duplicates
// coalesce through singleflight and resubmissions return the persisted
// evaluation unchanged.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/crucible-network/crucible/services/engine/archive"
	"github.com/crucible-network/crucible/services/engine/calibration"
	"github.com/crucible-network/crucible/services/engine/chamber"
	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/engine/ledger"
	"github.com/crucible-network/crucible/services/engine/observability"
	"github.com/crucible-network/crucible/services/engine/precision"
	"github.com/crucible-network/crucible/services/engine/qualify"
	"github.com/crucible-network/crucible/services/engine/redundancy"
	"github.com/crucible-network/crucible/services/engine/scoring"
	"github.com/crucible-network/crucible/services/engine/storage/badgerstore"
)

var tracer = otel.Tracer("crucible.engine")

// ErrNoOpenEpoch indicates evaluation was requested before any epoch
// was opened. Operators open the first epoch explicitly.
var ErrNoOpenEpoch = errors.New("no open epoch to evaluate against")

// Outcome is the result of one Evaluate call.
type Outcome struct {
	Evaluation *datatypes.Evaluation `json:"evaluation"`

	// Allocation is set when the ledger was consulted, i.e. the
	// evaluation qualified.
	Allocation *ledger.Result `json:"allocation,omitempty"`

	// Reused is true when an existing evaluation was returned instead
	// of running the pipeline again.
	Reused bool `json:"reused"`
}

// Engine wires the evaluation pipeline together.
type Engine struct {
	scorer      *scoring.Scorer
	analyzer    *redundancy.Analyzer
	archives    *archive.Service
	ledger      *ledger.Ledger
	records     *badgerstore.Records
	calibration *calibration.Store

	flight singleflight.Group

	mu      sync.RWMutex
	configs map[string]datatypes.SandboxConfig
}

// New creates an Engine over its collaborators.
func New(
	scorer *scoring.Scorer,
	analyzer *redundancy.Analyzer,
	archives *archive.Service,
	ldg *ledger.Ledger,
	records *badgerstore.Records,
	calib *calibration.Store,
) *Engine {
	return &Engine{
		scorer:      scorer,
		analyzer:    analyzer,
		archives:    archives,
		ledger:      ldg,
		records:     records,
		calibration: calib,
		configs:     make(map[string]datatypes.SandboxConfig),
	}
}

// RegisterSandbox installs a sandbox configuration. Unregistered
// sandboxes evaluate under defaults.
func (e *Engine) RegisterSandbox(cfg datatypes.SandboxConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.configs[cfg.SandboxID] = cfg
	e.mu.Unlock()
	return nil
}

// SandboxConfig returns the effective configuration for a sandbox.
func (e *Engine) SandboxConfig(sandboxID string) datatypes.SandboxConfig {
	e.mu.RLock()
	cfg, ok := e.configs[sandboxID]
	e.mu.RUnlock()
	if !ok {
		return datatypes.DefaultSandboxConfig(sandboxID)
	}
	return cfg
}

// Ledger exposes the allocation ledger for epoch operations.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Records exposes the record store for read-only queries.
func (e *Engine) Records() *badgerstore.Records {
	return e.records
}

// Archives exposes the snapshot service for read-only queries.
func (e *Engine) Archives() *archive.Service {
	return e.archives
}

// Calibration exposes the calibration store.
func (e *Engine) Calibration() *calibration.Store {
	return e.calibration
}

// Evaluate runs the full pipeline for one submission.
//
// # Description
//
// Concurrent calls with the same content hash coalesce into a single
// execution; every caller observes the same outcome. A content hash
// that already has a persisted evaluation is returned as-is with
// Reused=true and never triggers a second allocation.
//
// Cancellation is honored up to the point the assessor call is
// dispatched. After dispatch the outbound call runs to completion so
// its spend is accounted for, but the result is discarded and nothing
// is persisted.
//
// # Errors
//
//   - scoring.ErrEvaluationFailed when assessor retries are exhausted;
//     the submission's terminal state, reported to the caller.
//   - ErrNoOpenEpoch before the first epoch is opened.
//   - context.Canceled / DeadlineExceeded per the cancellation rules.
func (e *Engine) Evaluate(ctx context.Context, sub *datatypes.Submission) (*Outcome, error) {
	v, err, shared := e.flight.Do(sub.ContentHash, func() (any, error) {
		return e.evaluate(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	out := v.(*Outcome)
	if shared {
		slog.Debug("Coalesced duplicate evaluation", "content_hash", sub.ContentHash)
	}
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, sub *datatypes.Submission) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("content_hash", sub.ContentHash),
		attribute.String("sandbox_id", sub.SandboxID),
	)
	start := time.Now()

	// Idempotency: at most one evaluation per content hash, ever.
	if existing, err := e.records.GetEvaluation(ctx, sub.ContentHash); err == nil {
		observability.EvaluationsTotal.WithLabelValues("reused", sub.SandboxID).Inc()
		return &Outcome{Evaluation: existing, Reused: true}, nil
	} else if !errors.Is(err, badgerstore.ErrNotFound) {
		return nil, err
	}

	cfg := e.SandboxConfig(sub.SandboxID)

	epoch, err := e.ledger.CurrentEpoch(ctx)
	if errors.Is(err, ledger.ErrNoCurrentEpoch) {
		return nil, ErrNoOpenEpoch
	}
	if err != nil {
		return nil, err
	}

	snapshot, items, err := e.archives.Pin(ctx, sub.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("pin archive snapshot: %w", err)
	}

	// Last cancellation point before the assessor is dispatched.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	calEntries, err := e.calibration.Entries(ctx, sub.SandboxID)
	if err != nil {
		return nil, err
	}

	// The three analyses are independent; they join here before
	// qualification. Once dispatched, the assessor call must not be
	// aborted by caller cancellation, so the stage runs detached and
	// the parent context is consulted again after the join.
	stageCtx := context.WithoutCancel(ctx)
	var (
		scoreRes   *scoring.Result
		redRes     *redundancy.Result
		chamberRes chamber.Result
	)
	g, gctx := errgroup.WithContext(stageCtx)
	g.Go(func() error {
		var err error
		scoreRes, err = e.scorer.Score(gctx, sub, snapshot, &cfg, calEntries)
		return err
	})
	g.Go(func() error {
		res, err := e.analyzer.Analyze(gctx, sub, snapshot, items, &cfg)
		if err != nil && !errors.Is(err, redundancy.ErrComputeFailed) {
			return err
		}
		// Degraded redundancy is a first-class outcome, not a failure.
		redRes = res
		return nil
	})
	g.Go(func() error {
		chamberRes = chamber.Validate(sub.Bridge, cfg.Chamber)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation stage failed")
		observability.EvaluationsTotal.WithLabelValues("failed", sub.SandboxID).Inc()
		return nil, err
	}

	// Caller cancelled while the assessor was in flight: the spend is
	// accounted for, the result is discarded, nothing persists.
	if ctx.Err() != nil {
		slog.Warn("Evaluation discarded after cancellation",
			"content_hash", sub.ContentHash)
		return nil, ctx.Err()
	}

	prec := precision.Classify(scoreRes.Scores.Coherence, chamberRes.TestabilityScore, cfg.Precision)

	if redRes.Known {
		observability.RedundancyPercent.Observe(redRes.Percent)
	} else {
		observability.RedundancyUnknownTotal.Inc()
	}

	decision := qualify.Classify(qualify.Input{
		TotalScore:        scoreRes.Scores.Total(),
		RedundancyPercent: redRes.Percent,
		RedundancyKnown:   redRes.Known,
		ChamberStatus:     chamberRes.Status,
	}, epoch, &cfg)

	eval := &datatypes.Evaluation{
		SubmissionHash:    sub.ContentHash,
		SandboxID:         sub.SandboxID,
		Scores:            scoreRes.Scores,
		TotalScore:        scoreRes.Scores.Total(),
		Justification:     scoreRes.Justification,
		RedundancyPercent: redRes.Percent,
		RedundancyKnown:   redRes.Known,
		AxisOverlaps:      redRes.Axes,
		ChamberStatus:     chamberRes.Status,
		TestabilityScore:  chamberRes.TestabilityScore,
		PrecisionIndex:    prec.Index,
		BubbleClass:       prec.Class,
		Tier:              decision.Tier,
		Qualified:         decision.Qualified,
		ArchiveSnapshotID: snapshot.SnapshotID,
		Contract:          scoreRes.Contract,
		CreatedAt:         time.Now().UTC(),
	}
	if decision.Qualified {
		eval.QualifiedEpoch = epoch.Name
	}
	if err := eval.Validate(); err != nil {
		return nil, fmt.Errorf("evaluation record invalid: %w", err)
	}

	outcome := &Outcome{Evaluation: eval}

	// The commit phase runs detached: once past the cancellation gate, a
	// late cancel must not leave an allocation without its evaluation.
	if decision.Qualified {
		allocRes, err := e.ledger.AttemptAllocate(stageCtx, eval, &cfg)
		if err != nil {
			return nil, fmt.Errorf("allocate: %w", err)
		}
		outcome.Allocation = allocRes
		observability.AllocationsTotal.WithLabelValues(string(allocRes.Outcome)).Inc()
		if balance, err := e.ledger.QueryBalance(stageCtx, epoch.Name); err == nil {
			observability.EpochBalance.WithLabelValues(epoch.Name).Set(float64(balance))
		}
	}

	if err := e.records.PutEvaluation(stageCtx, eval); err != nil {
		return nil, fmt.Errorf("persist evaluation: %w", err)
	}

	// Qualified work joins the live archive so future snapshots see it.
	// Already-pinned snapshots are unaffected.
	if decision.Qualified && len(redRes.Embedding) > 0 {
		if err := e.archives.AppendQualified(stageCtx, sub.SandboxID, sub.ContentHash, redRes.Embedding); err != nil {
			slog.Error("Failed to append qualified item to archive",
				"content_hash", sub.ContentHash, "error", err)
		}
	}

	if decision.Qualified {
		if entries := calibration.Extract(sub.TextContent, sub.ContentHash); len(entries) > 0 {
			if err := e.calibration.Append(stageCtx, sub.SandboxID, entries); err != nil {
				slog.Error("Failed to record calibration entries",
					"content_hash", sub.ContentHash, "error", err)
			}
		}
	}

	outcomeLabel := "unqualified"
	if decision.Qualified {
		outcomeLabel = "qualified"
	}
	observability.EvaluationsTotal.WithLabelValues(outcomeLabel, sub.SandboxID).Inc()
	observability.EvaluationDuration.WithLabelValues(sub.SandboxID).Observe(time.Since(start).Seconds())

	slog.Info("Evaluation complete",
		"content_hash", sub.ContentHash,
		"sandbox_id", sub.SandboxID,
		"total_score", eval.TotalScore,
		"redundancy_known", eval.RedundancyKnown,
		"chamber_status", eval.ChamberStatus,
		"tier", eval.Tier,
		"qualified", eval.Qualified,
		"duration", time.Since(start))
	return outcome, nil
}
