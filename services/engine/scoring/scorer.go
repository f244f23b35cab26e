// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scoring implements the Dimension Scorer: it runs a submission
// through the qualitative assessor under a fixed deterministic contract
// and extracts the four sub-scores with strict schema validation.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/engine/observability"
	"github.com/crucible-network/crucible/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("crucible.engine.scoring")

const (
	// maxAttempts bounds the retry budget for timeouts and parse
	// failures. Exhaustion is terminal evaluation_failed.
	maxAttempts = 3

	// initialRetryDelay is the delay before the first retry; doubled on
	// each subsequent attempt.
	initialRetryDelay = 1 * time.Second

	// attemptTimeout is the per-attempt deadline on the assessor call.
	attemptTimeout = 90 * time.Second

	// contractTemperature is fixed at zero: the contract asks the
	// assessor for its most deterministic behavior.
	contractTemperature float32 = 0
)

// Result is a successfully parsed assessment.
type Result struct {
	Scores        datatypes.DimensionScores
	Justification string
	Contract      datatypes.DeterminismContract
}

// Scorer sends submissions through the qualitative assessor.
//
// # Thread Safety
//
// Scorer is safe for concurrent use; it holds no per-call state.
//
// # Side Effects
//
// None beyond the outbound assessor call. The scorer never touches the
// archive or the ledger.
type Scorer struct {
	client llm.Client
}

// NewScorer creates a Scorer over the given assessor client.
func NewScorer(client llm.Client) *Scorer {
	return &Scorer{client: client}
}

// Score evaluates one submission against a pinned snapshot context.
//
// # Description
//
// Builds the fixed prompt (snapshot context, sandbox dimension weights,
// calibration entries), calls the assessor at temperature zero with a
// per-attempt deadline, and strictly parses the response. Responses with
// missing, non-numeric, or out-of-range sub-scores are rejected with a
// *ParseError and retried; they are never clamped into range.
//
// # Errors
//
//   - ErrEvaluationFailed (wrapping the last attempt error) after the
//     bounded retry budget is exhausted.
//   - context.Canceled when the caller cancels; cancellation between
//     attempts aborts immediately without consuming the budget.
func (s *Scorer) Score(
	ctx context.Context,
	sub *datatypes.Submission,
	snapshot datatypes.ArchiveSnapshot,
	cfg *datatypes.SandboxConfig,
	calibration []datatypes.CalibrationEntry,
) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Scorer.Score", trace.WithAttributes(
		attribute.String("submission_hash", sub.ContentHash),
		attribute.String("snapshot_id", snapshot.SnapshotID),
	))
	defer span.End()

	prompt := buildPrompt(sub, promptContext{
		Snapshot:    snapshot,
		Weights:     cfg.DimensionWeights,
		Calibration: calibration,
	})
	contract := datatypes.DeterminismContract{
		Model:       s.client.Model(),
		Temperature: contractTemperature,
		PromptHash:  promptHash(prompt),
	}
	span.SetAttributes(attribute.String("prompt_hash", contract.PromptHash))

	var lastErr error
	retryDelay := initialRetryDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			observability.AssessorRetriesTotal.Inc()
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", retryDelay.String()),
			))
			slog.Info("Retrying assessor call",
				"submission_hash", sub.ContentHash,
				"attempt", attempt,
				"delay", retryDelay)
			select {
			case <-ctx.Done():
				span.SetStatus(codes.Error, "context canceled during retry")
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		result, err := s.attempt(ctx, prompt, contract)
		if err == nil {
			span.SetAttributes(attribute.Float64("total_score", result.Scores.Total()))
			return result, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			span.SetStatus(codes.Error, "canceled")
			return nil, err
		}

		var parseErr *ParseError
		switch {
		case errors.As(err, &parseErr):
			slog.Warn("Assessor response rejected", "submission_hash", sub.ContentHash, "error", err)
		case errors.Is(err, ErrAssessorTimeout):
			slog.Warn("Assessor attempt timed out", "submission_hash", sub.ContentHash, "attempt", attempt)
		default:
			slog.Warn("Assessor attempt failed", "submission_hash", sub.ContentHash, "error", err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retries exhausted")
	return nil, fmt.Errorf("%w: %w", ErrEvaluationFailed, lastErr)
}

// attempt runs a single assessor call with its own deadline.
func (s *Scorer) attempt(ctx context.Context, prompt string, contract datatypes.DeterminismContract) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	temp := contractTemperature
	raw, err := s.client.Generate(attemptCtx, systemPersona, prompt, llm.GenerationParams{
		Temperature: &temp,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %w", ErrAssessorTimeout, err)
		}
		return nil, err
	}

	scores, justification, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	return &Result{Scores: scores, Justification: justification, Contract: contract}, nil
}

// rawScores mirrors the required response schema. Pointers distinguish
// missing fields from zero scores.
type rawScores struct {
	Novelty       *float64 `json:"novelty"`
	Density       *float64 `json:"density"`
	Coherence     *float64 `json:"coherence"`
	Alignment     *float64 `json:"alignment"`
	Justification string   `json:"justification"`
}

// parseResponse strictly validates the assessor response.
//
// The assessor is instructed to emit bare JSON, but models wrap output in
// code fences often enough that stripping them is transport cleanup, not
// score coercion. Everything inside the object is validated strictly.
func parseResponse(raw string) (datatypes.DimensionScores, string, error) {
	cleaned := stripFences(raw)

	var parsed rawScores
	dec := json.NewDecoder(strings.NewReader(cleaned))
	if err := dec.Decode(&parsed); err != nil {
		return datatypes.DimensionScores{}, "", &ParseError{Reason: fmt.Sprintf("response is not a JSON object: %v", err)}
	}

	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"novelty", parsed.Novelty},
		{"density", parsed.Density},
		{"coherence", parsed.Coherence},
		{"alignment", parsed.Alignment},
	} {
		if f.v == nil {
			return datatypes.DimensionScores{}, "", &ParseError{Field: f.name, Reason: "missing or non-numeric"}
		}
		if *f.v < 0 || *f.v > datatypes.DimensionMax {
			return datatypes.DimensionScores{}, "", &ParseError{
				Field:  f.name,
				Reason: fmt.Sprintf("value %g outside [0,%g]", *f.v, datatypes.DimensionMax),
			}
		}
	}

	scores := datatypes.DimensionScores{
		Novelty:   *parsed.Novelty,
		Density:   *parsed.Density,
		Coherence: *parsed.Coherence,
		Alignment: *parsed.Alignment,
	}
	return scores, parsed.Justification, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
