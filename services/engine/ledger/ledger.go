// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ledger owns the epoch balance.
//
// The balance is the one piece of truly shared mutable state in the
// engine, and it is mutated only through AttemptAllocate's atomic
// check-then-decrement. No other component reads then writes the
// balance; everything else observes it through QueryBalance.
//
// An allocation shortfall is not a failure. A qualifying evaluation
// whose draw would overdraw the epoch is Deferred: the evaluation stays
// valid and qualified, and the allocation is queued for the next epoch
// or operator override. Epoch transition is a separate explicit
// operation, never implicit inside allocation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/engine/storage/badgerstore"
)

var tracer = otel.Tracer("crucible.engine.ledger")

var (
	// ErrInsufficientBalance indicates a draw that would overdraw the
	// epoch. AttemptAllocate converts it into a Deferred outcome.
	ErrInsufficientBalance = errors.New("insufficient epoch balance")

	// ErrEpochClosed indicates an allocation attempt against a closed epoch.
	ErrEpochClosed = errors.New("epoch is closed")

	// ErrNoCurrentEpoch indicates no epoch has been opened yet.
	ErrNoCurrentEpoch = errors.New("no current epoch")
)

// Outcome is the result category of an allocation attempt.
type Outcome string

const (
	OutcomeAllocated Outcome = "allocated"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeRejected  Outcome = "rejected"
)

// Result is the outcome of AttemptAllocate. Allocation is set only for
// OutcomeAllocated; Deferred only for OutcomeDeferred.
type Result struct {
	Outcome    Outcome
	Allocation *datatypes.Allocation
	Deferred   *datatypes.DeferredAllocation
	Reason     string
}

// Ledger is the single owner of epoch balances.
type Ledger struct {
	records *badgerstore.Records
}

// New creates a Ledger over the record store.
func New(records *badgerstore.Records) *Ledger {
	return &Ledger{records: records}
}

// Amount computes the draw a qualifying evaluation deserves from an
// epoch's distribution, per the sandbox allocation curve.
//
// Description:
//
//	linear draws proportionally to total score, tiered draws the
//	configured fraction for the awarded tier, exponential weights
//	high scores superlinearly with curvature ExponentialK. The draw
//	is floored to whole units, never below 1 and never above the
//	distribution amount.
//
// Inputs:
//
//	epoch - The epoch whose distribution funds the draw.
//	cfg - Sandbox configuration carrying the curve parameters.
//	totalScore - The evaluation's total score.
//	tier - The awarded tier (used by the tiered curve).
//
// Outputs:
//
//	int64 - The draw in whole token units, >= 1.
func Amount(epoch *datatypes.Epoch, cfg *datatypes.SandboxConfig, totalScore float64, tier datatypes.Tier) int64 {
	scoreFrac := totalScore / datatypes.TotalScoreMax
	if scoreFrac < 0 {
		scoreFrac = 0
	} else if scoreFrac > 1 {
		scoreFrac = 1
	}

	var frac float64
	switch cfg.AllocationCurve {
	case datatypes.CurveTiered:
		frac = cfg.TierFractions[tier]
	case datatypes.CurveExponential:
		k := cfg.ExponentialK
		if k <= 0 {
			frac = cfg.AllocationFraction * scoreFrac
		} else {
			// Normalized so a perfect score draws exactly AllocationFraction.
			frac = cfg.AllocationFraction * (1 - math.Exp(-k*scoreFrac)) / (1 - math.Exp(-k))
		}
	default: // linear
		frac = cfg.AllocationFraction * scoreFrac
	}

	amount := int64(math.Floor(frac * float64(epoch.DistributionAmount)))
	if amount < 1 {
		amount = 1
	}
	if amount > epoch.DistributionAmount {
		amount = epoch.DistributionAmount
	}
	return amount
}

// AttemptAllocate tries to fund a qualifying evaluation from its epoch.
//
// Description:
//
//	Computes the draw from the sandbox curve and commits it via a
//	single atomic check-then-decrement against the epoch balance. If
//	the decrement would go negative the evaluation is Deferred, not
//	failed. Re-invoking for an already-allocated submission returns
//	the existing allocation without spending again.
//
// Inputs:
//
//	ctx - Request context.
//	eval - A persisted evaluation. Must be qualified; unqualified
//	       evaluations are Rejected.
//	cfg - The sandbox configuration used for the evaluation.
//
// Outputs:
//
//	*Result - Allocated, Deferred, or Rejected with reason.
//	error - Non-nil only on storage failure; shortfall is not an error.
//
// Thread Safety: Safe for concurrent use. Concurrent attempts against
// the same epoch serialize on the balance; the balance never goes
// negative.
func (l *Ledger) AttemptAllocate(ctx context.Context, eval *datatypes.Evaluation, cfg *datatypes.SandboxConfig) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.AttemptAllocate")
	defer span.End()
	span.SetAttributes(
		attribute.String("submission_hash", eval.SubmissionHash),
		attribute.String("epoch", eval.QualifiedEpoch),
	)

	if !eval.Qualified {
		return &Result{Outcome: OutcomeRejected, Reason: "evaluation not qualified"}, nil
	}
	if eval.QualifiedEpoch == "" {
		return &Result{Outcome: OutcomeRejected, Reason: "evaluation carries no epoch"}, nil
	}

	if existing, err := l.records.GetAllocation(ctx, eval.SubmissionHash); err == nil {
		return &Result{Outcome: OutcomeAllocated, Allocation: existing, Reason: "already allocated"}, nil
	} else if !errors.Is(err, badgerstore.ErrNotFound) {
		return nil, err
	}

	epoch, err := l.records.GetEpoch(ctx, eval.QualifiedEpoch)
	if err != nil {
		return nil, fmt.Errorf("load epoch %s: %w", eval.QualifiedEpoch, err)
	}

	amount := Amount(epoch, cfg, eval.TotalScore, eval.Tier)
	span.SetAttributes(attribute.Int64("amount", amount))

	alloc := &datatypes.Allocation{
		SubmissionHash: eval.SubmissionHash,
		Epoch:          epoch.Name,
		Amount:         amount,
		AllocatedAt:    time.Now().UTC(),
	}

	err = l.records.CommitAllocation(ctx, alloc, func(e *datatypes.Epoch) error {
		if !e.Open {
			return ErrEpochClosed
		}
		if e.Balance < amount {
			return ErrInsufficientBalance
		}
		e.Balance -= amount
		return nil
	})

	switch {
	case err == nil:
		slog.Info("Allocation committed",
			"submission_hash", alloc.SubmissionHash,
			"epoch", alloc.Epoch,
			"amount", alloc.Amount)
		return &Result{Outcome: OutcomeAllocated, Allocation: alloc}, nil

	case errors.Is(err, ErrInsufficientBalance):
		deferred := &datatypes.DeferredAllocation{
			SubmissionHash: eval.SubmissionHash,
			Epoch:          epoch.Name,
			Requested:      amount,
			Reason:         ErrInsufficientBalance.Error(),
			DeferredAt:     time.Now().UTC(),
		}
		if putErr := l.records.PutDeferred(ctx, deferred); putErr != nil {
			return nil, fmt.Errorf("queue deferred allocation: %w", putErr)
		}
		slog.Warn("Allocation deferred",
			"submission_hash", eval.SubmissionHash,
			"epoch", epoch.Name,
			"requested", amount)
		return &Result{Outcome: OutcomeDeferred, Deferred: deferred, Reason: ErrInsufficientBalance.Error()}, nil

	case errors.Is(err, ErrEpochClosed):
		return &Result{Outcome: OutcomeRejected, Reason: ErrEpochClosed.Error()}, nil

	case errors.Is(err, badgerstore.ErrAllocationExists):
		existing, getErr := l.records.GetAllocation(ctx, eval.SubmissionHash)
		if getErr != nil {
			return nil, getErr
		}
		return &Result{Outcome: OutcomeAllocated, Allocation: existing, Reason: "already allocated"}, nil

	default:
		return nil, fmt.Errorf("commit allocation: %w", err)
	}
}

// QueryBalance returns the remaining balance of an epoch. Read-only.
func (l *Ledger) QueryBalance(ctx context.Context, epochName string) (int64, error) {
	epoch, err := l.records.GetEpoch(ctx, epochName)
	if err != nil {
		return 0, err
	}
	return epoch.Balance, nil
}

// CurrentEpoch returns the active epoch, or ErrNoCurrentEpoch.
func (l *Ledger) CurrentEpoch(ctx context.Context) (*datatypes.Epoch, error) {
	epoch, err := l.records.CurrentEpoch(ctx)
	if errors.Is(err, badgerstore.ErrNotFound) {
		return nil, ErrNoCurrentEpoch
	}
	return epoch, err
}

// OpenEpoch opens the first epoch, or any epoch when none is active.
// The balance starts at the full distribution amount.
func (l *Ledger) OpenEpoch(ctx context.Context, epoch *datatypes.Epoch) error {
	if epoch == nil {
		return errors.New("epoch must not be nil")
	}
	epoch.Open = true
	epoch.Balance = epoch.DistributionAmount
	if epoch.CreatedAt.IsZero() {
		epoch.CreatedAt = time.Now().UTC()
	}
	if err := epoch.Validate(); err != nil {
		return fmt.Errorf("open epoch: %w", err)
	}
	if err := l.records.PutEpoch(ctx, epoch); err != nil {
		return err
	}
	if err := l.records.SetCurrentEpoch(ctx, epoch.Name); err != nil {
		return err
	}
	slog.Info("Epoch opened",
		"epoch", epoch.Name,
		"ordinal", epoch.Ordinal,
		"distribution", epoch.DistributionAmount)
	return nil
}

// AdvanceResult summarizes an explicit epoch transition.
type AdvanceResult struct {
	Closed  string                         `json:"closed"`
	Opened  string                         `json:"opened"`
	Drained []datatypes.Allocation         `json:"drained"`
	Carried []datatypes.DeferredAllocation `json:"carried"`
}

// AdvanceEpoch closes the active epoch and opens the next one.
//
// Description:
//
//	Epoch transition is explicit; allocation never advances epochs as
//	a side effect. The closed epoch's deferred queue is drained in
//	order against the new epoch's fresh balance: entries that now fit
//	become Allocations, entries that still do not fit are carried into
//	the new epoch's queue for the next advance or operator override.
//
// Inputs:
//
//	ctx - Request context.
//	next - The epoch to open. Its balance is reset to the full
//	       distribution amount.
//
// Outputs:
//
//	*AdvanceResult - Names of the closed and opened epochs plus the
//	                 drained and carried deferred entries.
//	error - Non-nil on validation or storage failure.
func (l *Ledger) AdvanceEpoch(ctx context.Context, next *datatypes.Epoch) (*AdvanceResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.AdvanceEpoch")
	defer span.End()

	if next == nil {
		return nil, errors.New("next epoch must not be nil")
	}

	current, err := l.records.CurrentEpoch(ctx)
	if errors.Is(err, badgerstore.ErrNotFound) {
		return nil, ErrNoCurrentEpoch
	}
	if err != nil {
		return nil, err
	}
	if next.Name == current.Name {
		return nil, fmt.Errorf("epoch %s is already current", next.Name)
	}

	now := time.Now().UTC()
	err = l.records.MutateEpoch(ctx, current.Name, func(e *datatypes.Epoch) error {
		e.Open = false
		e.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close epoch %s: %w", current.Name, err)
	}

	if err := l.OpenEpoch(ctx, next); err != nil {
		return nil, err
	}

	result := &AdvanceResult{Closed: current.Name, Opened: next.Name}

	deferred, err := l.records.ListDeferred(ctx, current.Name)
	if err != nil {
		return nil, err
	}
	for _, d := range deferred {
		alloc := &datatypes.Allocation{
			SubmissionHash: d.SubmissionHash,
			Epoch:          next.Name,
			Amount:         d.Requested,
			AllocatedAt:    time.Now().UTC(),
		}
		commitErr := l.records.CommitAllocation(ctx, alloc, func(e *datatypes.Epoch) error {
			if e.Balance < alloc.Amount {
				return ErrInsufficientBalance
			}
			e.Balance -= alloc.Amount
			return nil
		})
		switch {
		case commitErr == nil:
			result.Drained = append(result.Drained, *alloc)
		case errors.Is(commitErr, ErrInsufficientBalance):
			carried := d
			carried.Epoch = next.Name
			carried.Reason = fmt.Sprintf("carried over from %s: %s", current.Name, d.Reason)
			if putErr := l.records.PutDeferred(ctx, &carried); putErr != nil {
				return nil, putErr
			}
			result.Carried = append(result.Carried, carried)
		case errors.Is(commitErr, badgerstore.ErrAllocationExists):
			// Operator override resolved it already; just drop the entry.
		default:
			return nil, fmt.Errorf("drain deferred %s: %w", d.SubmissionHash, commitErr)
		}
		if err := l.records.DeleteDeferred(ctx, current.Name, d.SubmissionHash); err != nil {
			return nil, err
		}
	}

	slog.Info("Epoch advanced",
		"closed", result.Closed,
		"opened", result.Opened,
		"drained", len(result.Drained),
		"carried", len(result.Carried))
	return result, nil
}
