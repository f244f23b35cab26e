// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// Epoch is a time-bounded allocation period with a fixed, non-renewable
// token budget.
//
// # Description
//
// Balance starts at DistributionAmount and only ever decreases, one
// committed Allocation at a time, through the ledger's atomic
// check-then-decrement. Advancing to the next epoch is an explicit
// operator-driven operation, never an implicit side effect of allocation.
//
// Amounts are integral token units; the budget is conserved exactly, with
// no floating-point drift.
type Epoch struct {
	Name               string           `json:"name"`
	Ordinal            int              `json:"ordinal"`
	Thresholds         map[Tier]float64 `json:"thresholds"`
	DistributionAmount int64            `json:"distribution_amount"`
	Balance            int64            `json:"balance"`
	Open               bool             `json:"open"`
	AvailableTiers     []Tier           `json:"available_tiers"`
	CreatedAt          time.Time        `json:"created_at"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
}

// Validate checks the epoch invariants: non-negative balance that never
// exceeds the distribution amount, and a threshold for every available tier.
func (e *Epoch) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("epoch missing name")
	}
	if e.DistributionAmount < 0 {
		return fmt.Errorf("epoch %s: negative distribution amount %d", e.Name, e.DistributionAmount)
	}
	if e.Balance < 0 {
		return fmt.Errorf("epoch %s: negative balance %d", e.Name, e.Balance)
	}
	if e.Balance > e.DistributionAmount {
		return fmt.Errorf("epoch %s: balance %d exceeds distribution %d", e.Name, e.Balance, e.DistributionAmount)
	}
	for _, t := range e.AvailableTiers {
		if _, ok := e.Thresholds[t]; !ok {
			return fmt.Errorf("epoch %s: available tier %s has no threshold", e.Name, t)
		}
	}
	return nil
}

// ThresholdFor returns the minimum total score for a tier in this epoch.
// The second return is false when the tier is not offered this epoch.
func (e *Epoch) ThresholdFor(t Tier) (float64, bool) {
	for _, avail := range e.AvailableTiers {
		if avail == t {
			v, ok := e.Thresholds[t]
			return v, ok
		}
	}
	return 0, false
}

// Allocation is a committed draw against an epoch budget.
//
// Immutable once Anchored is true; until then only the anchoring fields
// may be set, never the amount.
type Allocation struct {
	SubmissionHash string    `json:"submission_hash"`
	Epoch          string    `json:"epoch"`
	Amount         int64     `json:"amount"`
	AllocatedAt    time.Time `json:"allocated_at"`
	Anchored       bool      `json:"anchored"`
	AnchorRef      string    `json:"anchor_ref,omitempty"`
}

// DeferredAllocation is a qualifying evaluation whose allocation could not
// be committed against the current epoch balance. The evaluation stays
// valid and qualified; the allocation is resolved at the next epoch or by
// operator override.
type DeferredAllocation struct {
	SubmissionHash string    `json:"submission_hash"`
	Epoch          string    `json:"epoch"`
	Requested      int64     `json:"requested"`
	Reason         string    `json:"reason"`
	DeferredAt     time.Time `json:"deferred_at"`
}
