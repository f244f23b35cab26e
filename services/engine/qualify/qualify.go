// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package qualify holds the single authoritative qualification decision.
//
// Classify is a pure function and the only place tier thresholds are
// interpreted. Handlers, the ledger, and the chain registrar all call it
// rather than re-deriving rules, so the displayed and the authoritative
// classification cannot drift apart.
package qualify

import (
	"github.com/crucible-network/crucible/services/engine/datatypes"
)

// Input is everything the qualification decision depends on.
type Input struct {
	TotalScore        float64
	RedundancyPercent float64
	RedundancyKnown   bool
	ChamberStatus     datatypes.ChamberStatus
}

// Decision is the outcome of qualification.
type Decision struct {
	Qualified bool           `json:"qualified"`
	Tier      datatypes.Tier `json:"tier"`
	Reason    string         `json:"reason,omitempty"`
}

// Classify decides qualification and reward tier.
//
// Decision order:
//
//  1. Unknown redundancy never qualifies. A degraded redundancy result is
//     not zero redundancy; qualifying on it would defeat the farming guard.
//  2. Redundancy at or above the sandbox limit disqualifies regardless of
//     score.
//  3. A failed chamber verdict disqualifies.
//  4. Otherwise the tier is the highest epoch-available tier whose
//     threshold the total score meets, capped at Community when the
//     chamber verdict is not_checked or soft_failed.
func Classify(in Input, epoch *datatypes.Epoch, cfg *datatypes.SandboxConfig) Decision {
	if !in.RedundancyKnown {
		return Decision{Tier: datatypes.TierUnqualified, Reason: "redundancy unknown"}
	}
	if in.RedundancyPercent >= cfg.RedundancyLimit {
		return Decision{Tier: datatypes.TierUnqualified, Reason: "redundancy limit exceeded"}
	}
	if in.ChamberStatus == datatypes.ChamberFailed {
		return Decision{Tier: datatypes.TierUnqualified, Reason: "testability checks failed"}
	}

	capped := in.ChamberStatus == datatypes.ChamberNotChecked ||
		in.ChamberStatus == datatypes.ChamberSoftFailed

	for _, tier := range datatypes.TiersDescending {
		if capped && tier != datatypes.TierCommunity {
			continue
		}
		threshold, offered := epoch.ThresholdFor(tier)
		if !offered {
			continue
		}
		if in.TotalScore >= threshold {
			return Decision{Qualified: true, Tier: tier}
		}
	}
	return Decision{Tier: datatypes.TierUnqualified, Reason: "score below epoch thresholds"}
}
