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

// DimensionMax is the upper bound for each dimension sub-score.
const DimensionMax = 2500.0

// TotalScoreMax is the upper bound for the summed total score.
const TotalScoreMax = 4 * DimensionMax

// ChamberStatus is the overall verdict of the testability track.
type ChamberStatus string

const (
	// ChamberNotChecked means no structured falsifiability payload was
	// supplied. This is a valid first-class state, not an error; it caps
	// the reward tier but does not block qualification.
	ChamberNotChecked ChamberStatus = "not_checked"

	// ChamberPassed means all four testability checks passed.
	ChamberPassed ChamberStatus = "passed"

	// ChamberSoftFailed means only the degeneracy check failed.
	ChamberSoftFailed ChamberStatus = "soft_failed"

	// ChamberFailed means one of the three hard checks failed.
	ChamberFailed ChamberStatus = "failed"
)

// Tier is a reward tier. Ordering, highest to lowest:
// Founder > Pioneer > Ecosystem > Community.
type Tier string

const (
	TierFounder     Tier = "founder"
	TierPioneer     Tier = "pioneer"
	TierEcosystem   Tier = "ecosystem"
	TierCommunity   Tier = "community"
	TierUnqualified Tier = "unqualified"
)

// TiersDescending lists the qualifying tiers from highest to lowest.
var TiersDescending = []Tier{TierFounder, TierPioneer, TierEcosystem, TierCommunity}

// BubbleClass is the advisory precision classification derived from the
// stability index. It is reported for transparency and never gates
// qualification or reward tier.
type BubbleClass string

const (
	BubbleGold      BubbleClass = "gold"
	BubbleSilver    BubbleClass = "silver"
	BubbleCopper    BubbleClass = "copper"
	BubbleCommunity BubbleClass = "community"
)

// DimensionScores holds the four qualitative sub-scores.
//
// Each sub-score lies in [0, DimensionMax]. The total score is always the
// sum of the four and is never stored independently of them.
type DimensionScores struct {
	Novelty   float64 `json:"novelty"`
	Density   float64 `json:"density"`
	Coherence float64 `json:"coherence"`
	Alignment float64 `json:"alignment"`
}

// Total returns the summed score.
func (s DimensionScores) Total() float64 {
	return s.Novelty + s.Density + s.Coherence + s.Alignment
}

// Validate checks each sub-score against its bounds. Out-of-range values
// are rejected, never clamped.
func (s DimensionScores) Validate() error {
	for _, d := range []struct {
		name string
		v    float64
	}{
		{"novelty", s.Novelty},
		{"density", s.Density},
		{"coherence", s.Coherence},
		{"alignment", s.Alignment},
	} {
		if d.v < 0 || d.v > DimensionMax {
			return fmt.Errorf("dimension %s out of range [0,%g]: %g", d.name, DimensionMax, d.v)
		}
	}
	return nil
}

// DeterminismContract records the fixed parameters under which the
// qualitative assessor was invoked, so a stored score is explainable and,
// to the extent the assessor is deterministic, reproducible.
type DeterminismContract struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	PromptHash  string  `json:"prompt_hash"`
}

// AxisOverlap is a per-axis redundancy diagnostic: the overlap measured on
// one semantic axis, the sandbox threshold for that axis, and whether the
// threshold was exceeded.
type AxisOverlap struct {
	Axis      string  `json:"axis"`
	Overlap   float64 `json:"overlap"`
	Threshold float64 `json:"threshold"`
	Flagged   bool    `json:"flagged"`
}

// Evaluation is the persisted outcome of evaluating one submission.
//
// # Description
//
// There is at most one Evaluation per content hash. Once persisted it is
// immutable: re-evaluating a submission (operator action) creates a new
// snapshot/Evaluation pairing rather than mutating the old record.
//
// # Invariants
//
//   - Scores.Total() == TotalScore, each sub-score in [0, DimensionMax].
//   - 0 <= RedundancyPercent <= 100 when RedundancyKnown.
//   - Qualified implies the epoch threshold was met, redundancy was below
//     the sandbox limit, and ChamberStatus != failed.
//   - ChamberStatus == not_checked caps Tier at TierCommunity.
//   - ArchiveSnapshotID refers to an immutable pinned snapshot.
type Evaluation struct {
	SubmissionHash    string              `json:"submission_hash"`
	SandboxID         string              `json:"sandbox_id"`
	Scores            DimensionScores     `json:"scores"`
	TotalScore        float64             `json:"total_score"`
	Justification     string              `json:"justification,omitempty"`
	RedundancyPercent float64             `json:"redundancy_percent"`
	RedundancyKnown   bool                `json:"redundancy_known"`
	AxisOverlaps      []AxisOverlap       `json:"axis_overlaps,omitempty"`
	ChamberStatus     ChamberStatus       `json:"chamber_status"`
	TestabilityScore  *float64            `json:"testability_score,omitempty"`
	PrecisionIndex    float64             `json:"precision_index"`
	BubbleClass       BubbleClass         `json:"bubble_class"`
	Tier              Tier                `json:"tier"`
	Qualified         bool                `json:"qualified"`
	QualifiedEpoch    string              `json:"qualified_epoch,omitempty"`
	ArchiveSnapshotID string              `json:"archive_snapshot_id"`
	Contract          DeterminismContract `json:"determinism_contract"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Validate checks the persisted-record invariants. It is called before
// every store write; a violation is a programming error surfaced loudly
// rather than silently corrected.
func (e *Evaluation) Validate() error {
	if e.SubmissionHash == "" {
		return fmt.Errorf("evaluation missing submission hash")
	}
	if err := e.Scores.Validate(); err != nil {
		return err
	}
	if got := e.Scores.Total(); got != e.TotalScore {
		return fmt.Errorf("total score %g does not equal sum of dimensions %g", e.TotalScore, got)
	}
	if e.RedundancyKnown && (e.RedundancyPercent < 0 || e.RedundancyPercent > 100) {
		return fmt.Errorf("redundancy percent out of range [0,100]: %g", e.RedundancyPercent)
	}
	if e.Qualified && e.ChamberStatus == ChamberFailed {
		return fmt.Errorf("qualified evaluation with failed chamber status")
	}
	if e.ChamberStatus != ChamberNotChecked && e.TestabilityScore == nil {
		return fmt.Errorf("chamber status %q requires a testability score", e.ChamberStatus)
	}
	if e.ChamberStatus == ChamberNotChecked && e.Tier != TierUnqualified && e.Tier != TierCommunity {
		return fmt.Errorf("chamber not_checked caps tier at %s, got %s", TierCommunity, e.Tier)
	}
	if e.ArchiveSnapshotID == "" {
		return fmt.Errorf("evaluation missing archive snapshot id")
	}
	return nil
}
