// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chamber implements the testability track ("Chamber B"): four
// ordered checks over a structured falsifiability payload.
//
// Check order and severity:
//
//	T-B-01  regime and observables declared   hard (short-circuits)
//	T-B-02  differential, non-tautological    hard
//	T-B-03  explicit failure condition        hard
//	T-B-04  degeneracy / internal consistency soft
//
// A submission without a payload is not an error: it is the first-class
// not_checked state, evaluated on the narrative track only.
package chamber

import (
	"strings"

	"github.com/crucible-network/crucible/services/engine/datatypes"
)

// CheckID identifies one of the four ordered testability checks.
type CheckID string

const (
	CheckRegime       CheckID = "T-B-01"
	CheckDifferential CheckID = "T-B-02"
	CheckFailureCond  CheckID = "T-B-03"
	CheckDegeneracy   CheckID = "T-B-04"
)

// CheckState is the outcome of a single check.
type CheckState string

const (
	StatePassed     CheckState = "passed"
	StateFailed     CheckState = "failed"
	StateNotChecked CheckState = "not_checked"
)

// CheckResult pairs a check with its outcome and a human-readable reason
// for anything other than a pass.
type CheckResult struct {
	ID     CheckID    `json:"id"`
	State  CheckState `json:"state"`
	Reason string     `json:"reason,omitempty"`
}

// Result is the full Chamber B verdict for one submission.
type Result struct {
	Status datatypes.ChamberStatus `json:"status"`
	Checks []CheckResult           `json:"checks,omitempty"`

	// TestabilityScore is the weighted composite of the four check
	// outcomes, in [0,1]. Nil when no payload was supplied.
	TestabilityScore *float64 `json:"testability_score,omitempty"`
}

// Validate runs the four ordered checks against a falsifiability payload.
//
// A nil payload yields ChamberNotChecked with no per-check results and no
// testability score. Failing T-B-01 short-circuits: the remaining checks
// are recorded as failed without being evaluated. Failing only T-B-04 is
// a soft failure; the overall verdict is soft_failed, not failed.
func Validate(spec *datatypes.BridgeSpec, weights datatypes.ChamberWeights) Result {
	if spec == nil {
		return Result{Status: datatypes.ChamberNotChecked}
	}

	checks := make([]CheckResult, 0, 4)

	r1 := checkRegime(spec)
	checks = append(checks, r1)
	if r1.State == StateFailed {
		for _, id := range []CheckID{CheckDifferential, CheckFailureCond, CheckDegeneracy} {
			checks = append(checks, CheckResult{ID: id, State: StateFailed, Reason: "short-circuited by T-B-01"})
		}
		score := compositeScore(checks, weights)
		return Result{Status: datatypes.ChamberFailed, Checks: checks, TestabilityScore: &score}
	}

	r2 := checkDifferential(spec)
	r3 := checkFailureCondition(spec)
	r4 := checkDegeneracy(spec)
	checks = append(checks, r2, r3, r4)

	score := compositeScore(checks, weights)

	status := datatypes.ChamberPassed
	switch {
	case r2.State == StateFailed || r3.State == StateFailed:
		status = datatypes.ChamberFailed
	case r4.State == StateFailed:
		status = datatypes.ChamberSoftFailed
	}
	return Result{Status: status, Checks: checks, TestabilityScore: &score}
}

// checkRegime verifies a regime of validity and at least one observable
// are declared (T-B-01).
func checkRegime(spec *datatypes.BridgeSpec) CheckResult {
	if strings.TrimSpace(spec.Regime) == "" {
		return CheckResult{ID: CheckRegime, State: StateFailed, Reason: "no regime declared"}
	}
	declared := 0
	for _, o := range spec.Observables {
		if strings.TrimSpace(o) != "" {
			declared++
		}
	}
	if declared == 0 {
		return CheckResult{ID: CheckRegime, State: StateFailed, Reason: "no observables declared"}
	}
	return CheckResult{ID: CheckRegime, State: StatePassed}
}

// checkDifferential verifies the prediction is differential and
// non-tautological (T-B-02): it must state both a baseline and a
// differential, and the differential must not restate the baseline.
func checkDifferential(spec *datatypes.BridgeSpec) CheckResult {
	baseline := datatypes.NormalizeContent(spec.Prediction.Baseline)
	differential := datatypes.NormalizeContent(spec.Prediction.Differential)
	switch {
	case baseline == "":
		return CheckResult{ID: CheckDifferential, State: StateFailed, Reason: "prediction has no baseline"}
	case differential == "":
		return CheckResult{ID: CheckDifferential, State: StateFailed, Reason: "prediction has no differential"}
	case baseline == differential:
		return CheckResult{ID: CheckDifferential, State: StateFailed, Reason: "prediction is tautological: differential restates baseline"}
	}
	return CheckResult{ID: CheckDifferential, State: StatePassed}
}

// checkFailureCondition verifies an explicit falsifying observation is
// stated (T-B-03).
func checkFailureCondition(spec *datatypes.BridgeSpec) CheckResult {
	if strings.TrimSpace(spec.FailureCondition) == "" {
		return CheckResult{ID: CheckFailureCond, State: StateFailed, Reason: "no failure condition stated"}
	}
	return CheckResult{ID: CheckFailureCond, State: StatePassed}
}

// checkDegeneracy verifies the declared internal-consistency probes all
// hold (T-B-04). A payload declaring no probes passes: the check gates
// declared inconsistency, it does not require probes to exist.
func checkDegeneracy(spec *datatypes.BridgeSpec) CheckResult {
	for _, c := range spec.DegeneracyChecks {
		if !c.Consistent {
			return CheckResult{ID: CheckDegeneracy, State: StateFailed, Reason: "inconsistent probe: " + c.Name}
		}
	}
	return CheckResult{ID: CheckDegeneracy, State: StatePassed}
}

// compositeScore folds the check outcomes into [0,1] using the sandbox
// chamber weights. Weights are normalized so configurations that do not
// sum to exactly 1 still yield a bounded score.
func compositeScore(checks []CheckResult, w datatypes.ChamberWeights) float64 {
	weightFor := map[CheckID]float64{
		CheckRegime:       w.Regime,
		CheckDifferential: w.Differential,
		CheckFailureCond:  w.Failure,
		CheckDegeneracy:   w.Degeneracy,
	}
	total := w.Regime + w.Differential + w.Failure + w.Degeneracy
	if total <= 0 {
		return 0
	}
	earned := 0.0
	for _, c := range checks {
		if c.State == StatePassed {
			earned += weightFor[c.ID]
		}
	}
	return earned / total
}
