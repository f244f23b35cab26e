// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// BridgeSpec is the structured falsifiability payload a contributor may
// attach to a submission. It translates narrative claims into testable,
// falsifiable predictions and is the input to the Chamber B validator.
//
// Supplying no BridgeSpec is valid: the submission is evaluated on the
// narrative track only ("Chamber A only") and its reward tier is capped.
type BridgeSpec struct {
	// Regime names the domain of validity the claims apply to.
	Regime string `json:"regime"`

	// Observables lists the measurable quantities the claims speak about.
	Observables []string `json:"observables"`

	// Prediction is the claim restated as a differential prediction.
	Prediction Prediction `json:"prediction"`

	// FailureCondition states explicitly what observation would falsify
	// the claim.
	FailureCondition string `json:"failure_condition"`

	// DegeneracyChecks are contributor-declared internal-consistency
	// probes. A failed probe is a soft failure, not a hard one.
	DegeneracyChecks []DegeneracyCheck `json:"degeneracy_checks,omitempty"`
}

// Prediction pairs the expected baseline behavior with the differential
// the claim predicts. A prediction whose differential is empty or merely
// restates the baseline is tautological and fails validation.
type Prediction struct {
	Baseline     string `json:"baseline"`
	Differential string `json:"differential"`
}

// DegeneracyCheck is one internal-consistency probe within a BridgeSpec.
type DegeneracyCheck struct {
	Name       string `json:"name"`
	Consistent bool   `json:"consistent"`
}
