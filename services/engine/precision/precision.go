// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package precision computes the logarithmic stability index (the "bubble
// model of precision") and its discrete class.
//
// The index is advisory confidence metadata reported alongside an
// evaluation. It never gates qualification and is distinct from the
// reward tier.
package precision

import (
	"math"

	"github.com/crucible-network/crucible/services/engine/datatypes"
)

// Class thresholds for the stability index.
const (
	GoldThreshold   = 10.0
	SilverThreshold = 6.0
	CopperThreshold = 3.0
)

// Result holds the stability index and its discrete class.
type Result struct {
	Index float64               `json:"index"`
	Class datatypes.BubbleClass `json:"class"`
}

// Classify computes the stability index from the coherence sub-score and
// the testability quality.
//
// # Description
//
// The index is
//
//	n̂ = Scale · ln((c·(1−w) + t·w + ε) / (p + ε))
//
// where c is coherence normalized to [0,1], t is the testability score
// (zero when the chamber was not checked), w the testability blend
// weight, p = PenaltyWeight·(1−t) the inconsistency penalty, and ε the
// stabilizing epsilon. The coefficients come from sandbox calibration,
// not hard-coded constants; the closed form here is the structural
// placeholder pending an authoritative derivation.
//
// A submission with no testability payload lands deep in the penalty
// regime and classifies as Community regardless of coherence.
func Classify(coherence float64, testability *float64, params datatypes.PrecisionParams) Result {
	c := coherence / datatypes.DimensionMax
	if c < 0 {
		c = 0
	} else if c > 1 {
		c = 1
	}

	t := 0.0
	if testability != nil {
		t = *testability
	}

	w := params.TestabilityWeight
	penalty := params.PenaltyWeight * (1 - t)

	quality := c*(1-w) + t*w
	index := params.Scale * math.Log((quality+params.Epsilon)/(penalty+params.Epsilon))

	return Result{Index: index, Class: classFor(index)}
}

func classFor(index float64) datatypes.BubbleClass {
	switch {
	case index >= GoldThreshold:
		return datatypes.BubbleGold
	case index >= SilverThreshold:
		return datatypes.BubbleSilver
	case index >= CopperThreshold:
		return datatypes.BubbleCopper
	default:
		return datatypes.BubbleCommunity
	}
}
