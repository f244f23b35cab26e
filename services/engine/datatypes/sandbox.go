// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AllocationCurve selects how a qualifying total score maps to a draw
// against the epoch budget.
type AllocationCurve string

const (
	// CurveLinear allocates proportionally to total score.
	CurveLinear AllocationCurve = "linear"

	// CurveTiered allocates a fixed fraction of the distribution per
	// reward tier.
	CurveTiered AllocationCurve = "tiered"

	// CurveExponential weights high scores superlinearly.
	CurveExponential AllocationCurve = "exponential"
)

// PrecisionParams are the sandbox-level calibration coefficients for the
// stability index. The closed form of the index is fixed; the
// coefficients are deliberately configuration, not constants, pending an
// authoritative derivation.
type PrecisionParams struct {
	// Epsilon is the small stabilizing term keeping the logarithm finite.
	Epsilon float64 `yaml:"epsilon" json:"epsilon" validate:"gt=0"`

	// TestabilityWeight blends testability quality against normalized
	// coherence, in [0,1].
	TestabilityWeight float64 `yaml:"testability_weight" json:"testability_weight" validate:"gte=0,lte=1"`

	// PenaltyWeight scales the inconsistency penalty.
	PenaltyWeight float64 `yaml:"penalty_weight" json:"penalty_weight" validate:"gte=0"`

	// Scale multiplies the logarithm into the tier range.
	Scale float64 `yaml:"scale" json:"scale" validate:"gt=0"`
}

// ChamberWeights are the contributions of the four testability checks to
// the composite testability score. They should sum to 1.
type ChamberWeights struct {
	Regime       float64 `yaml:"regime" json:"regime" validate:"gte=0"`
	Differential float64 `yaml:"differential" json:"differential" validate:"gte=0"`
	Failure      float64 `yaml:"failure" json:"failure" validate:"gte=0"`
	Degeneracy   float64 `yaml:"degeneracy" json:"degeneracy" validate:"gte=0"`
}

// SandboxConfig is the per-tenant scoring configuration.
//
// # Description
//
// A sandbox owns the knobs that vary between tenants: dimension weights
// fed into the assessor prompt, the redundancy limit and per-axis overlap
// thresholds, the allocation curve, and the precision calibration. It is
// loaded from YAML at startup or supplied inline on an evaluation request.
//
// # Example
//
//	cfg, err := datatypes.LoadSandboxConfig("sandbox.yaml")
//	if err != nil { ... }
type SandboxConfig struct {
	SandboxID string `yaml:"sandbox_id" json:"sandbox_id" validate:"required"`

	// DimensionWeights bias the assessor prompt per dimension. Keys are
	// novelty, density, coherence, alignment; values are relative weights.
	DimensionWeights map[string]float64 `yaml:"dimension_weights" json:"dimension_weights"`

	// RedundancyLimit is the overlap percentage at or above which a
	// submission is unqualified regardless of score.
	RedundancyLimit float64 `yaml:"redundancy_limit" json:"redundancy_limit" validate:"gte=0,lte=100"`

	// RedundancyTopK aggregates the top-k nearest neighbors when > 1;
	// 1 uses the single maximum similarity.
	RedundancyTopK int `yaml:"redundancy_top_k" json:"redundancy_top_k" validate:"gte=1"`

	// AxisThresholds are per-axis overlap flag thresholds (percent).
	AxisThresholds map[string]float64 `yaml:"axis_thresholds" json:"axis_thresholds"`

	// AllocationCurve selects the score-to-amount mapping.
	AllocationCurve AllocationCurve `yaml:"allocation_curve" json:"allocation_curve" validate:"oneof=linear tiered exponential"`

	// AllocationFraction caps any single allocation at this fraction of
	// the epoch distribution amount.
	AllocationFraction float64 `yaml:"allocation_fraction" json:"allocation_fraction" validate:"gt=0,lte=1"`

	// ExponentialK is the curvature for the exponential allocation curve.
	ExponentialK float64 `yaml:"exponential_k" json:"exponential_k" validate:"gte=0"`

	// TierFractions are the per-tier fractions for the tiered curve.
	TierFractions map[Tier]float64 `yaml:"tier_fractions" json:"tier_fractions"`

	Chamber   ChamberWeights  `yaml:"chamber" json:"chamber"`
	Precision PrecisionParams `yaml:"precision" json:"precision"`
}

var sandboxValidator = validator.New()

// DefaultSandboxConfig returns a configuration usable without a YAML file.
func DefaultSandboxConfig(sandboxID string) SandboxConfig {
	return SandboxConfig{
		SandboxID: sandboxID,
		DimensionWeights: map[string]float64{
			"novelty": 1, "density": 1, "coherence": 1, "alignment": 1,
		},
		RedundancyLimit:    30,
		RedundancyTopK:     1,
		AxisThresholds:     map[string]float64{"novelty": 60, "alignment": 80},
		AllocationCurve:    CurveLinear,
		AllocationFraction: 0.10,
		ExponentialK:       3,
		TierFractions: map[Tier]float64{
			TierFounder:   0.10,
			TierPioneer:   0.05,
			TierEcosystem: 0.02,
			TierCommunity: 0.01,
		},
		Chamber: ChamberWeights{
			Regime:       0.25,
			Differential: 0.30,
			Failure:      0.30,
			Degeneracy:   0.15,
		},
		Precision: PrecisionParams{
			Epsilon:           0.05,
			TestabilityWeight: 0.5,
			PenaltyWeight:     1.0,
			Scale:             4.0,
		},
	}
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func (c *SandboxConfig) Validate() error {
	if err := sandboxValidator.Struct(c); err != nil {
		return fmt.Errorf("sandbox config invalid: %w", err)
	}
	if c.AllocationCurve == CurveTiered && len(c.TierFractions) == 0 {
		return fmt.Errorf("sandbox config invalid: tiered curve requires tier_fractions")
	}
	for axis, th := range c.AxisThresholds {
		if th < 0 || th > 100 {
			return fmt.Errorf("sandbox config invalid: axis %s threshold %g out of [0,100]", axis, th)
		}
	}
	return nil
}

// LoadSandboxConfig reads and validates a sandbox configuration from YAML.
func LoadSandboxConfig(path string) (SandboxConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SandboxConfig{}, fmt.Errorf("read sandbox config: %w", err)
	}
	cfg := DefaultSandboxConfig("")
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return SandboxConfig{}, fmt.Errorf("parse sandbox config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return SandboxConfig{}, err
	}
	return cfg, nil
}
