// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSandboxConfigValid(t *testing.T) {
	cfg := DefaultSandboxConfig("physics")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, CurveLinear, cfg.AllocationCurve)
	assert.Equal(t, 30.0, cfg.RedundancyLimit)
}

func TestSandboxConfigValidate(t *testing.T) {
	t.Run("missing sandbox id", func(t *testing.T) {
		cfg := DefaultSandboxConfig("")
		assert.Error(t, cfg.Validate())
	})

	t.Run("redundancy limit above 100", func(t *testing.T) {
		cfg := DefaultSandboxConfig("physics")
		cfg.RedundancyLimit = 101
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown curve", func(t *testing.T) {
		cfg := DefaultSandboxConfig("physics")
		cfg.AllocationCurve = "quadratic"
		assert.Error(t, cfg.Validate())
	})

	t.Run("tiered curve requires fractions", func(t *testing.T) {
		cfg := DefaultSandboxConfig("physics")
		cfg.AllocationCurve = CurveTiered
		cfg.TierFractions = nil
		assert.ErrorContains(t, cfg.Validate(), "tier_fractions")
	})

	t.Run("axis threshold out of range", func(t *testing.T) {
		cfg := DefaultSandboxConfig("physics")
		cfg.AxisThresholds["novelty"] = 120
		assert.ErrorContains(t, cfg.Validate(), "out of [0,100]")
	})
}

func TestLoadSandboxConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.yaml")
	yaml := `
sandbox_id: physics
redundancy_limit: 25
allocation_curve: exponential
exponential_k: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadSandboxConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "physics", cfg.SandboxID)
	assert.Equal(t, 25.0, cfg.RedundancyLimit)
	assert.Equal(t, CurveExponential, cfg.AllocationCurve)
	assert.Equal(t, 2.5, cfg.ExponentialK)
	// Unspecified knobs keep their defaults.
	assert.Equal(t, 0.10, cfg.AllocationFraction)
}

func TestLoadSandboxConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox_id: physics\nredundancy_limit: 400\n"), 0o644))

	_, err := LoadSandboxConfig(path)
	assert.Error(t, err)
}

func TestLoadSandboxConfigMissingFile(t *testing.T) {
	_, err := LoadSandboxConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
