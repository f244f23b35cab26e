// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-network/crucible/services/engine/datatypes"
)

func TestLoadEpochDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epoch.yaml")
	yaml := `
name: epoch-2
ordinal: 2
distribution_amount: 50000
thresholds:
  founder: 8000
  community: 1000
available_tiers:
  - founder
  - community
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	def := loadEpochDefinition(path)
	assert.Equal(t, "epoch-2", def.Name)
	assert.Equal(t, 2, def.Ordinal)
	assert.Equal(t, int64(50000), def.DistributionAmount)
	assert.Equal(t, 8000.0, def.Thresholds[datatypes.TierFounder])
	assert.Equal(t, []datatypes.Tier{datatypes.TierFounder, datatypes.TierCommunity}, def.AvailableTiers)
}
