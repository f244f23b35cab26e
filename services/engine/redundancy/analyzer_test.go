// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package redundancy

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/crucible-network/crucible/services/engine/archive"
	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder derives a deterministic unit-ish vector from content, so
// identical text embeds identically and different text embeds differently.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(datatypes.NormalizeContent(text)))
	vec := make([]float32, len(sum))
	for i, b := range sum {
		vec[i] = float32(b)/255 - 0.5
	}
	return vec, nil
}

// failingEmbedder always errors.
type failingEmbedder struct{ calls int }

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	return nil, errors.New("backend unavailable")
}

func testSub(text string) *datatypes.Submission {
	sub := datatypes.NewSubmission("sb", "t", "c", text, "cat", nil)
	return &sub
}

func testCfg() *datatypes.SandboxConfig {
	cfg := datatypes.DefaultSandboxConfig("sb")
	return &cfg
}

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := hashEmbedder{}.Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

const sampleText = "A sufficiently long contribution describing a novel interference effect in detail."

func TestAnalyzeIdenticalContentIsNearFullOverlap(t *testing.T) {
	a := NewAnalyzer(hashEmbedder{})
	items := []archive.Item{{Hash: "prior", Vector: embed(t, sampleText)}}

	res, err := a.Analyze(context.Background(), testSub(sampleText),
		datatypes.ArchiveSnapshot{SnapshotID: "s"}, items, testCfg())
	require.NoError(t, err)

	assert.True(t, res.Known)
	assert.GreaterOrEqual(t, res.Percent, 95.0)
	assert.Equal(t, "prior", res.NearestID)
}

func TestAnalyzeEmptySnapshotIsZero(t *testing.T) {
	a := NewAnalyzer(hashEmbedder{})
	res, err := a.Analyze(context.Background(), testSub(sampleText),
		datatypes.ArchiveSnapshot{SnapshotID: "s"}, nil, testCfg())
	require.NoError(t, err)

	assert.True(t, res.Known)
	assert.Zero(t, res.Percent)
	assert.NotEmpty(t, res.Embedding)
}

func TestAnalyzeBackendFailureIsDegradedNotZero(t *testing.T) {
	emb := &failingEmbedder{}
	a := NewAnalyzer(emb)

	res, err := a.Analyze(context.Background(), testSub(sampleText),
		datatypes.ArchiveSnapshot{SnapshotID: "s"},
		[]archive.Item{{Hash: "prior", Vector: []float32{1}}}, testCfg())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComputeFailed)
	assert.False(t, res.Known)
	assert.Equal(t, maxEmbedAttempts, emb.calls)
}

func TestAnalyzePicksNearestNeighbor(t *testing.T) {
	a := NewAnalyzer(hashEmbedder{})
	items := []archive.Item{
		{Hash: "same", Vector: embed(t, sampleText)},
		{Hash: "other", Vector: embed(t, "completely different text about unrelated gardening topics entirely")},
	}

	res, err := a.Analyze(context.Background(), testSub(sampleText),
		datatypes.ArchiveSnapshot{SnapshotID: "s"}, items, testCfg())
	require.NoError(t, err)
	assert.Equal(t, "same", res.NearestID)
}

func TestAnalyzeAxisDiagnostics(t *testing.T) {
	a := NewAnalyzer(hashEmbedder{})
	items := []archive.Item{{Hash: "prior", Vector: embed(t, sampleText)}}

	res, err := a.Analyze(context.Background(), testSub(sampleText),
		datatypes.ArchiveSnapshot{SnapshotID: "s"}, items, testCfg())
	require.NoError(t, err)

	// Default config declares two axes; identical content flags both.
	require.Len(t, res.Axes, 2)
	for _, ax := range res.Axes {
		assert.True(t, ax.Flagged, "axis %s", ax.Axis)
		assert.GreaterOrEqual(t, ax.Overlap, ax.Threshold)
	}
	// Deterministic ordering by axis name.
	assert.Equal(t, "alignment", res.Axes[0].Axis)
	assert.Equal(t, "novelty", res.Axes[1].Axis)
}

func TestOverlapPercentTopK(t *testing.T) {
	matches := []datatypes.ArchiveMatch{
		{ID: "a", Similarity: 1.0},
		{ID: "b", Similarity: 0.5},
		{ID: "c", Similarity: 0.0},
	}
	assert.InDelta(t, 100.0, overlapPercent(matches, 1), 1e-9)
	assert.InDelta(t, 75.0, overlapPercent(matches, 2), 1e-9)
	assert.InDelta(t, 50.0, overlapPercent(matches, 3), 1e-9)
	// topK beyond the match count clamps.
	assert.InDelta(t, 50.0, overlapPercent(matches, 10), 1e-9)
}

func TestOverlapPercentFloorsNegativeSimilarity(t *testing.T) {
	matches := []datatypes.ArchiveMatch{{ID: "a", Similarity: -0.4}}
	assert.Zero(t, overlapPercent(matches, 1))
}
