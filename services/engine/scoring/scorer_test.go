// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient returns queued responses in order, then repeats the last.
type scriptedClient struct {
	responses []string
	errs      []error
	calls     int
}

func (c *scriptedClient) Model() string { return "test-model-v1" }

func (c *scriptedClient) Generate(ctx context.Context, system, prompt string, params llm.GenerationParams) (string, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return c.responses[i], err
}

const goodResponse = `{"novelty": 2200, "density": 2100, "coherence": 2300, "alignment": 1900, "justification": "solid work"}`

func testSubmission() *datatypes.Submission {
	sub := datatypes.NewSubmission("physics", "A claim", "alice",
		"A sufficiently long contribution about interference fringes and measurable shifts.",
		"theory", nil)
	return &sub
}

func testSnapshot() datatypes.ArchiveSnapshot {
	return datatypes.ArchiveSnapshot{SnapshotID: "snap-1", SandboxID: "physics", ItemCount: 42, CreatedAt: time.Now()}
}

func score(t *testing.T, client llm.Client) (*Result, error) {
	t.Helper()
	cfg := datatypes.DefaultSandboxConfig("physics")
	return NewScorer(client).Score(context.Background(), testSubmission(), testSnapshot(), &cfg, nil)
}

func TestScoreParsesStrictResponse(t *testing.T) {
	res, err := score(t, &scriptedClient{responses: []string{goodResponse}})
	require.NoError(t, err)

	assert.Equal(t, 8500.0, res.Scores.Total())
	assert.Equal(t, "solid work", res.Justification)
	assert.Equal(t, "test-model-v1", res.Contract.Model)
	assert.Equal(t, float32(0), res.Contract.Temperature)
	assert.NotEmpty(t, res.Contract.PromptHash)
}

func TestScorePromptHashIsStable(t *testing.T) {
	a, err := score(t, &scriptedClient{responses: []string{goodResponse}})
	require.NoError(t, err)
	b, err := score(t, &scriptedClient{responses: []string{goodResponse}})
	require.NoError(t, err)
	assert.Equal(t, a.Contract.PromptHash, b.Contract.PromptHash)
}

func TestScoreStripsCodeFences(t *testing.T) {
	res, err := score(t, &scriptedClient{responses: []string{"```json\n" + goodResponse + "\n```"}})
	require.NoError(t, err)
	assert.Equal(t, 8500.0, res.Scores.Total())
}

func TestScoreRetriesParseFailureThenSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"novelty": "high", "density": 2100, "coherence": 2300, "alignment": 1900}`,
		goodResponse,
	}}
	res, err := score(t, client)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, 8500.0, res.Scores.Total())
}

func TestScoreRejectsNeverClamps(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"out of range high", `{"novelty": 2501, "density": 0, "coherence": 0, "alignment": 0}`},
		{"negative", `{"novelty": -1, "density": 0, "coherence": 0, "alignment": 0}`},
		{"missing field", `{"novelty": 100, "density": 100, "coherence": 100}`},
		{"string score", `{"novelty": "2200", "density": 100, "coherence": 100, "alignment": 100}`},
		{"not json", `the submission deserves about 8500 points`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := score(t, &scriptedClient{responses: []string{tt.response}})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEvaluationFailed)

			var parseErr *ParseError
			assert.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestScoreExhaustsRetryBudget(t *testing.T) {
	client := &scriptedClient{
		responses: []string{""},
		errs:      []error{errors.New("connection refused")},
	}
	_, err := score(t, client)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEvaluationFailed)
	assert.Equal(t, maxAttempts, client.calls)
}

func TestScoreCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{responses: []string{""}, errs: []error{errors.New("boom")}}
	cfg := datatypes.DefaultSandboxConfig("physics")
	_, err := NewScorer(client).Score(ctx, testSubmission(), testSnapshot(), &cfg, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, client.calls)
}

func TestBuildPromptIncludesCalibration(t *testing.T) {
	entries := []datatypes.CalibrationEntry{
		{ID: "b", Value: "E = h·f", Type: datatypes.CalibrationEquation},
		{ID: "a", Value: "alpha = 0.0072973", Type: datatypes.CalibrationConstant},
	}
	prompt := buildPrompt(testSubmission(), promptContext{
		Snapshot:    testSnapshot(),
		Calibration: entries,
	})
	assert.Contains(t, prompt, "alpha = 0.0072973")
	assert.Contains(t, prompt, "E = h·f")
	// Sorted by id for byte-stable prompts.
	assert.Less(t, strings.Index(prompt, "alpha"), strings.Index(prompt, "E = h·f"))
}
