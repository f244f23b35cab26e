// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-network/crucible/services/engine"
	"github.com/crucible-network/crucible/services/engine/anchorer"
	"github.com/crucible-network/crucible/services/engine/archive"
	"github.com/crucible-network/crucible/services/engine/calibration"
	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/engine/ledger"
	"github.com/crucible-network/crucible/services/engine/redundancy"
	"github.com/crucible-network/crucible/services/engine/routes"
	"github.com/crucible-network/crucible/services/engine/scoring"
	"github.com/crucible-network/crucible/services/engine/storage/badgerstore"
	"github.com/crucible-network/crucible/services/llm"
)

type stubClient struct {
	response string
}

func (c *stubClient) Model() string { return "test-model-v1" }

func (c *stubClient) Generate(context.Context, string, string, llm.GenerationParams) (string, error) {
	return c.response, nil
}

type zeroEmbedder struct{}

func (zeroEmbedder) Embed(context.Context, string) ([]float32, error) {
	vec := make([]float32, 8)
	vec[0] = 1
	return vec, nil
}

type stubRegistrar struct {
	receipt anchorer.AnchorReceipt
}

func (r *stubRegistrar) Anchor(context.Context, anchorer.AnchorRequest) (anchorer.AnchorReceipt, error) {
	return r.receipt, nil
}

type testServer struct {
	router *gin.Engine
}

func newTestServer(t *testing.T, openEpoch bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	records := badgerstore.NewRecords(db)

	ldg := ledger.New(records)
	if openEpoch {
		require.NoError(t, ldg.OpenEpoch(context.Background(), &datatypes.Epoch{
			Name:    "genesis",
			Ordinal: 1,
			Thresholds: map[datatypes.Tier]float64{
				datatypes.TierFounder:   8000,
				datatypes.TierPioneer:   6000,
				datatypes.TierEcosystem: 4000,
				datatypes.TierCommunity: 1000,
			},
			DistributionAmount: 10000,
			AvailableTiers: []datatypes.Tier{
				datatypes.TierFounder, datatypes.TierPioneer,
				datatypes.TierEcosystem, datatypes.TierCommunity,
			},
		}))
	}

	client := &stubClient{response: `{"novelty": 2200, "density": 2100, "coherence": 2300, "alignment": 1900, "justification": "solid work"}`}
	eng := engine.New(
		scoring.NewScorer(client),
		redundancy.NewAnalyzer(zeroEmbedder{}),
		archive.NewService(archive.NewMemoryStore(), records),
		ldg,
		records,
		calibration.NewStore(records),
	)

	anc := anchorer.New(&stubRegistrar{receipt: anchorer.AnchorReceipt{AnchorRef: "chain://anchor/1"}}, records)

	router := gin.New()
	routes.SetupRoutes(router, routes.Dependencies{Engine: eng, Anchorer: anc})
	return &testServer{router: router}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func evaluationBody(content string) map[string]any {
	return map[string]any{
		"sandbox_id":  "physics",
		"title":       "Interference plateau",
		"contributor": "ada",
		"category":    "theory",
		"content":     content,
		"bridge": map[string]any{
			"regime":      "weak-field interference at mesoscopic scale",
			"observables": []string{"fringe visibility"},
			"prediction": map[string]any{
				"baseline":     "visibility decays exponentially with mass",
				"differential": "visibility plateaus above threshold mass",
			},
			"failure_condition": "no plateau observed below 1e-17 kg",
			"degeneracy_checks": []map[string]any{
				{"name": "thermal decoherence", "consistent": true},
			},
		},
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())
}

func TestCreateEvaluation(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodPost, "/v1/evaluations", evaluationBody("A mass-independent interference plateau with a benchtop protocol."))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var out engine.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.NotNil(t, out.Evaluation)
	assert.True(t, out.Evaluation.Qualified)
	assert.Equal(t, datatypes.TierFounder, out.Evaluation.Tier)
	assert.False(t, out.Reused)
}

func TestCreateEvaluationReused(t *testing.T) {
	s := newTestServer(t, true)
	first := s.do(t, http.MethodPost, "/v1/evaluations", evaluationBody("A mass-independent interference plateau with a benchtop protocol."))
	require.Equal(t, http.StatusCreated, first.Code)

	// Same content modulo case and spacing hashes identically.
	second := s.do(t, http.MethodPost, "/v1/evaluations", evaluationBody("  A MASS-INDEPENDENT interference   plateau with a benchtop protocol. "))
	require.Equal(t, http.StatusOK, second.Code)

	var out engine.Outcome
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &out))
	assert.True(t, out.Reused)
}

func TestCreateEvaluationRejectsEmptyContent(t *testing.T) {
	s := newTestServer(t, true)
	body := evaluationBody("placeholder")
	body["content"] = "   \n\t  "
	w := s.do(t, http.MethodPost, "/v1/evaluations", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateEvaluationWithoutEpoch(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodPost, "/v1/evaluations", evaluationBody("A mass-independent interference plateau with a benchtop protocol."))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetEvaluation(t *testing.T) {
	s := newTestServer(t, true)
	content := "A mass-independent interference plateau with a benchtop protocol."
	created := s.do(t, http.MethodPost, "/v1/evaluations", evaluationBody(content))
	require.Equal(t, http.StatusCreated, created.Code)

	hash := datatypes.HashContent(content)
	w := s.do(t, http.MethodGet, "/v1/evaluations/"+hash, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var eval datatypes.Evaluation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eval))
	assert.Equal(t, hash, eval.SubmissionHash)
}

func TestGetEvaluationNotFound(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodGet, "/v1/evaluations/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetCurrentEpoch(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodGet, "/v1/epochs/current", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var epoch datatypes.Epoch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &epoch))
	assert.Equal(t, "genesis", epoch.Name)
	assert.True(t, epoch.Open)
}

func TestGetCurrentEpochNone(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodGet, "/v1/epochs/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenAndAdvanceEpoch(t *testing.T) {
	s := newTestServer(t, false)
	epochReq := func(name string, ordinal int) map[string]any {
		return map[string]any{
			"name":                name,
			"ordinal":             ordinal,
			"thresholds":          map[string]float64{"community": 1000},
			"distribution_amount": 5000,
			"available_tiers":     []string{"community"},
		}
	}

	opened := s.do(t, http.MethodPost, "/v1/epochs", epochReq("genesis", 1))
	require.Equal(t, http.StatusCreated, opened.Code, opened.Body.String())

	advanced := s.do(t, http.MethodPost, "/v1/epochs/advance", epochReq("epoch-2", 2))
	require.Equal(t, http.StatusOK, advanced.Code, advanced.Body.String())

	var result ledger.AdvanceResult
	require.NoError(t, json.Unmarshal(advanced.Body.Bytes(), &result))
	assert.Equal(t, "genesis", result.Closed)
	assert.Equal(t, "epoch-2", result.Opened)

	current := s.do(t, http.MethodGet, "/v1/epochs/current", nil)
	require.Equal(t, http.StatusOK, current.Code)
	var epoch datatypes.Epoch
	require.NoError(t, json.Unmarshal(current.Body.Bytes(), &epoch))
	assert.Equal(t, "epoch-2", epoch.Name)
}

func TestAdvanceEpochWithoutCurrent(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodPost, "/v1/epochs/advance", map[string]any{
		"name":                "epoch-2",
		"thresholds":          map[string]float64{"community": 1000},
		"distribution_amount": 5000,
		"available_tiers":     []string{"community"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestQueryArchive(t *testing.T) {
	s := newTestServer(t, true)
	content := "A mass-independent interference plateau with a benchtop protocol."
	created := s.do(t, http.MethodPost, "/v1/evaluations", evaluationBody(content))
	require.Equal(t, http.StatusCreated, created.Code)

	var out engine.Outcome
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &out))
	snapshotID := out.Evaluation.ArchiveSnapshotID
	require.NotEmpty(t, snapshotID)

	w := s.do(t, http.MethodPost, "/v1/archive/query", map[string]any{
		"snapshot_id": snapshotID,
		"vector":      []float32{1, 0, 0, 0, 0, 0, 0, 0},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestQueryArchiveUnknownSnapshot(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodPost, "/v1/archive/query", map[string]any{
		"snapshot_id": "no-such-snapshot",
		"vector":      []float32{1, 0},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnchorAllocation(t *testing.T) {
	s := newTestServer(t, true)
	content := "A mass-independent interference plateau with a benchtop protocol."
	created := s.do(t, http.MethodPost, "/v1/evaluations", evaluationBody(content))
	require.Equal(t, http.StatusCreated, created.Code)

	hash := datatypes.HashContent(content)
	w := s.do(t, http.MethodPost, "/v1/anchor/"+hash, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "chain://anchor/1")

	// Anchoring twice is a no-op.
	again := s.do(t, http.MethodPost, "/v1/anchor/"+hash, nil)
	assert.Equal(t, http.StatusOK, again.Code)
}

func TestAnchorUnknownHash(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodPost, "/v1/anchor/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCalibration(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodGet, "/v1/calibration?sandbox_id=physics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "physics")
}

func TestListCalibrationRequiresSandbox(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodGet, "/v1/calibration", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterSandboxEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	cfg := datatypes.DefaultSandboxConfig("physics")
	w := s.do(t, http.MethodPost, "/v1/sandboxes", cfg)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "registered")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crucible_")
}
