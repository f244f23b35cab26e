// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the engine over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crucible-network/crucible/pkg/validation"
	"github.com/crucible-network/crucible/services/engine"
	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/engine/scoring"
	"github.com/crucible-network/crucible/services/engine/storage/badgerstore"
)

// EvaluationRequest is the submission intake payload.
type EvaluationRequest struct {
	SandboxID   string                `json:"sandbox_id" binding:"required"`
	Title       string                `json:"title"`
	Contributor string                `json:"contributor"`
	Category    string                `json:"category"`
	Content     string                `json:"content" binding:"required"`
	Bridge      *datatypes.BridgeSpec `json:"bridge,omitempty"`
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateEvaluation runs the full evaluation pipeline for a submission.
//
// Malformed submissions are rejected synchronously with 400 and never
// reach scoring. Assessor retry exhaustion surfaces as 502: the
// submission's terminal failed state, reported rather than defaulted.
func CreateEvaluation(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EvaluationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		if err := validation.ValidateSandboxID(req.SandboxID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validation.ValidateTitle(req.Title); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validation.ValidateContent(req.Content); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sub := datatypes.NewSubmission(req.SandboxID, req.Title, req.Contributor, req.Content, req.Category, req.Bridge)
		out, err := eng.Evaluate(c.Request.Context(), &sub)
		if err != nil {
			switch {
			case errors.Is(err, engine.ErrNoOpenEpoch):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, scoring.ErrEvaluationFailed):
				slog.Error("Evaluation failed terminally", "content_hash", sub.ContentHash, "error", err)
				c.JSON(http.StatusBadGateway, gin.H{
					"error":  "evaluation_failed",
					"detail": err.Error(),
				})
			case errors.Is(err, context.Canceled):
				c.JSON(http.StatusRequestTimeout, gin.H{"error": "evaluation canceled"})
			default:
				slog.Error("Evaluation error", "content_hash", sub.ContentHash, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		status := http.StatusCreated
		if out.Reused {
			status = http.StatusOK
		}
		c.JSON(status, out)
	}
}

// GetEvaluation fetches a persisted evaluation by content hash.
func GetEvaluation(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := c.Param("hash")
		eval, err := eng.Records().GetEvaluation(c.Request.Context(), hash)
		if errors.Is(err, badgerstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "evaluation not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, eval)
	}
}

// RegisterSandbox installs a sandbox configuration.
func RegisterSandbox(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg datatypes.SandboxConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := eng.RegisterSandbox(cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "registered", "sandbox_id": cfg.SandboxID})
	}
}
