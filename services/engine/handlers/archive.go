// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crucible-network/crucible/services/engine"
	"github.com/crucible-network/crucible/services/engine/anchorer"
	"github.com/crucible-network/crucible/services/engine/archive"
)

// ArchiveQueryRequest asks for nearest neighbors in a pinned snapshot.
type ArchiveQueryRequest struct {
	SnapshotID string    `json:"snapshot_id" binding:"required"`
	Vector     []float32 `json:"vector" binding:"required"`
	Limit      int       `json:"limit"`
}

// QueryArchive runs a nearest-neighbor search against a named snapshot.
// Queries address snapshots by ID, never the live archive, so results
// are reproducible after the fact.
func QueryArchive(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ArchiveQueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = 10
		}
		matches, err := eng.Archives().Query(c.Request.Context(), req.SnapshotID, req.Vector, limit)
		if errors.Is(err, archive.ErrSnapshotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, archive.ErrDimensionMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"snapshot_id": req.SnapshotID, "matches": matches})
	}
}

// AnchorAllocation records a committed allocation on the external
// registrar. Safe to call repeatedly for the same hash.
func AnchorAllocation(anc *anchorer.Anchorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := c.Param("hash")
		ref, err := anc.Anchor(c.Request.Context(), hash)
		if errors.Is(err, anchorer.ErrNotAllocated) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, anchorer.ErrAnchorFailed) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"submission_hash": hash, "anchor_ref": ref})
	}
}

// ListCalibration returns the accumulated calibration dictionary for a
// sandbox, in the stable order the scorer sees it.
func ListCalibration(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sandboxID := c.Query("sandbox_id")
		if sandboxID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sandbox_id query parameter is required"})
			return
		}
		entries, err := eng.Calibration().Entries(c.Request.Context(), sandboxID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sandbox_id": sandboxID, "entries": entries})
	}
}
