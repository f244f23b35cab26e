// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/engine/ledger"
)

// EpochRequest describes the epoch to open or advance into.
type EpochRequest struct {
	Name               string                     `json:"name" binding:"required"`
	Ordinal            int                        `json:"ordinal"`
	Thresholds         map[datatypes.Tier]float64 `json:"thresholds" binding:"required"`
	DistributionAmount int64                      `json:"distribution_amount" binding:"required"`
	AvailableTiers     []datatypes.Tier           `json:"available_tiers" binding:"required"`
}

func (r *EpochRequest) toEpoch() *datatypes.Epoch {
	return &datatypes.Epoch{
		Name:               r.Name,
		Ordinal:            r.Ordinal,
		Thresholds:         r.Thresholds,
		DistributionAmount: r.DistributionAmount,
		Balance:            r.DistributionAmount,
		Open:               true,
		AvailableTiers:     r.AvailableTiers,
		CreatedAt:          time.Now().UTC(),
	}
}

// GetCurrentEpoch returns the epoch new evaluations qualify against.
func GetCurrentEpoch(ldg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		epoch, err := ldg.CurrentEpoch(c.Request.Context())
		if errors.Is(err, ledger.ErrNoCurrentEpoch) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, epoch)
	}
}

// OpenEpoch opens the genesis epoch. Subsequent periods go through
// AdvanceEpoch so the deferred queue is drained.
func OpenEpoch(ldg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EpochRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		epoch := req.toEpoch()
		if err := ldg.OpenEpoch(c.Request.Context(), epoch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Epoch opened", "epoch", epoch.Name, "distribution", epoch.DistributionAmount)
		c.JSON(http.StatusCreated, epoch)
	}
}

// AdvanceEpoch closes the current epoch, opens the next, and drains the
// deferred allocation queue against the fresh budget.
func AdvanceEpoch(ldg *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EpochRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		result, err := ldg.AdvanceEpoch(c.Request.Context(), req.toEpoch())
		if errors.Is(err, ledger.ErrNoCurrentEpoch) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Epoch advanced",
			"closed", result.Closed,
			"opened", result.Opened,
			"drained", len(result.Drained),
			"carried", len(result.Carried))
		c.JSON(http.StatusOK, result)
	}
}
