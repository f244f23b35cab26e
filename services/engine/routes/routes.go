// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the HTTP surface of the evaluation engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crucible-network/crucible/services/engine"
	"github.com/crucible-network/crucible/services/engine/anchorer"
	"github.com/crucible-network/crucible/services/engine/handlers"
)

// Dependencies carries the long-lived services the handlers close over.
type Dependencies struct {
	Engine   *engine.Engine
	Anchorer *anchorer.Anchorer
}

// SetupRoutes registers every endpoint on the router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/evaluations", handlers.CreateEvaluation(deps.Engine))
		v1.GET("/evaluations/:hash", handlers.GetEvaluation(deps.Engine))

		v1.POST("/sandboxes", handlers.RegisterSandbox(deps.Engine))

		v1.POST("/archive/query", handlers.QueryArchive(deps.Engine))
		v1.GET("/calibration", handlers.ListCalibration(deps.Engine))

		v1.GET("/epochs/current", handlers.GetCurrentEpoch(deps.Engine.Ledger()))
		v1.POST("/epochs", handlers.OpenEpoch(deps.Engine.Ledger()))
		v1.POST("/epochs/advance", handlers.AdvanceEpoch(deps.Engine.Ledger()))

		v1.POST("/anchor/:hash", handlers.AnchorAllocation(deps.Anchorer))
	}
}
