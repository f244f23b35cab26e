// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crucible-network/crucible/services/engine/datatypes"
)

// EpochDefinition is the YAML shape for epoch open/advance files.
type EpochDefinition struct {
	Name               string                     `yaml:"name"`
	Ordinal            int                        `yaml:"ordinal"`
	Thresholds         map[datatypes.Tier]float64 `yaml:"thresholds"`
	DistributionAmount int64                      `yaml:"distribution_amount"`
	AvailableTiers     []datatypes.Tier           `yaml:"available_tiers"`
}

func loadEpochDefinition(path string) *EpochDefinition {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading %s: %v. Please ensure it exists.", path, err)
	}
	var def EpochDefinition
	if err := yaml.Unmarshal(yamlFile, &def); err != nil {
		log.Fatalf("Error parsing %s: %v", path, err)
	}
	return &def
}

func postEpoch(path, endpoint string) {
	def := loadEpochDefinition(path)
	body, _ := json.Marshal(map[string]any{
		"name":                def.Name,
		"ordinal":             def.Ordinal,
		"thresholds":          def.Thresholds,
		"distribution_amount": def.DistributionAmount,
		"available_tiers":     def.AvailableTiers,
	})

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(engineURL+endpoint, "application/json", bytes.NewBuffer(body))
	if err != nil {
		log.Fatalf("Failed to call the engine service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("The engine returned an error (%d): %s", resp.StatusCode, string(errBody))
	}
	printJSON(resp.Body)
}

func runEpochOpen(cmd *cobra.Command, args []string) {
	postEpoch(args[0], "/v1/epochs")
}

func runEpochAdvance(cmd *cobra.Command, args []string) {
	fmt.Println("Advancing the epoch. Deferred allocations will drain against the new budget.")
	postEpoch(args[0], "/v1/epochs/advance")
}

func runEpochCurrent(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(engineURL + "/v1/epochs/current")
	if err != nil {
		log.Fatalf("Failed to call the engine service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Fatalf("No epoch is open. Open one with: crucible epoch open <config.yaml>")
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("The engine returned an error (%d): %s", resp.StatusCode, string(errBody))
	}

	var epoch datatypes.Epoch
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read the response body: %v", err)
	}
	if err := json.Unmarshal(raw, &epoch); err != nil {
		log.Fatalf("Failed to parse the epoch response: %v", err)
	}

	fmt.Printf("Epoch:        %s (ordinal %d)\n", epoch.Name, epoch.Ordinal)
	fmt.Printf("Balance:      %d / %d units\n", epoch.Balance, epoch.DistributionAmount)
	fmt.Printf("Tiers:        ")
	for i, tier := range epoch.AvailableTiers {
		if i > 0 {
			fmt.Print(", ")
		}
		fmt.Printf("%s (>= %.0f)", tier, epoch.Thresholds[tier])
	}
	fmt.Println()
}
