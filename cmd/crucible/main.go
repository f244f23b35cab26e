// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	engineURL   string
	sandboxID   string
	contributor string
	category    string
	title       string
	bridgePath  string

	rootCmd = &cobra.Command{
		Use:   "crucible",
		Short: "A cli to interact with the Crucible evaluation engine",
		Long: `Crucible submits contributions for evaluation, inspects the
				resulting scores and allocations, and manages allocation epochs.`,
	}

	evaluateCmd = &cobra.Command{
		Use:   "evaluate [file]",
		Short: "Submit a contribution file for evaluation",
		Args:  cobra.ExactArgs(1),
		Run:   runEvaluate, // Defined in cmd_evaluate.go
	}

	showCmd = &cobra.Command{
		Use:   "show [content-hash]",
		Short: "Show the stored evaluation for a content hash",
		Args:  cobra.ExactArgs(1),
		Run:   runShow, // Defined in cmd_evaluate.go
	}

	anchorCmd = &cobra.Command{
		Use:   "anchor [content-hash]",
		Short: "Anchor a committed allocation on the chain registrar",
		Args:  cobra.ExactArgs(1),
		Run:   runAnchor, // Defined in cmd_evaluate.go
	}

	// --- Epoch Management ---
	epochCmd = &cobra.Command{
		Use:   "epoch",
		Short: "Manage allocation epochs",
	}
	epochCurrentCmd = &cobra.Command{
		Use:   "current",
		Short: "Show the epoch new evaluations qualify against",
		Run:   runEpochCurrent, // Defined in cmd_epoch.go
	}
	epochOpenCmd = &cobra.Command{
		Use:   "open [config.yaml]",
		Short: "Open the genesis epoch from a YAML definition",
		Args:  cobra.ExactArgs(1),
		Run:   runEpochOpen, // Defined in cmd_epoch.go
	}
	epochAdvanceCmd = &cobra.Command{
		Use:   "advance [config.yaml]",
		Short: "Close the current epoch and open the next from a YAML definition",
		Args:  cobra.ExactArgs(1),
		Run:   runEpochAdvance, // Defined in cmd_epoch.go
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&engineURL, "engine-url", "http://localhost:12310",
		"Base URL of the engine service")

	evaluateCmd.Flags().StringVar(&sandboxID, "sandbox", "default", "Sandbox the contribution targets")
	evaluateCmd.Flags().StringVar(&contributor, "contributor", "", "Contributor identity")
	evaluateCmd.Flags().StringVar(&category, "category", "", "Contribution category")
	evaluateCmd.Flags().StringVar(&title, "title", "", "Contribution title")
	evaluateCmd.Flags().StringVar(&bridgePath, "bridge", "", "Path to a JSON BridgeSpec for testability validation")

	epochCmd.AddCommand(epochCurrentCmd, epochOpenCmd, epochAdvanceCmd)
	rootCmd.AddCommand(evaluateCmd, showCmd, anchorCmd, epochCmd)
}
