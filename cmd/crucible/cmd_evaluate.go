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

	"github.com/crucible-network/crucible/services/engine/datatypes"
)

// Evaluation can take several assessor round trips plus retries.
const evaluateTimeout = 5 * time.Minute

func runEvaluate(cmd *cobra.Command, args []string) {
	content, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("Failed to read contribution file: %v", err)
	}

	payload := map[string]any{
		"sandbox_id":  sandboxID,
		"title":       title,
		"contributor": contributor,
		"category":    category,
		"content":     string(content),
	}
	if bridgePath != "" {
		bridgeBytes, err := os.ReadFile(bridgePath)
		if err != nil {
			log.Fatalf("Failed to read bridge spec file: %v", err)
		}
		var bridge datatypes.BridgeSpec
		if err := json.Unmarshal(bridgeBytes, &bridge); err != nil {
			log.Fatalf("Failed to parse bridge spec: %v", err)
		}
		payload["bridge"] = bridge
	}

	body, _ := json.Marshal(payload)
	fmt.Printf("Submitting %s for evaluation (sandbox: %s). This may take some time.\n", args[0], sandboxID)

	client := &http.Client{Timeout: evaluateTimeout}
	resp, err := client.Post(engineURL+"/v1/evaluations", "application/json", bytes.NewBuffer(body))
	if err != nil {
		log.Fatalf("Failed to call the engine service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("The engine rejected the submission (%d): %s", resp.StatusCode, string(errBody))
	}

	var out struct {
		Evaluation *datatypes.Evaluation `json:"evaluation"`
		Reused     bool                  `json:"reused"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("Failed to parse the engine response: %v", err)
	}

	eval := out.Evaluation
	if out.Reused {
		fmt.Println("This content was evaluated previously; returning the stored result.")
	}
	fmt.Printf("Content hash:  %s\n", eval.SubmissionHash)
	fmt.Printf("Total score:   %.0f (novelty %.0f, density %.0f, coherence %.0f, alignment %.0f)\n",
		eval.TotalScore, eval.Scores.Novelty, eval.Scores.Density, eval.Scores.Coherence, eval.Scores.Alignment)
	if eval.RedundancyKnown {
		fmt.Printf("Redundancy:    %.1f%%\n", eval.RedundancyPercent)
	} else {
		fmt.Println("Redundancy:    unknown (archive comparison unavailable)")
	}
	fmt.Printf("Chamber:       %s\n", eval.ChamberStatus)
	if eval.Qualified {
		fmt.Printf("Qualified:     yes (tier %s, epoch %s)\n", eval.Tier, eval.QualifiedEpoch)
	} else {
		fmt.Printf("Qualified:     no (tier %s)\n", eval.Tier)
	}
}

func runShow(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(engineURL + "/v1/evaluations/" + args[0])
	if err != nil {
		log.Fatalf("Failed to call the engine service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Fatalf("No evaluation found for hash %s", args[0])
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("The engine returned an error (%d): %s", resp.StatusCode, string(errBody))
	}

	printJSON(resp.Body)
}

func runAnchor(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(engineURL+"/v1/anchor/"+args[0], "application/json", nil)
	if err != nil {
		log.Fatalf("Failed to call the engine service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("Anchoring failed (%d): %s", resp.StatusCode, string(errBody))
	}

	var receipt struct {
		SubmissionHash string `json:"submission_hash"`
		AnchorRef      string `json:"anchor_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		log.Fatalf("Failed to parse the anchor response: %v", err)
	}
	fmt.Printf("Anchored %s as %s\n", receipt.SubmissionHash, receipt.AnchorRef)
}

// printJSON pretty-prints a JSON response body to stdout.
func printJSON(r io.Reader) {
	raw, err := io.ReadAll(r)
	if err != nil {
		log.Fatalf("Failed to read the response body: %v", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
