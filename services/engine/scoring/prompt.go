// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/crucible-network/crucible/services/engine/datatypes"
)

// systemPersona is the fixed system prompt of the determinism contract.
// Changing it changes every prompt hash, which is intentional: stored
// evaluations record exactly which contract produced them.
const systemPersona = `You are a strict, consistent evaluator of submitted contributions.
You score exactly four dimensions and respond with a single JSON object and nothing else:
{"novelty": <0-2500>, "density": <0-2500>, "coherence": <0-2500>, "alignment": <0-2500>, "justification": "<free text>"}
Scores are numbers, never strings. Do not add fields, markdown, or commentary outside the JSON object.`

// promptContext is everything fed into the prompt besides the submission
// text itself. It is assembled deterministically so identical inputs
// produce identical prompts and therefore identical prompt hashes.
type promptContext struct {
	Snapshot    datatypes.ArchiveSnapshot
	Weights     map[string]float64
	Calibration []datatypes.CalibrationEntry
}

// buildPrompt renders the fixed user-prompt template.
//
// Map iteration order is not deterministic, so weighted dimensions and
// calibration entries are sorted before rendering; the prompt hash
// depends on byte-stable output.
func buildPrompt(sub *datatypes.Submission, pc promptContext) string {
	var b strings.Builder

	b.WriteString("Evaluate the following contribution.\n\n")

	fmt.Fprintf(&b, "Archive context: snapshot %s pins %d previously qualified items from sandbox %s.\n",
		pc.Snapshot.SnapshotID, pc.Snapshot.ItemCount, pc.Snapshot.SandboxID)

	if len(pc.Weights) > 0 {
		dims := make([]string, 0, len(pc.Weights))
		for d := range pc.Weights {
			dims = append(dims, d)
		}
		sort.Strings(dims)
		b.WriteString("Dimension emphasis for this sandbox:\n")
		for _, d := range dims {
			fmt.Fprintf(&b, "  - %s: weight %.2f\n", d, pc.Weights[d])
		}
	}

	if len(pc.Calibration) > 0 {
		entries := append([]datatypes.CalibrationEntry(nil), pc.Calibration...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		b.WriteString("Known constants and equations from prior qualified work (context only):\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "  - [%s] %s\n", e.Type, e.Value)
		}
	}

	fmt.Fprintf(&b, "\nCategory: %s\n", sub.Category)
	if sub.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", sub.Title)
	}
	b.WriteString("\n--- CONTRIBUTION ---\n")
	b.WriteString(datatypes.NormalizeContent(sub.TextContent))
	b.WriteString("\n--- END CONTRIBUTION ---\n")

	return b.String()
}

// promptHash is the content-derived hash recorded in the determinism
// contract: system persona and rendered user prompt together.
func promptHash(userPrompt string) string {
	sum := sha256.Sum256([]byte(systemPersona + "\x00" + userPrompt))
	return hex.EncodeToString(sum[:])
}
