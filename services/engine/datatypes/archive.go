// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ArchiveSnapshot is the metadata of an immutable, versioned view of the
// qualified-work archive pinned at evaluation time.
//
// Snapshots are append-only provenance: once an Evaluation references a
// snapshot id, the snapshot (metadata and its pinned item set) is never
// mutated or deleted. Reproducibility of redundancy scoring depends on
// always running against a pinned snapshot, never the live archive.
type ArchiveSnapshot struct {
	SnapshotID string    `json:"snapshot_id"`
	SandboxID  string    `json:"sandbox_id"`
	ItemCount  int       `json:"item_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ArchiveMatch is one nearest-neighbor result from a snapshot query.
type ArchiveMatch struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// CalibrationEntryType distinguishes reusable constants from equations in
// the calibration store.
type CalibrationEntryType string

const (
	CalibrationConstant CalibrationEntryType = "constant"
	CalibrationEquation CalibrationEntryType = "equation"
)

// CalibrationEntry is a reusable constant or equation extracted from a
// qualifying submission. Entries feed back into the assessor prompt as
// read-only context; they are never in the critical decision path.
type CalibrationEntry struct {
	ID         string               `json:"id"`
	Value      string               `json:"value"`
	Type       CalibrationEntryType `json:"type"`
	SourceHash string               `json:"source_hash"`
	UsageCount int                  `json:"usage_count"`
	CreatedAt  time.Time            `json:"created_at"`
}
