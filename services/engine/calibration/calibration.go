// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package calibration maintains the read-only calibration store.
//
// Constants and equations discovered in qualifying submissions are
// appended here and fed back into the dimension scorer's prompt. The
// feedback is strictly one-way: the scorer reads entries, it never
// writes them, and entries are never deleted.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/crucible-network/crucible/services/engine/storage/badgerstore"
)

// maxEntriesPerSubmission bounds extraction so a pathological
// submission cannot flood the store.
const maxEntriesPerSubmission = 16

// constantPattern matches named numeric assignments such as
// "alpha_em = 7.2973525693e-3".
var constantPattern = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z0-9_]{2,48})\s*=\s*([-+]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?)\s*$`)

// equationPattern matches single-line symbolic relations such as
// "dS = k * ln(W)". At least one operator on the right-hand side keeps
// plain renames out.
var equationPattern = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z0-9_]{2,48})\s*=\s*([A-Za-z0-9_ ().+\-*/^]*[+\-*/^][A-Za-z0-9_ ().+\-*/^]*)\s*$`)

// Extract pulls reusable constants and equations out of submission text.
//
// Description:
//
//	Scans line by line. A named numeric assignment becomes a constant
//	entry; a named symbolic relation becomes an equation entry. Entry
//	IDs are the lowercased names; duplicates within one submission
//	collapse to the first occurrence. Extraction is best-effort and
//	bounded, never an error.
//
// Inputs:
//
//	text - Raw submission content.
//	sourceHash - Content hash of the submission the entries came from.
//
// Outputs:
//
//	[]datatypes.CalibrationEntry - Extracted entries, possibly empty.
func Extract(text, sourceHash string) []datatypes.CalibrationEntry {
	now := time.Now().UTC()
	seen := make(map[string]bool)
	var entries []datatypes.CalibrationEntry

	add := func(name, value string, typ datatypes.CalibrationEntryType) {
		id := strings.ToLower(name)
		if seen[id] || len(entries) >= maxEntriesPerSubmission {
			return
		}
		seen[id] = true
		entries = append(entries, datatypes.CalibrationEntry{
			ID:         id,
			Value:      strings.TrimSpace(value),
			Type:       typ,
			SourceHash: sourceHash,
			CreatedAt:  now,
		})
	}

	for _, m := range constantPattern.FindAllStringSubmatch(text, -1) {
		add(m[1], m[2], datatypes.CalibrationConstant)
	}
	for _, m := range equationPattern.FindAllStringSubmatch(text, -1) {
		add(m[1], m[2], datatypes.CalibrationEquation)
	}
	return entries
}

// Store is the append-only calibration store over the record layer.
type Store struct {
	records *badgerstore.Records
}

// NewStore creates a Store over the record store.
func NewStore(records *badgerstore.Records) *Store {
	return &Store{records: records}
}

// Append records newly discovered entries for a sandbox.
//
// An entry whose ID already exists is not overwritten; its usage count
// is incremented instead, preserving the original source attribution.
func (s *Store) Append(ctx context.Context, sandboxID string, entries []datatypes.CalibrationEntry) error {
	for _, entry := range entries {
		existing, err := s.findEntry(ctx, sandboxID, entry.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.UsageCount++
			if err := s.records.PutCalibrationEntry(ctx, sandboxID, existing); err != nil {
				return fmt.Errorf("bump calibration entry %s: %w", entry.ID, err)
			}
			continue
		}
		entry.UsageCount = 1
		if err := s.records.PutCalibrationEntry(ctx, sandboxID, &entry); err != nil {
			return fmt.Errorf("append calibration entry %s: %w", entry.ID, err)
		}
		slog.Info("Calibration entry recorded",
			"sandbox_id", sandboxID,
			"entry_id", entry.ID,
			"type", entry.Type,
			"source_hash", entry.SourceHash)
	}
	return nil
}

// Entries returns all calibration entries of a sandbox sorted by ID.
// The result feeds the scorer prompt, so the order must be stable.
func (s *Store) Entries(ctx context.Context, sandboxID string) ([]datatypes.CalibrationEntry, error) {
	entries, err := s.records.ListCalibrationEntries(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *Store) findEntry(ctx context.Context, sandboxID, id string) (*datatypes.CalibrationEntry, error) {
	entries, err := s.records.ListCalibrationEntries(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, nil
}
