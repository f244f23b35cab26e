// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the core records of the evaluation engine:
// submissions, evaluations, epochs, allocations, archive snapshots, and
// the sandbox scoring configuration.
//
// All records in this package are immutable once persisted. The engine
// never mutates a stored Evaluation, Allocation (once anchored), or
// ArchiveSnapshot; corrections happen by writing new records.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// Submission is a contribution submitted for evaluation.
//
// # Description
//
// A Submission is created once at intake and never modified. Its identity
// is ContentHash, derived from the normalized text content, so submitting
// byte-different but semantically identical whitespace variants of the
// same text resolves to the same Submission.
//
// # Fields
//
//   - ContentHash: hex SHA-256 of the normalized text. Stable identity.
//   - SandboxID: the tenant sandbox the submission belongs to.
//   - TextContent: the raw submitted text, preserved as received.
//   - Bridge: optional structured falsifiability payload. Nil means the
//     submission is evaluated on the narrative track only.
type Submission struct {
	ContentHash string      `json:"content_hash"`
	SandboxID   string      `json:"sandbox_id"`
	Title       string      `json:"title"`
	Contributor string      `json:"contributor"`
	TextContent string      `json:"text_content"`
	Category    string      `json:"category"`
	Bridge      *BridgeSpec `json:"bridge,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NormalizeContent canonicalizes submission text for hashing.
//
// Lowercases, trims, and collapses runs of whitespace (including newlines)
// into single spaces. Two submissions that differ only in casing or
// whitespace layout normalize identically and therefore share a
// content hash.
func NormalizeContent(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte(' ')
			inSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// HashContent returns the hex SHA-256 of the normalized text.
//
// This is the stable identity used for idempotent evaluation: resubmission
// of identical content must resolve to the same hash and therefore the
// same Evaluation record.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(text)))
	return hex.EncodeToString(sum[:])
}

// NewSubmission builds a Submission with its content hash computed.
func NewSubmission(sandboxID, title, contributor, text, category string, bridge *BridgeSpec) Submission {
	return Submission{
		ContentHash: HashContent(text),
		SandboxID:   sandboxID,
		Title:       title,
		Contributor: contributor,
		TextContent: text,
		Category:    category,
		Bridge:      bridge,
		CreatedAt:   time.Now().UTC(),
	}
}
