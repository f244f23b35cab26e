// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for submission intake.
//
// Ingestion validation runs synchronously before any scoring work is
// dispatched: malformed or empty content is rejected at the door and
// never reaches the assessor, the archive, or the ledger.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Content bounds for submitted text, measured after whitespace trimming.
const (
	// MinContentLength is the minimum number of runes of substantive text.
	MinContentLength = 32

	// MaxContentLength bounds submissions to roughly a long-form article.
	MaxContentLength = 200_000

	// MaxTitleLength bounds the submission title.
	MaxTitleLength = 300
)

// Sentinel ingestion errors. Handlers map these to synchronous 400
// responses; none of them ever reach the evaluation pipeline.
var (
	ErrEmptyContent     = errors.New("submission content is empty")
	ErrContentTooShort  = errors.New("submission content below minimum length")
	ErrContentTooLarge  = errors.New("submission content exceeds maximum length")
	ErrInvalidEncoding  = errors.New("submission content is not valid UTF-8")
	ErrInvalidSandboxID = errors.New("invalid sandbox id")
)

// sandboxIDPattern matches sandbox identifiers used as storage key
// segments. Lowercase alphanumerics and hyphens, 1-64 chars.
var sandboxIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ValidateContent checks submitted text against the ingestion rules.
//
// Returns a sentinel error (possibly wrapped with detail) so callers can
// branch with errors.Is. Content is never modified here; normalization
// for hashing happens in the datatypes package.
func ValidateContent(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyContent
	}
	if n := utf8.RuneCountInString(trimmed); n < MinContentLength {
		return fmt.Errorf("%w: %d runes, need at least %d", ErrContentTooShort, n, MinContentLength)
	} else if n > MaxContentLength {
		return fmt.Errorf("%w: %d runes, limit %d", ErrContentTooLarge, n, MaxContentLength)
	}
	return nil
}

// ValidateSandboxID validates a sandbox identifier before it is used as a
// storage key segment or archive class filter.
func ValidateSandboxID(id string) error {
	if !sandboxIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (must be 1-64 lowercase alphanumerics or hyphens)", ErrInvalidSandboxID, id)
	}
	return nil
}

// ValidateTitle bounds the optional submission title.
func ValidateTitle(title string) error {
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLength)
	}
	return nil
}
