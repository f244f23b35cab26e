// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"errors"
	"fmt"
)

// Sentinel errors for the scoring package.
var (
	// ErrEvaluationFailed is the terminal state after the bounded retry
	// budget is exhausted. It is reported to the caller, never silently
	// defaulted to a score.
	ErrEvaluationFailed = errors.New("evaluation failed: assessor retries exhausted")

	// ErrAssessorTimeout indicates a single attempt exceeded its deadline.
	ErrAssessorTimeout = errors.New("assessor call timed out")
)

// ParseError reports an assessor response whose sub-scores are missing,
// non-numeric, or out of range.
//
// A ParseError is never resolved by clamping or defaulting: the response
// is rejected and the attempt retried or surfaced.
type ParseError struct {
	Field  string // offending field, empty when the envelope itself is bad
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("score parse error: %s", e.Reason)
	}
	return fmt.Sprintf("score parse error: field %q: %s", e.Field, e.Reason)
}
