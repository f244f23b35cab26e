// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package anchorer requests immutable external anchor records for
// committed allocations.
//
// Anchoring is keyed by content hash and idempotent: re-requesting an
// anchor for an already-anchored hash is a no-op, not an error. Anchor
// failures are retried independently of the evaluation and allocation
// records and never invalidate either.
package anchorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/crucible-network/crucible/services/engine/observability"
	"github.com/crucible-network/crucible/services/engine/storage/badgerstore"
)

var (
	// ErrAnchorFailed indicates the registrar rejected or never
	// acknowledged the anchor request after retries.
	ErrAnchorFailed = errors.New("chain anchor request failed")

	// ErrNotAllocated indicates an anchor request for a hash with no
	// committed allocation.
	ErrNotAllocated = errors.New("no allocation to anchor")
)

const (
	defaultRegistrarTimeout = 15 * time.Second
	maxAnchorAttempts       = 3
	anchorRetryDelay        = 2 * time.Second
)

// AnchorRequest is the registrar request payload.
type AnchorRequest struct {
	ContentHash string    `json:"content_hash"`
	Epoch       string    `json:"epoch"`
	Amount      int64     `json:"amount"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// AnchorReceipt is the registrar's acknowledgement.
type AnchorReceipt struct {
	AnchorRef       string `json:"anchor_ref"`
	AlreadyAnchored bool   `json:"already_anchored"`
}

// Registrar is the external chain registrar.
type Registrar interface {
	Anchor(ctx context.Context, req AnchorRequest) (AnchorReceipt, error)
}

// HTTPRegistrar talks to a chain registrar over HTTP.
//
// Thread Safety: safe for concurrent use.
type HTTPRegistrar struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRegistrar creates a registrar client for the given base URL.
func NewHTTPRegistrar(baseURL string) *HTTPRegistrar {
	return &HTTPRegistrar{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultRegistrarTimeout,
		},
	}
}

// Anchor posts an anchor request to the registrar.
func (r *HTTPRegistrar) Anchor(ctx context.Context, req AnchorRequest) (AnchorReceipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return AnchorReceipt{}, fmt.Errorf("marshal anchor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return AnchorReceipt{}, fmt.Errorf("create anchor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return AnchorReceipt{}, fmt.Errorf("registrar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return AnchorReceipt{}, fmt.Errorf("registrar returned %d: %s", resp.StatusCode, string(data))
	}

	var receipt AnchorReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return AnchorReceipt{}, fmt.Errorf("decode anchor receipt: %w", err)
	}
	// 409 means the hash was anchored previously; treat as success.
	if resp.StatusCode == http.StatusConflict {
		receipt.AlreadyAnchored = true
	}
	return receipt, nil
}

// Anchorer drives anchoring of committed allocations.
type Anchorer struct {
	registrar  Registrar
	records    *badgerstore.Records
	retryDelay time.Duration
}

// New creates an Anchorer.
func New(registrar Registrar, records *badgerstore.Records) *Anchorer {
	return &Anchorer{registrar: registrar, records: records, retryDelay: anchorRetryDelay}
}

// Anchor requests an external anchor for a committed allocation.
//
// Description:
//
//	Loads the allocation for the hash, short-circuits if it is
//	already anchored, and otherwise asks the registrar with bounded
//	retries. On acknowledgement the allocation is marked anchored and
//	becomes immutable. A registrar failure returns ErrAnchorFailed
//	and leaves the allocation valid and re-anchorable.
//
// Inputs:
//
//	ctx - Request context; cancellation stops retries.
//	contentHash - Content hash of the allocated submission.
//
// Outputs:
//
//	string - The anchor reference.
//	error - ErrNotAllocated, ErrAnchorFailed, or storage error.
func (a *Anchorer) Anchor(ctx context.Context, contentHash string) (string, error) {
	alloc, err := a.records.GetAllocation(ctx, contentHash)
	if errors.Is(err, badgerstore.ErrNotFound) {
		return "", ErrNotAllocated
	}
	if err != nil {
		return "", err
	}
	if alloc.Anchored {
		slog.Debug("Allocation already anchored", "content_hash", contentHash, "anchor_ref", alloc.AnchorRef)
		observability.AnchorsTotal.WithLabelValues("noop").Inc()
		return alloc.AnchorRef, nil
	}

	req := AnchorRequest{
		ContentHash: alloc.SubmissionHash,
		Epoch:       alloc.Epoch,
		Amount:      alloc.Amount,
		AllocatedAt: alloc.AllocatedAt,
	}

	var receipt AnchorReceipt
	var lastErr error
	delay := a.retryDelay
	for attempt := 1; attempt <= maxAnchorAttempts; attempt++ {
		receipt, lastErr = a.registrar.Anchor(ctx, req)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, context.Canceled) {
			return "", lastErr
		}
		slog.Warn("Anchor attempt failed",
			"content_hash", contentHash,
			"attempt", attempt,
			"error", lastErr)
		if attempt < maxAnchorAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	if lastErr != nil {
		observability.AnchorsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%w: %w", ErrAnchorFailed, lastErr)
	}

	alloc.Anchored = true
	alloc.AnchorRef = receipt.AnchorRef
	if err := a.records.PutAllocation(ctx, alloc); err != nil {
		return "", fmt.Errorf("record anchor: %w", err)
	}

	observability.AnchorsTotal.WithLabelValues("anchored").Inc()
	slog.Info("Allocation anchored",
		"content_hash", contentHash,
		"epoch", alloc.Epoch,
		"anchor_ref", receipt.AnchorRef,
		"already_anchored", receipt.AlreadyAnchored)
	return receipt.AnchorRef, nil
}
