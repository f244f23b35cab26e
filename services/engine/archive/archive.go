// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package archive owns the archive of prior qualified work and the
// Snapshot Service.
//
// The live archive grows as submissions qualify. Evaluation never reads
// the live archive directly: the Snapshot Service pins an immutable copy
// of the qualified embeddings at evaluation time, and all redundancy
// scoring runs against that pinned set. Concurrent qualification of other
// submissions therefore cannot change a submission's computed redundancy
// after the fact.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/crucible-network/crucible/services/engine/datatypes"
	"github.com/google/uuid"
)

// Sentinel errors for the archive package.
var (
	// ErrSnapshotNotFound indicates an unknown snapshot id.
	ErrSnapshotNotFound = errors.New("archive snapshot not found")

	// ErrDimensionMismatch indicates vectors of different embedding models.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Item is one archived qualified embedding.
type Item struct {
	Hash   string    `json:"hash"`
	Vector []float32 `json:"vector"`
}

// Store is the live archive of qualified work for all sandboxes.
//
// Implementations must be safe for concurrent use. Items are append-only;
// there is no delete, matching the provenance requirement.
type Store interface {
	// Add appends a qualified item to a sandbox archive.
	Add(ctx context.Context, sandboxID string, item Item) error

	// Items returns all qualified items of a sandbox. Used only by
	// snapshot pinning; queries go through pinned snapshots.
	Items(ctx context.Context, sandboxID string) ([]Item, error)
}

// SnapshotStore persists pinned snapshots. A saved snapshot is immutable:
// implementations must reject overwrites of an existing snapshot id.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, meta datatypes.ArchiveSnapshot, items []Item) error
	Snapshot(ctx context.Context, snapshotID string) (datatypes.ArchiveSnapshot, []Item, error)
}

// Service is the Snapshot Service: it pins immutable views of the live
// archive and serves nearest-neighbor queries against named snapshots.
type Service struct {
	live  Store
	snaps SnapshotStore
}

// NewService creates a Service over a live archive and a snapshot store.
func NewService(live Store, snaps SnapshotStore) *Service {
	return &Service{live: live, snaps: snaps}
}

// Pin copies the sandbox's qualified embeddings into a new immutable
// snapshot and returns its metadata together with the pinned items.
//
// Every evaluation run pins its own snapshot; snapshots are retained
// forever for audit and never mutated.
func (s *Service) Pin(ctx context.Context, sandboxID string) (datatypes.ArchiveSnapshot, []Item, error) {
	items, err := s.live.Items(ctx, sandboxID)
	if err != nil {
		return datatypes.ArchiveSnapshot{}, nil, fmt.Errorf("pin snapshot: %w", err)
	}

	meta := datatypes.ArchiveSnapshot{
		SnapshotID: uuid.NewString(),
		SandboxID:  sandboxID,
		ItemCount:  len(items),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.snaps.SaveSnapshot(ctx, meta, items); err != nil {
		return datatypes.ArchiveSnapshot{}, nil, fmt.Errorf("pin snapshot: %w", err)
	}
	slog.Info("Pinned archive snapshot",
		"snapshot_id", meta.SnapshotID,
		"sandbox_id", sandboxID,
		"item_count", meta.ItemCount)
	return meta, items, nil
}

// Query runs a read-only nearest-neighbor similarity query against a
// named snapshot, returning up to limit (id, similarity) pairs in
// descending similarity order.
func (s *Service) Query(ctx context.Context, snapshotID string, vector []float32, limit int) ([]datatypes.ArchiveMatch, error) {
	_, items, err := s.snaps.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return NearestNeighbors(items, vector, limit)
}

// AppendQualified adds a newly qualified submission to the live archive.
// Future snapshots will include it; already-pinned snapshots are
// unaffected.
func (s *Service) AppendQualified(ctx context.Context, sandboxID, hash string, vector []float32) error {
	if err := s.live.Add(ctx, sandboxID, Item{Hash: hash, Vector: vector}); err != nil {
		return fmt.Errorf("append qualified item: %w", err)
	}
	return nil
}

// NearestNeighbors ranks items by cosine similarity to the query vector.
func NearestNeighbors(items []Item, vector []float32, limit int) ([]datatypes.ArchiveMatch, error) {
	matches := make([]datatypes.ArchiveMatch, 0, len(items))
	for _, it := range items {
		sim, err := Cosine(it.Vector, vector)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it.Hash, err)
		}
		matches = append(matches, datatypes.ArchiveMatch{ID: it.Hash, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of two vectors, in [-1,1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty vectors", ErrDimensionMismatch)
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
