// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/crucible-network/crucible/services/engine/datatypes"
)

// MemoryStore is an in-memory live archive for tests and single-node
// deployments without a vector database.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]Item // sandboxID -> items
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string][]Item{}}
}

// Add implements the Store interface.
func (m *MemoryStore) Add(_ context.Context, sandboxID string, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vec := append([]float32(nil), item.Vector...)
	m.items[sandboxID] = append(m.items[sandboxID], Item{Hash: item.Hash, Vector: vec})
	return nil
}

// Items implements the Store interface.
func (m *MemoryStore) Items(_ context.Context, sandboxID string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, len(m.items[sandboxID]))
	copy(out, m.items[sandboxID])
	return out, nil
}

// MemorySnapshotStore keeps pinned snapshots in memory. Overwriting an
// existing snapshot id is rejected, matching the immutability contract of
// persistent implementations.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	metas map[string]datatypes.ArchiveSnapshot
	items map[string][]Item
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		metas: map[string]datatypes.ArchiveSnapshot{},
		items: map[string][]Item{},
	}
}

// SaveSnapshot implements the SnapshotStore interface.
func (m *MemorySnapshotStore) SaveSnapshot(_ context.Context, meta datatypes.ArchiveSnapshot, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.metas[meta.SnapshotID]; exists {
		return fmt.Errorf("snapshot %s already exists and is immutable", meta.SnapshotID)
	}
	m.metas[meta.SnapshotID] = meta
	copied := make([]Item, len(items))
	copy(copied, items)
	m.items[meta.SnapshotID] = copied
	return nil
}

// Snapshot implements the SnapshotStore interface.
func (m *MemorySnapshotStore) Snapshot(_ context.Context, snapshotID string) (datatypes.ArchiveSnapshot, []Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[snapshotID]
	if !ok {
		return datatypes.ArchiveSnapshot{}, nil, ErrSnapshotNotFound
	}
	out := make([]Item, len(m.items[snapshotID]))
	copy(out, m.items[snapshotID])
	return meta, out, nil
}
