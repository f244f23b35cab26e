// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-network/crucible/services/engine/archive"
	"github.com/crucible-network/crucible/services/engine/datatypes"
)

func newTestRecords(t *testing.T) *Records {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRecords(db)
}

func testEpoch(name string, balance int64) *datatypes.Epoch {
	return &datatypes.Epoch{
		Name:               name,
		Ordinal:            1,
		Thresholds:         map[datatypes.Tier]float64{datatypes.TierCommunity: 1000},
		DistributionAmount: balance,
		Balance:            balance,
		Open:               true,
		AvailableTiers:     []datatypes.Tier{datatypes.TierCommunity},
		CreatedAt:          time.Now().UTC(),
	}
}

func TestEvaluationRoundTrip(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()

	eval := &datatypes.Evaluation{
		SubmissionHash: "abc123",
		SandboxID:      "physics",
		TotalScore:     8500,
		ChamberStatus:  datatypes.ChamberPassed,
		Tier:           datatypes.TierFounder,
		Qualified:      true,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, r.PutEvaluation(ctx, eval))

	got, err := r.GetEvaluation(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, eval.TotalScore, got.TotalScore)
	assert.Equal(t, eval.Tier, got.Tier)

	_, err = r.GetEvaluation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCurrentEpoch(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()

	_, err := r.CurrentEpoch(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.PutEpoch(ctx, testEpoch("genesis", 1000)))
	require.NoError(t, r.SetCurrentEpoch(ctx, "genesis"))

	got, err := r.CurrentEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "genesis", got.Name)
	assert.Equal(t, int64(1000), got.Balance)
}

func TestMutateEpoch(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()
	require.NoError(t, r.PutEpoch(ctx, testEpoch("genesis", 1000)))

	err := r.MutateEpoch(ctx, "genesis", func(e *datatypes.Epoch) error {
		e.Balance -= 100
		return nil
	})
	require.NoError(t, err)

	got, err := r.GetEpoch(ctx, "genesis")
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.Balance)

	err = r.MutateEpoch(ctx, "missing", func(e *datatypes.Epoch) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMutateEpochConcurrent verifies concurrent decrements serialize:
// no decrement may act on a stale balance.
func TestMutateEpochConcurrent(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()
	require.NoError(t, r.PutEpoch(ctx, testEpoch("genesis", 1000)))

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.MutateEpoch(ctx, "genesis", func(e *datatypes.Epoch) error {
				e.Balance -= 10
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := r.GetEpoch(ctx, "genesis")
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.Balance)
}

func TestCommitAllocation(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()
	require.NoError(t, r.PutEpoch(ctx, testEpoch("genesis", 100)))

	alloc := &datatypes.Allocation{
		SubmissionHash: "abc123",
		Epoch:          "genesis",
		Amount:         60,
		AllocatedAt:    time.Now().UTC(),
	}
	err := r.CommitAllocation(ctx, alloc, func(e *datatypes.Epoch) error {
		e.Balance -= alloc.Amount
		return nil
	})
	require.NoError(t, err)

	epoch, err := r.GetEpoch(ctx, "genesis")
	require.NoError(t, err)
	assert.Equal(t, int64(40), epoch.Balance)

	got, err := r.GetAllocation(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.Amount)

	// Same submission may never allocate twice.
	err = r.CommitAllocation(ctx, alloc, func(e *datatypes.Epoch) error {
		e.Balance -= alloc.Amount
		return nil
	})
	assert.ErrorIs(t, err, ErrAllocationExists)

	epoch, err = r.GetEpoch(ctx, "genesis")
	require.NoError(t, err)
	assert.Equal(t, int64(40), epoch.Balance, "rejected commit must not debit")
}

func TestCommitAllocationDebitAborts(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()
	require.NoError(t, r.PutEpoch(ctx, testEpoch("genesis", 100)))

	sentinel := assert.AnError
	alloc := &datatypes.Allocation{SubmissionHash: "abc123", Epoch: "genesis", Amount: 60}
	err := r.CommitAllocation(ctx, alloc, func(e *datatypes.Epoch) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = r.GetAllocation(ctx, "abc123")
	assert.ErrorIs(t, err, ErrNotFound, "aborted commit must not record an allocation")
}

func TestDeferredQueue(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()

	d1 := &datatypes.DeferredAllocation{SubmissionHash: "aaa", Epoch: "genesis", Requested: 60}
	d2 := &datatypes.DeferredAllocation{SubmissionHash: "bbb", Epoch: "genesis", Requested: 40}
	other := &datatypes.DeferredAllocation{SubmissionHash: "ccc", Epoch: "second", Requested: 10}
	require.NoError(t, r.PutDeferred(ctx, d1))
	require.NoError(t, r.PutDeferred(ctx, d2))
	require.NoError(t, r.PutDeferred(ctx, other))

	got, err := r.ListDeferred(ctx, "genesis")
	require.NoError(t, err)
	require.Len(t, got, 2, "queues are scoped per epoch")

	require.NoError(t, r.DeleteDeferred(ctx, "genesis", "aaa"))
	got, err = r.ListDeferred(ctx, "genesis")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bbb", got[0].SubmissionHash)
}

func TestSnapshotImmutable(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()

	meta := datatypes.ArchiveSnapshot{
		SnapshotID: "snap-1",
		SandboxID:  "physics",
		ItemCount:  1,
		CreatedAt:  time.Now().UTC(),
	}
	items := []archive.Item{{Hash: "abc", Vector: []float32{1, 0}}}
	require.NoError(t, r.SaveSnapshot(ctx, meta, items))

	gotMeta, gotItems, err := r.Snapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, meta.SandboxID, gotMeta.SandboxID)
	require.Len(t, gotItems, 1)
	assert.Equal(t, "abc", gotItems[0].Hash)

	err = r.SaveSnapshot(ctx, meta, nil)
	require.Error(t, err, "pinned snapshots are immutable")

	_, _, err = r.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, archive.ErrSnapshotNotFound)
}

func TestCalibrationEntries(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()

	require.NoError(t, r.PutCalibrationEntry(ctx, "physics", &datatypes.CalibrationEntry{
		ID:    "coupling-alpha",
		Value: "0.0072973525693",
		Type:  datatypes.CalibrationConstant,
	}))
	require.NoError(t, r.PutCalibrationEntry(ctx, "physics", &datatypes.CalibrationEntry{
		ID:    "bridge-eq-1",
		Value: "dS = k ln W",
		Type:  datatypes.CalibrationEquation,
	}))

	err := r.PutCalibrationEntry(ctx, "physics", &datatypes.CalibrationEntry{ID: "bad/id"})
	require.Error(t, err)

	got, err := r.ListCalibrationEntries(ctx, "physics")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.ListCalibrationEntries(ctx, "chemistry")
	require.NoError(t, err)
	assert.Empty(t, got)
}
