// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/crucible-network/crucible/services/engine/archive"
	"github.com/crucible-network/crucible/services/engine/datatypes"
)

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrAllocationExists indicates a submission that already holds an
	// allocation. A submission is allocated at most once, ever.
	ErrAllocationExists = errors.New("allocation already exists for submission")
)

// Key prefixes. Each record family gets its own namespace so prefix
// scans never cross families.
const (
	evalPrefix      = "eval/"
	epochPrefix     = "epoch/"
	allocPrefix     = "alloc/"
	deferPrefix     = "defer/"
	snapMetaPrefix  = "snapmeta/"
	snapItemsPrefix = "snapitems/"
	calibPrefix     = "calib/"
	currentEpochKey = "meta/current_epoch"
)

// mutateMaxRetries bounds optimistic-concurrency retries on
// transaction conflict.
const mutateMaxRetries = 16

// Records provides typed access to engine records stored in BadgerDB.
//
// All records are stored as JSON values under namespaced keys. The
// zero value is not usable; construct with NewRecords.
type Records struct {
	db *badger.DB
}

// NewRecords wraps an open BadgerDB in a typed record store.
func NewRecords(db *badger.DB) *Records {
	return &Records{db: db}
}

func (r *Records) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("store record %s: %w", key, err)
	}
	return nil
}

func (r *Records) get(key string, v any) error {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load record %s: %w", key, err)
	}
	return nil
}

// listInto iterates all values under prefix and appends decoded records
// via the visit callback.
func (r *Records) list(prefix string, visit func(data []byte) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Evaluations
// -----------------------------------------------------------------------------

// PutEvaluation stores an evaluation record keyed by content hash.
func (r *Records) PutEvaluation(_ context.Context, eval *datatypes.Evaluation) error {
	if eval == nil {
		return errors.New("evaluation must not be nil")
	}
	return r.put(evalPrefix+eval.SubmissionHash, eval)
}

// GetEvaluation loads the evaluation for a content hash, or ErrNotFound.
func (r *Records) GetEvaluation(_ context.Context, hash string) (*datatypes.Evaluation, error) {
	var eval datatypes.Evaluation
	if err := r.get(evalPrefix+hash, &eval); err != nil {
		return nil, err
	}
	return &eval, nil
}

// -----------------------------------------------------------------------------
// Epochs
// -----------------------------------------------------------------------------

// PutEpoch stores an epoch record keyed by epoch name.
func (r *Records) PutEpoch(_ context.Context, epoch *datatypes.Epoch) error {
	if epoch == nil {
		return errors.New("epoch must not be nil")
	}
	return r.put(epochPrefix+epoch.Name, epoch)
}

// GetEpoch loads an epoch by name, or ErrNotFound.
func (r *Records) GetEpoch(_ context.Context, name string) (*datatypes.Epoch, error) {
	var epoch datatypes.Epoch
	if err := r.get(epochPrefix+name, &epoch); err != nil {
		return nil, err
	}
	return &epoch, nil
}

// SetCurrentEpoch marks the named epoch as the active one.
func (r *Records) SetCurrentEpoch(_ context.Context, name string) error {
	return r.put(currentEpochKey, name)
}

// CurrentEpoch loads the active epoch, or ErrNotFound when none is set.
func (r *Records) CurrentEpoch(ctx context.Context) (*datatypes.Epoch, error) {
	var name string
	if err := r.get(currentEpochKey, &name); err != nil {
		return nil, err
	}
	return r.GetEpoch(ctx, name)
}

// MutateEpoch applies fn to the named epoch and writes the result back
// inside a single transaction.
//
// Description:
//
//	This is the atomic check-then-decrement primitive for the ledger.
//	fn sees a snapshot of the epoch; if fn returns an error the write
//	is abandoned and the error is returned unchanged. Concurrent
//	mutations of the same epoch serialize through BadgerDB conflict
//	detection: on ErrConflict the whole read-mutate-write cycle is
//	retried against fresh state, so a balance check in fn can never
//	act on a stale balance.
//
// Inputs:
//
//	name - Epoch name. Must exist; ErrNotFound otherwise.
//	fn - Mutation applied to the loaded epoch.
//
// Outputs:
//
//	error - fn's error, ErrNotFound, or a storage error.
//
// Thread Safety: Safe for concurrent use.
func (r *Records) MutateEpoch(_ context.Context, name string, fn func(*datatypes.Epoch) error) error {
	key := []byte(epochPrefix + name)

	for attempt := 0; attempt < mutateMaxRetries; attempt++ {
		err := r.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var epoch datatypes.Epoch
			if err := item.Value(func(data []byte) error {
				return json.Unmarshal(data, &epoch)
			}); err != nil {
				return err
			}

			if err := fn(&epoch); err != nil {
				return err
			}

			data, err := json.Marshal(&epoch)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("mutate epoch %s: transaction conflict retries exhausted", name)
}

// CommitAllocation atomically debits the allocation's epoch and records
// the allocation in the same transaction.
//
// Description:
//
//	Loads the epoch named by alloc.Epoch, applies debit to it, and
//	writes both the mutated epoch and the allocation record if debit
//	succeeds. debit's error aborts the transaction and is returned
//	unchanged, so the ledger's balance and open-epoch checks decide
//	commit or abort. An existing allocation for the same submission
//	hash aborts with ErrAllocationExists. Transaction conflicts retry
//	the whole cycle against fresh state.
//
// Thread Safety: Safe for concurrent use; concurrent commits against
// the same epoch serialize.
func (r *Records) CommitAllocation(_ context.Context, alloc *datatypes.Allocation, debit func(*datatypes.Epoch) error) error {
	if alloc == nil {
		return errors.New("allocation must not be nil")
	}
	epochKey := []byte(epochPrefix + alloc.Epoch)
	allocKey := []byte(allocPrefix + alloc.SubmissionHash)

	for attempt := 0; attempt < mutateMaxRetries; attempt++ {
		err := r.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(allocKey); err == nil {
				return ErrAllocationExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			item, err := txn.Get(epochKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var epoch datatypes.Epoch
			if err := item.Value(func(data []byte) error {
				return json.Unmarshal(data, &epoch)
			}); err != nil {
				return err
			}

			if err := debit(&epoch); err != nil {
				return err
			}

			epochData, err := json.Marshal(&epoch)
			if err != nil {
				return err
			}
			allocData, err := json.Marshal(alloc)
			if err != nil {
				return err
			}
			if err := txn.Set(epochKey, epochData); err != nil {
				return err
			}
			return txn.Set(allocKey, allocData)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("commit allocation %s: transaction conflict retries exhausted", alloc.SubmissionHash)
}

// -----------------------------------------------------------------------------
// Allocations and the deferred queue
// -----------------------------------------------------------------------------

// PutAllocation stores an allocation keyed by submission hash.
// One submission gets at most one allocation, ever.
func (r *Records) PutAllocation(_ context.Context, alloc *datatypes.Allocation) error {
	if alloc == nil {
		return errors.New("allocation must not be nil")
	}
	return r.put(allocPrefix+alloc.SubmissionHash, alloc)
}

// GetAllocation loads the allocation for a submission hash, or ErrNotFound.
func (r *Records) GetAllocation(_ context.Context, hash string) (*datatypes.Allocation, error) {
	var alloc datatypes.Allocation
	if err := r.get(allocPrefix+hash, &alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// ListAllocations returns all allocations recorded for an epoch.
func (r *Records) ListAllocations(_ context.Context, epoch string) ([]datatypes.Allocation, error) {
	var allocs []datatypes.Allocation
	err := r.list(allocPrefix, func(data []byte) error {
		var alloc datatypes.Allocation
		if err := json.Unmarshal(data, &alloc); err != nil {
			return err
		}
		if alloc.Epoch == epoch {
			allocs = append(allocs, alloc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list allocations for epoch %s: %w", epoch, err)
	}
	return allocs, nil
}

func deferKey(epoch, hash string) string {
	return deferPrefix + epoch + "/" + hash
}

// PutDeferred records a deferred allocation in the epoch's queue.
func (r *Records) PutDeferred(_ context.Context, d *datatypes.DeferredAllocation) error {
	if d == nil {
		return errors.New("deferred allocation must not be nil")
	}
	return r.put(deferKey(d.Epoch, d.SubmissionHash), d)
}

// ListDeferred returns the deferred queue of an epoch in key order.
func (r *Records) ListDeferred(_ context.Context, epoch string) ([]datatypes.DeferredAllocation, error) {
	var out []datatypes.DeferredAllocation
	err := r.list(deferPrefix+epoch+"/", func(data []byte) error {
		var d datatypes.DeferredAllocation
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list deferred for epoch %s: %w", epoch, err)
	}
	return out, nil
}

// DeleteDeferred removes a drained entry from the deferred queue.
func (r *Records) DeleteDeferred(_ context.Context, epoch, hash string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(deferKey(epoch, hash)))
	})
	if err != nil {
		return fmt.Errorf("delete deferred %s/%s: %w", epoch, hash, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Archive snapshots
// -----------------------------------------------------------------------------

// SaveSnapshot persists a pinned snapshot. Snapshots are immutable:
// saving an already-known snapshot id fails.
func (r *Records) SaveSnapshot(_ context.Context, meta datatypes.ArchiveSnapshot, items []archive.Item) error {
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal snapshot meta: %w", err)
	}
	itemData, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal snapshot items: %w", err)
	}

	metaKey := []byte(snapMetaPrefix + meta.SnapshotID)
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey); err == nil {
			return fmt.Errorf("snapshot %s already exists and is immutable", meta.SnapshotID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(metaKey, metaData); err != nil {
			return err
		}
		return txn.Set([]byte(snapItemsPrefix+meta.SnapshotID), itemData)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", meta.SnapshotID, err)
	}
	return nil
}

// Snapshot loads a pinned snapshot by id.
func (r *Records) Snapshot(_ context.Context, snapshotID string) (datatypes.ArchiveSnapshot, []archive.Item, error) {
	var meta datatypes.ArchiveSnapshot
	if err := r.get(snapMetaPrefix+snapshotID, &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return datatypes.ArchiveSnapshot{}, nil, archive.ErrSnapshotNotFound
		}
		return datatypes.ArchiveSnapshot{}, nil, err
	}
	var items []archive.Item
	if err := r.get(snapItemsPrefix+snapshotID, &items); err != nil {
		return datatypes.ArchiveSnapshot{}, nil, err
	}
	return meta, items, nil
}

// -----------------------------------------------------------------------------
// Calibration entries
// -----------------------------------------------------------------------------

// PutCalibrationEntry stores a calibration entry keyed by sandbox and id.
func (r *Records) PutCalibrationEntry(_ context.Context, sandboxID string, entry *datatypes.CalibrationEntry) error {
	if entry == nil {
		return errors.New("calibration entry must not be nil")
	}
	if strings.Contains(entry.ID, "/") {
		return fmt.Errorf("calibration entry id %q must not contain '/'", entry.ID)
	}
	return r.put(calibPrefix+sandboxID+"/"+entry.ID, entry)
}

// ListCalibrationEntries returns all calibration entries of a sandbox.
func (r *Records) ListCalibrationEntries(_ context.Context, sandboxID string) ([]datatypes.CalibrationEntry, error) {
	var out []datatypes.CalibrationEntry
	err := r.list(calibPrefix+sandboxID+"/", func(data []byte) error {
		var e datatypes.CalibrationEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list calibration entries for %s: %w", sandboxID, err)
	}
	return out, nil
}
