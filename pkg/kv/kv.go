// Package kv is the contract votedb expects from its sorted key-value engine:
// point reads and writes, atomic batches, read-modify-write transactions,
// snapshot reads and lazy range scans in both directions.
package kv

import (
	"errors"

	"votedb/pkg/batch"
	"votedb/pkg/iterator"
	"votedb/pkg/types"
)

var (
	// ErrKeyNotFound is returned by Get when the key is absent.
	ErrKeyNotFound = errors.New("kv: key not found")
	// ErrTxNotWritable is returned by mutations attempted through a snapshot.
	ErrTxNotWritable = errors.New("kv: transaction is not writable")
)

// Reader is the read side shared by stores, transactions and snapshots.
type Reader interface {
	Get(key types.Key) (types.Value, error)
	// Scan returns a lazy iterator over r. The caller must Close it.
	Scan(r iterator.Range, dir iterator.Direction) iterator.Iterator
}

// Tx is a read-write transaction. Reads observe the transaction's own writes.
type Tx interface {
	Reader
	batch.Writer
}

// Snapshot is a consistent, read-only view of the store at one point in time.
type Snapshot interface {
	Reader
	Close() error
}

// Store is a sorted key-value store.
//
// Reads through Get and Scan observe committed state only. A Scan holds its
// own snapshot until closed, so a batch committed while the scan is running
// is either entirely visible to it or not at all.
type Store interface {
	Reader
	batch.Writer

	// Write applies every operation of b atomically.
	Write(b *batch.Batch) error
	// Update runs fn in a read-write transaction that commits when fn
	// returns nil and is discarded otherwise.
	Update(fn func(Tx) error) error
	// Snapshot opens a read-only view that stays valid until closed.
	Snapshot() (Snapshot, error)
	Close() error
}

// Dump returns every key-value pair visible to r in ascending order.
func Dump(r Reader) ([]iterator.Item, error) {
	return iterator.Collect(r.Scan(iterator.Range{}, iterator.Forward))
}

// Has reports whether key is present.
func Has(r Reader, key types.Key) (bool, error) {
	_, err := r.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// DeleteRange removes every key in rng inside tx. Keys are collected before
// deleting so backends never see mutations under an open page.
func DeleteRange(tx Tx, rng iterator.Range) (int, error) {
	items, err := iterator.Collect(tx.Scan(rng, iterator.Forward))
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := tx.Delete(it.Key); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}
