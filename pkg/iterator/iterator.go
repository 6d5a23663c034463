package iterator

import (
	"bytes"

	"votedb/pkg/types"
)

// Direction of a range scan.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

// Range is the half-open key interval [Start, End). Nil bounds are open.
type Range struct {
	Start types.Key
	End   types.Key
}

// PrefixRange covers every key starting with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, End: PrefixEnd(prefix)}
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Contains reports whether k lies inside r.
func (r Range) Contains(k types.Key) bool {
	if r.Start != nil && bytes.Compare(k, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(k, r.End) >= 0 {
		return false
	}
	return true
}

// Item is a key-value pair produced by an iterator.
type Item struct {
	Key   types.Key
	Value types.Value
}

// Iterator is a pull-based, finite sequence over a sorted key range.
type Iterator interface {
	// Next advances to the next entry and reports whether there is one.
	Next() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources.
	Close() error
}
