// Package rankkey encodes (votes, hash) pairs into keys whose unsigned
// lexicographic order is the numeric order of votes, ties broken by hash.
package rankkey

import (
	"encoding/binary"
	"errors"
)

const (
	rankSize = 8
	signBit  = uint64(1) << 63
)

var ErrShortKey = errors.New("rankkey: key shorter than rank prefix")

// Encode flips the sign bit of votes and writes it big-endian, so that
// negative counts sort before zero and positive ones; the hash follows.
func Encode(votes int64, hash string) []byte {
	k := make([]byte, rankSize+len(hash))
	binary.BigEndian.PutUint64(k, uint64(votes)^signBit)
	copy(k[rankSize:], hash)
	return k
}

// Decode is the inverse of Encode.
func Decode(k []byte) (int64, string, error) {
	if len(k) < rankSize {
		return 0, "", ErrShortKey
	}
	votes := int64(binary.BigEndian.Uint64(k[:rankSize]) ^ signBit)
	return votes, string(k[rankSize:]), nil
}

// Prefix returns the key prefix shared by all entries at the given rank.
func Prefix(votes int64) []byte {
	return Encode(votes, "")
}
