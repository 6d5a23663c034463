// Package schema lays out the view in a single sorted keyspace.
//
//	p<hash>                          post record
//	r<rankkey(votes, hash)>          hash, one per post
//	q<hash>\x00<writer>\x00<seq:8>   vote direction waiting for its post
//	m<writer>                        applied sequence of writer
//	c                                highest applied clock
package schema

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"votedb/pkg/iterator"
	"votedb/pkg/rankkey"
	"votedb/pkg/types"
)

const (
	prefixPost        = 'p'
	prefixRank        = 'r'
	prefixPendingVote = 'q'
	prefixCheckpoint  = 'm'
	prefixClock       = 'c'
)

var (
	ErrBadKey   = errors.New("schema: malformed key")
	ErrBadValue = errors.New("schema: malformed value")

	encMode cbor.EncMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("schema: cbor enc mode: %v", err))
	}
}

// Post is the stored form of a post.
type Post struct {
	Hash  string `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint"`
	Votes int64  `cbor:"3,keyasint"`
}

func EncodePost(p Post) ([]byte, error) {
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode post: %w", err)
	}
	return b, nil
}

func DecodePost(b []byte) (Post, error) {
	var p Post
	if err := cbor.Unmarshal(b, &p); err != nil {
		return Post{}, fmt.Errorf("%w: post: %w", ErrBadValue, err)
	}
	if p.Data == nil {
		p.Data = []byte{}
	}
	return p, nil
}

func PostKey(hash string) types.Key {
	return append([]byte{prefixPost}, hash...)
}

// PostRange covers every post in hash order.
func PostRange() iterator.Range {
	return iterator.PrefixRange([]byte{prefixPost})
}

func RankKey(votes int64, hash string) types.Key {
	return append([]byte{prefixRank}, rankkey.Encode(votes, hash)...)
}

// RankRange covers the whole rank index; scanned in reverse it yields the
// leaderboard.
func RankRange() iterator.Range {
	return iterator.PrefixRange([]byte{prefixRank})
}

func DecodeRankKey(k types.Key) (int64, string, error) {
	if len(k) == 0 || k[0] != prefixRank {
		return 0, "", ErrBadKey
	}
	return rankkey.Decode(k[1:])
}

func PendingVoteKey(hash string, writer types.WriterID, seq types.SeqN) types.Key {
	k := make([]byte, 0, 1+len(hash)+1+len(writer)+1+8)
	k = append(k, prefixPendingVote)
	k = append(k, hash...)
	k = append(k, 0)
	k = append(k, writer...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, seq)
}

// PendingVoteRange covers the buffered votes of one post.
func PendingVoteRange(hash string) iterator.Range {
	prefix := append(append([]byte{prefixPendingVote}, hash...), 0)
	return iterator.PrefixRange(prefix)
}

// AllPendingVotes covers every buffered vote.
func AllPendingVotes() iterator.Range {
	return iterator.PrefixRange([]byte{prefixPendingVote})
}

// EncodeDirection stores a vote delta as one byte.
func EncodeDirection(delta int64) types.Value {
	return []byte{byte(int8(delta))}
}

func DecodeDirection(v types.Value) (int64, error) {
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: direction of %d bytes", ErrBadValue, len(v))
	}
	return int64(int8(v[0])), nil
}

func CheckpointKey(writer types.WriterID) types.Key {
	return append([]byte{prefixCheckpoint}, writer...)
}

func CheckpointRange() iterator.Range {
	return iterator.PrefixRange([]byte{prefixCheckpoint})
}

// CheckpointWriter extracts the writer from a checkpoint key.
func CheckpointWriter(k types.Key) (types.WriterID, error) {
	if len(k) < 2 || k[0] != prefixCheckpoint {
		return "", ErrBadKey
	}
	return string(k[1:]), nil
}

func ClockKey() types.Key {
	return []byte{prefixClock}
}

func EncodeUint(n uint64) types.Value {
	return binary.BigEndian.AppendUint64(nil, n)
}

func DecodeUint(v types.Value) (uint64, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: integer of %d bytes", ErrBadValue, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}
