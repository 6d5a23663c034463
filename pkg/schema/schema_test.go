package schema

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedb/pkg/entry"
)

func TestPostRoundTrip(t *testing.T) {
	p := Post{Hash: entry.ContentHash([]byte("hi")), Data: []byte("hi"), Votes: -3}
	b, err := EncodePost(p)
	require.NoError(t, err)

	got, err := DecodePost(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = DecodePost([]byte{0xff})
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestKeyFamiliesDoNotOverlap(t *testing.T) {
	hash := entry.ContentHash([]byte("x"))
	keys := map[string][]byte{
		"post":       PostKey(hash),
		"rank":       RankKey(4, hash),
		"pending":    PendingVoteKey(hash, "w", 1),
		"checkpoint": CheckpointKey("w"),
		"clock":      ClockKey(),
	}
	ranges := map[string]func([]byte) bool{
		"post":       PostRange().Contains,
		"rank":       RankRange().Contains,
		"pending":    AllPendingVotes().Contains,
		"checkpoint": CheckpointRange().Contains,
	}
	for rname, contains := range ranges {
		for kname, k := range keys {
			assert.Equal(t, rname == kname, contains(k), "range %s key %s", rname, kname)
		}
	}
}

func TestRankKey(t *testing.T) {
	hash := entry.ContentHash([]byte("x"))
	votes, h, err := DecodeRankKey(RankKey(-2, hash))
	require.NoError(t, err)
	assert.Equal(t, int64(-2), votes)
	assert.Equal(t, hash, h)

	assert.Negative(t, bytes.Compare(RankKey(-1, hash), RankKey(0, hash)))

	_, _, err = DecodeRankKey(PostKey(hash))
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestPendingVoteRange(t *testing.T) {
	a, b := entry.ContentHash([]byte("a")), entry.ContentHash([]byte("b"))
	rng := PendingVoteRange(a)

	assert.True(t, rng.Contains(PendingVoteKey(a, "w1", 1)))
	assert.True(t, rng.Contains(PendingVoteKey(a, "w2", 1<<40)))
	assert.False(t, rng.Contains(PendingVoteKey(b, "w1", 1)))
	assert.Negative(t, bytes.Compare(PendingVoteKey(a, "w1", 2), PendingVoteKey(a, "w1", 10)))
}

func TestScalars(t *testing.T) {
	d, err := DecodeDirection(EncodeDirection(-1))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), d)

	n, err := DecodeUint(EncodeUint(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	_, err = DecodeUint([]byte{1})
	assert.ErrorIs(t, err, ErrBadValue)

	w, err := CheckpointWriter(CheckpointKey("writer-1"))
	require.NoError(t, err)
	assert.Equal(t, "writer-1", w)
}
