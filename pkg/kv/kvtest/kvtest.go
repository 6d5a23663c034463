// Package kvtest holds behaviour checks every kv.Store backend must pass.
package kvtest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedb/pkg/batch"
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
)

// NewStoreFunc opens a fresh, empty store. Scans must use pageSize.
type NewStoreFunc func(t *testing.T, pageSize int) kv.Store

// Run exercises a backend against the kv.Store contract.
func Run(t *testing.T, newStore NewStoreFunc) {
	t.Run("get put delete", func(t *testing.T) { testGetPutDelete(t, newStore) })
	t.Run("write batch", func(t *testing.T) { testWriteBatch(t, newStore) })
	t.Run("update rollback", func(t *testing.T) { testUpdateRollback(t, newStore) })
	t.Run("update reads own writes", func(t *testing.T) { testUpdateReadsOwnWrites(t, newStore) })
	t.Run("snapshot isolation", func(t *testing.T) { testSnapshotIsolation(t, newStore) })
	t.Run("scan forward", func(t *testing.T) { testScan(t, newStore, iterator.Forward) })
	t.Run("scan reverse", func(t *testing.T) { testScan(t, newStore, iterator.Reverse) })
	t.Run("scan sees one state", func(t *testing.T) { testScanConsistent(t, newStore) })
	t.Run("delete range", func(t *testing.T) { testDeleteRange(t, newStore) })
}

func fill(t *testing.T, s kv.Store, n int) {
	t.Helper()
	b := batch.New()
	for i := 0; i < n; i++ {
		b.Put([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i)))
	}
	require.NoError(t, s.Write(b))
}

func keys(t *testing.T, it iterator.Iterator) []string {
	t.Helper()
	items, err := iterator.Collect(it)
	require.NoError(t, err)
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, string(item.Key))
	}
	return out
}

func testGetPutDelete(t *testing.T, newStore NewStoreFunc) {
	s := newStore(t, 0)

	_, err := s.Get([]byte("a"))
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Put([]byte("a"), []byte("2")))
	v, err = s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, s.Delete([]byte("a")))
	ok, err := kv.Has(s, []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete([]byte("missing")))
}

func testWriteBatch(t *testing.T, newStore NewStoreFunc) {
	s := newStore(t, 0)
	require.NoError(t, s.Put([]byte("gone"), []byte("x")))

	b := batch.New()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("gone"))
	require.NoError(t, s.Write(b))

	items, err := kv.Dump(s)
	require.NoError(t, err)
	assert.Equal(t, []iterator.Item{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}, items)
}

func testUpdateRollback(t *testing.T, newStore NewStoreFunc) {
	s := newStore(t, 0)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))

	boom := errors.New("boom")
	err := s.Update(func(tx kv.Tx) error {
		require.NoError(t, tx.Put([]byte("a"), []byte("2")))
		require.NoError(t, tx.Put([]byte("b"), []byte("2")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	items, err := kv.Dump(s)
	require.NoError(t, err)
	assert.Equal(t, []iterator.Item{{Key: []byte("a"), Value: []byte("1")}}, items)
}

func testUpdateReadsOwnWrites(t *testing.T, newStore NewStoreFunc) {
	s := newStore(t, 2)
	fill(t, s, 3)

	err := s.Update(func(tx kv.Tx) error {
		if err := tx.Put([]byte("k001"), []byte("changed")); err != nil {
			return err
		}
		if err := tx.Put([]byte("k005"), []byte("new")); err != nil {
			return err
		}
		v, err := tx.Get([]byte("k001"))
		require.NoError(t, err)
		assert.Equal(t, []byte("changed"), v)

		assert.Equal(t, []string{"k000", "k001", "k002", "k005"}, keys(t, tx.Scan(iterator.Range{}, iterator.Forward)))
		return nil
	})
	require.NoError(t, err)
}

func testSnapshotIsolation(t *testing.T, newStore NewStoreFunc) {
	s := newStore(t, 0)
	fill(t, s, 3)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	b := batch.New()
	b.Put([]byte("k001"), []byte("changed"))
	b.Delete([]byte("k002"))
	b.Put([]byte("k100"), []byte("new"))
	require.NoError(t, s.Write(b))

	v, err := snap.Get([]byte("k001"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v001"), v)
	assert.Equal(t, []string{"k000", "k001", "k002"}, keys(t, snap.Scan(iterator.Range{}, iterator.Forward)))

	if w, ok := snap.(batch.Writer); ok {
		require.ErrorIs(t, w.Put([]byte("x"), []byte("y")), kv.ErrTxNotWritable)
	}
	require.NoError(t, snap.Close())

	v, err = s.Get([]byte("k001"))
	require.NoError(t, err)
	assert.Equal(t, []byte("changed"), v)
}

func testScan(t *testing.T, newStore NewStoreFunc, dir iterator.Direction) {
	s := newStore(t, 3)
	fill(t, s, 10)

	reverse := func(in []string) []string {
		if dir == iterator.Forward {
			return in
		}
		out := make([]string, len(in))
		for i, k := range in {
			out[len(in)-1-i] = k
		}
		return out
	}

	tests := []struct {
		name string
		rng  iterator.Range
		want []string
	}{
		{
			name: "full",
			rng:  iterator.Range{},
			want: []string{"k000", "k001", "k002", "k003", "k004", "k005", "k006", "k007", "k008", "k009"},
		},
		{
			name: "bounded",
			rng:  iterator.Range{Start: []byte("k002"), End: []byte("k006")},
			want: []string{"k002", "k003", "k004", "k005"},
		},
		{
			name: "start only",
			rng:  iterator.Range{Start: []byte("k0075")},
			want: []string{"k008", "k009"},
		},
		{
			name: "end only",
			rng:  iterator.Range{End: []byte("k002")},
			want: []string{"k000", "k001"},
		},
		{
			name: "end past last key",
			rng:  iterator.Range{Start: []byte("k008"), End: []byte("z")},
			want: []string{"k008", "k009"},
		},
		{
			name: "prefix",
			rng:  iterator.PrefixRange([]byte("k00")),
			want: []string{"k000", "k001", "k002", "k003", "k004", "k005", "k006", "k007", "k008", "k009"},
		},
		{
			name: "empty",
			rng:  iterator.Range{Start: []byte("x"), End: []byte("y")},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, reverse(tt.want), keys(t, s.Scan(tt.rng, dir)))
		})
	}
}

func testScanConsistent(t *testing.T, newStore NewStoreFunc) {
	s := newStore(t, 2)
	fill(t, s, 6)

	it := s.Scan(iterator.Range{}, iterator.Forward)
	require.True(t, it.Next())
	assert.Equal(t, "k000", string(it.Key()))

	b := batch.New()
	b.Delete([]byte("k003"))
	b.Put([]byte("k0035"), []byte("new"))
	require.NoError(t, s.Write(b))

	got := []string{"k000"}
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())

	assert.Equal(t, []string{"k000", "k001", "k002", "k003", "k004", "k005"}, got)
}

func testDeleteRange(t *testing.T, newStore NewStoreFunc) {
	s := newStore(t, 2)
	fill(t, s, 6)

	var n int
	err := s.Update(func(tx kv.Tx) error {
		var err error
		n, err = kv.DeleteRange(tx, iterator.Range{Start: []byte("k001"), End: []byte("k004")})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"k000", "k004", "k005"}, keys(t, s.Scan(iterator.Range{}, iterator.Forward)))
}
