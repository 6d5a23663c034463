package bolt

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedb/pkg/dberrors"
	"votedb/pkg/kv"
	"votedb/pkg/kv/kvtest"
)

func openTemp(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "votedb.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T, pageSize int) kv.Store {
		return openTemp(t, WithPageSize(pageSize))
	})
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "votedb.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestStoreGetOutlivesTx(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Put([]byte("a"), []byte("overwritten")))
	}
	assert.Equal(t, []byte("1"), v)
}

func TestStoreClosed(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get([]byte("a"))
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, s.Put([]byte("a"), []byte("1")), dberrors.ErrClosed)
	_, err = s.Snapshot()
	assert.ErrorIs(t, err, dberrors.ErrClosed)
}

func TestStoreCollector(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(s.PrometheusCollectors()...)

	n, err := testutil.GatherAndCount(reg, "votedb_boltdb_writes_total", "votedb_boltdb_open_read_tx")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
