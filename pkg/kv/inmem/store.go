// Package inmem is an in-memory kv.Store on a copy-on-write btree.
//
// Committed trees are never mutated: a write transaction works on a lazy
// clone that replaces the committed tree on success. Snapshots are plain
// references to a committed tree.
package inmem

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"votedb/pkg/batch"
	"votedb/pkg/dberrors"
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
	"votedb/pkg/types"
)

const degree = 32

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type tree = btree.BTreeG[item]

var _ kv.Store = (*Store)(nil)

type Store struct {
	mu       sync.Mutex // serializes writers
	tree     atomic.Pointer[tree]
	closed   atomic.Bool
	pageSize int
}

type Option func(*Store)

// WithPageSize sets how many entries a scan pulls from the tree at a time.
func WithPageSize(n int) Option {
	return func(s *Store) {
		s.pageSize = n
	}
}

func New(opts ...Option) *Store {
	s := &Store{pageSize: iterator.DefaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	s.tree.Store(btree.NewG[item](degree, less))
	return s
}

func (s *Store) Get(key types.Key) (types.Value, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	return get(s.tree.Load(), key)
}

func (s *Store) Scan(r iterator.Range, dir iterator.Direction) iterator.Iterator {
	if s.closed.Load() {
		return iterator.Empty(dberrors.ErrClosed)
	}
	return scan(s.tree.Load(), r, dir, s.pageSize)
}

func (s *Store) Put(key types.Key, value types.Value) error {
	return s.Update(func(tx kv.Tx) error {
		return tx.Put(key, value)
	})
}

func (s *Store) Delete(key types.Key) error {
	return s.Update(func(tx kv.Tx) error {
		return tx.Delete(key)
	})
}

func (s *Store) Write(b *batch.Batch) error {
	return s.Update(func(tx kv.Tx) error {
		return b.ApplyTo(tx)
	})
}

func (s *Store) Update(fn func(kv.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	tx := &txn{t: s.tree.Load().Clone(), pageSize: s.pageSize}
	if err := fn(tx); err != nil {
		return err
	}
	s.tree.Store(tx.t)
	return nil
}

func (s *Store) Snapshot() (kv.Snapshot, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	return &snapshot{t: s.tree.Load(), pageSize: s.pageSize}, nil
}

// Len is the number of committed keys.
func (s *Store) Len() int {
	return s.tree.Load().Len()
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

type txn struct {
	t        *tree
	pageSize int
}

func (tx *txn) Get(key types.Key) (types.Value, error) {
	return get(tx.t, key)
}

func (tx *txn) Scan(r iterator.Range, dir iterator.Direction) iterator.Iterator {
	return scan(tx.t, r, dir, tx.pageSize)
}

func (tx *txn) Put(key types.Key, value types.Value) error {
	tx.t.ReplaceOrInsert(item{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (tx *txn) Delete(key types.Key) error {
	tx.t.Delete(item{key: key})
	return nil
}

type snapshot struct {
	t        *tree
	pageSize int
}

func (s *snapshot) Get(key types.Key) (types.Value, error) {
	return get(s.t, key)
}

func (s *snapshot) Scan(r iterator.Range, dir iterator.Direction) iterator.Iterator {
	return scan(s.t, r, dir, s.pageSize)
}

func (s *snapshot) Close() error {
	return nil
}

func get(t *tree, key types.Key) (types.Value, error) {
	it, ok := t.Get(item{key: key})
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return it.value, nil
}

func scan(t *tree, r iterator.Range, dir iterator.Direction, pageSize int) iterator.Iterator {
	return iterator.NewPaged(r, dir, pageSize, func(r iterator.Range, dir iterator.Direction, after types.Key, limit int) ([]iterator.Item, error) {
		return page(t, r, dir, after, limit), nil
	}, nil)
}

func page(t *tree, r iterator.Range, dir iterator.Direction, after types.Key, limit int) []iterator.Item {
	out := make([]iterator.Item, 0, limit)
	collect := func(it item) bool {
		if !r.Contains(it.key) {
			return false
		}
		out = append(out, iterator.Item{Key: it.key, Value: it.value})
		return len(out) < limit
	}

	if dir == iterator.Forward {
		from := r.Start
		if after != nil {
			// the immediate successor of after
			from = append(append([]byte(nil), after...), 0)
		}
		if from == nil {
			t.Ascend(collect)
		} else {
			t.AscendGreaterOrEqual(item{key: from}, collect)
		}
		return out
	}

	upper := r.End
	if after != nil {
		upper = after
	}
	if upper == nil {
		t.Descend(collect)
		return out
	}
	t.DescendLessOrEqual(item{key: upper}, func(it item) bool {
		if bytes.Equal(it.key, upper) {
			return true
		}
		return collect(it)
	})
	return out
}
