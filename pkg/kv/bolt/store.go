// Package bolt is a durable kv.Store backed by a single boltdb bucket.
package bolt

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"votedb/pkg/batch"
	"votedb/pkg/dberrors"
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
	"votedb/pkg/types"
)

var bucketName = []byte("votedb")

var _ kv.Store = (*Store)(nil)

// Store is a kv.Store backed by boltdb.
type Store struct {
	path     string
	db       *bolt.DB
	logger   *slog.Logger
	pageSize int
	mmapSize int
}

// DefaultInitialMmapSize keeps open snapshots from blocking commits until
// the file outgrows it.
const DefaultInitialMmapSize = 16 << 20

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

func WithInitialMmapSize(n int) Option {
	return func(s *Store) {
		s.mmapSize = n
	}
}

func WithPageSize(n int) Option {
	return func(s *Store) {
		s.pageSize = n
	}
}

// Open creates the boltdb file if it doesn't exist and opens it otherwise.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   slog.Default(),
		pageSize: iterator.DefaultPageSize,
		mmapSize: DefaultInitialMmapSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("unable to create directory %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:         time.Second,
		InitialMmapSize: s.mmapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open boltdb file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	s.db = db
	s.logger.Info("store opened", "path", path)
	return s, nil
}

func (s *Store) Get(key types.Key) (types.Value, error) {
	var out types.Value
	err := s.view(func(tx *bolt.Tx) error {
		v, err := (&reader{tx: tx}).Get(key)
		out = v
		return err
	})
	return out, err
}

// Scan opens a read transaction that lives until the iterator is closed.
func (s *Store) Scan(r iterator.Range, dir iterator.Direction) iterator.Iterator {
	snap, err := s.Snapshot()
	if err != nil {
		return iterator.Empty(err)
	}
	sn := snap.(*snapshot)
	return iterator.NewPaged(r, dir, s.pageSize, sn.page, sn.Close)
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
	if s.db == nil {
		return dberrors.ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&reader{tx: tx, pageSize: s.pageSize})
	})
}

func (s *Store) Snapshot() (kv.Snapshot, error) {
	if s.db == nil {
		return nil, dberrors.ErrClosed
	}
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	return &snapshot{reader: reader{tx: tx, pageSize: s.pageSize}}, nil
}

// Close the connection to the bolt database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	if s.db == nil {
		return dberrors.ErrClosed
	}
	return s.db.View(fn)
}

// reader wraps a bolt transaction; it is writable when the transaction is.
type reader struct {
	tx       *bolt.Tx
	pageSize int
}

func (r *reader) bucket() *bolt.Bucket {
	return r.tx.Bucket(bucketName)
}

func (r *reader) Get(key types.Key) (types.Value, error) {
	v := r.bucket().Get(key)
	if v == nil {
		return nil, kv.ErrKeyNotFound
	}
	// bolt values are only valid for the life of the transaction
	return append([]byte(nil), v...), nil
}

func (r *reader) Put(key types.Key, value types.Value) error {
	err := r.bucket().Put(key, value)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

func (r *reader) Delete(key types.Key) error {
	err := r.bucket().Delete(key)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

func (r *reader) Scan(rng iterator.Range, dir iterator.Direction) iterator.Iterator {
	return iterator.NewPaged(rng, dir, r.pageSize, r.page, nil)
}

func (r *reader) page(rng iterator.Range, dir iterator.Direction, after types.Key, limit int) ([]iterator.Item, error) {
	c := r.bucket().Cursor()
	out := make([]iterator.Item, 0, limit)

	var k, v []byte
	if dir == iterator.Forward {
		switch {
		case after != nil:
			k, v = c.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = c.Next()
			}
		case rng.Start != nil:
			k, v = c.Seek(rng.Start)
		default:
			k, v = c.First()
		}
		for ; k != nil && len(out) < limit; k, v = c.Next() {
			if !rng.Contains(k) {
				break
			}
			out = append(out, copyItem(k, v))
		}
		return out, nil
	}

	upper := rng.End
	if after != nil {
		upper = after
	}
	if upper == nil {
		k, v = c.Last()
	} else {
		// Seek lands on the first key >= upper; step back to stay exclusive.
		if k, _ = c.Seek(upper); k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	for ; k != nil && len(out) < limit; k, v = c.Prev() {
		if !rng.Contains(k) {
			break
		}
		out = append(out, copyItem(k, v))
	}
	return out, nil
}

type snapshot struct {
	reader
}

func (s *snapshot) Close() error {
	return s.tx.Rollback()
}

func copyItem(k, v []byte) iterator.Item {
	return iterator.Item{
		Key:   append([]byte(nil), k...),
		Value: append([]byte(nil), v...),
	}
}
