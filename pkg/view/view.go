// Package view is the application surface of votedb: it turns user actions
// into log records and answers queries from the applied view.
//
// Writes are fire-and-forget. AddPost, UpVote and DownVote return once the
// record is queued on the local writer log; the post or vote becomes
// visible after the apply engine has merged it.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"votedb/pkg/clock"
	"votedb/pkg/dberrors"
	"votedb/pkg/entry"
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
	"votedb/pkg/merge"
	"votedb/pkg/schema"
	"votedb/pkg/writerlog"
)

// Post is a post as seen by readers.
type Post struct {
	Hash  string `json:"hash"`
	Data  []byte `json:"data"`
	Votes int64  `json:"votes"`
}

// Notifier is told that the local log grew.
type Notifier interface {
	Notify()
}

type View struct {
	store    kv.Store
	log      writerlog.Log
	merger   *merge.Merger
	notifier Notifier
	clock    *clock.Lamport
	logger   *slog.Logger
}

type Option func(*View)

func WithLogger(l *slog.Logger) Option {
	return func(v *View) {
		v.logger = l
	}
}

// WithNotifier wakes n after every local append.
func WithNotifier(n Notifier) Option {
	return func(v *View) {
		v.notifier = n
	}
}

// New builds a view writing to log and reading store. The record clock
// starts past every clock already in log and every applied clock.
func New(ctx context.Context, store kv.Store, log writerlog.Log, merger *merge.Merger, opts ...Option) (*View, error) {
	v := &View{
		store:  store,
		log:    log,
		merger: merger,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	start := merger.Frontier().Clock
	if n := log.Len(); n > 0 {
		recs, err := log.Read(ctx, n, 1)
		if err != nil {
			return nil, fmt.Errorf("read last local record: %w", err)
		}
		if len(recs) == 1 {
			if rec, err := entry.DecodeRecord(recs[0]); err == nil {
				start = max(start, rec.Clock)
			}
		}
	}
	v.clock = clock.NewLamport(start)
	return v, nil
}

// AddPost appends a post and returns its content hash.
func (v *View) AddPost(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty post", dberrors.ErrInvalidArgument)
	}
	if err := v.append(ctx, entry.Post{Data: data}); err != nil {
		return "", err
	}
	return entry.ContentHash(data), nil
}

func (v *View) UpVote(ctx context.Context, hash string) error {
	return v.vote(ctx, hash, entry.Up)
}

func (v *View) DownVote(ctx context.Context, hash string) error {
	return v.vote(ctx, hash, entry.Down)
}

func (v *View) vote(ctx context.Context, hash string, dir entry.Direction) error {
	if !entry.ValidHash(hash) {
		return fmt.Errorf("%w: malformed post hash %q", dberrors.ErrInvalidArgument, hash)
	}
	return v.append(ctx, entry.Vote{PostHash: hash, Direction: dir})
}

// append stamps e with the next clock and the applied frontier as its
// causal dependencies.
func (v *View) append(ctx context.Context, e entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f := v.merger.Frontier()
	v.clock.Observe(f.Clock)
	deps := f.Applied
	delete(deps, v.log.ID())

	rec, err := entry.NewRecord(e, v.clock.Next(), deps)
	if err != nil {
		return err
	}
	seq, err := v.log.Append(rec)
	if err != nil {
		return fmt.Errorf("append %s: %w", e.Kind(), err)
	}
	v.logger.Debug("entry appended", "writer", v.log.ID(), "seq", seq, "type", e.Kind())

	if v.notifier != nil {
		v.notifier.Notify()
	}
	return nil
}

// Get returns the post with the given hash.
func (v *View) Get(hash string) (Post, error) {
	return getPost(v.store, hash)
}

func getPost(r kv.Reader, hash string) (Post, error) {
	b, err := r.Get(schema.PostKey(hash))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return Post{}, fmt.Errorf("post %s: %w", hash, dberrors.ErrNotFound)
	}
	if err != nil {
		return Post{}, err
	}
	p, err := schema.DecodePost(b)
	if err != nil {
		return Post{}, err
	}
	return Post(p), nil
}

// IterateAll returns every post in hash order.
func (v *View) IterateAll() *Iterator {
	return v.iterate(schema.PostRange(), iterator.Forward, func(_ kv.Reader, it iterator.Iterator) (Post, error) {
		p, err := schema.DecodePost(it.Value())
		return Post(p), err
	})
}

// IterateTop returns posts by descending votes; ties in descending hash
// order.
func (v *View) IterateTop() *Iterator {
	return v.iterate(schema.RankRange(), iterator.Reverse, func(snap kv.Reader, it iterator.Iterator) (Post, error) {
		return getPost(snap, string(it.Value()))
	})
}

func (v *View) iterate(rng iterator.Range, dir iterator.Direction, resolve resolveFunc) *Iterator {
	snap, err := v.store.Snapshot()
	if err != nil {
		return &Iterator{err: err}
	}
	return &Iterator{snap: snap, it: snap.Scan(rng, dir), resolve: resolve}
}
