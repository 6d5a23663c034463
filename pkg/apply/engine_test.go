package apply

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedb/pkg/dberrors"
	"votedb/pkg/entry"
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
	"votedb/pkg/kv/bolt"
	"votedb/pkg/kv/inmem"
	"votedb/pkg/merge"
	"votedb/pkg/schema"
	"votedb/pkg/writerlog"
)

// writer appends records with a local Lamport clock, the way a node does.
type writer struct {
	t     *testing.T
	log   *writerlog.MemoryLog
	clock uint64
}

func newWriter(t *testing.T, id string) *writer {
	return &writer{t: t, log: writerlog.NewMemory(id)}
}

func (w *writer) append(e entry.Entry, deps map[string]uint64) {
	w.t.Helper()
	w.clock++
	rec, err := entry.NewRecord(e, w.clock, deps)
	require.NoError(w.t, err)
	_, err = w.log.Append(rec)
	require.NoError(w.t, err)
}

// raw appends a record whose payload is an arbitrary CBOR value.
func (w *writer) raw(payload any) {
	w.t.Helper()
	b, err := cbor.Marshal(payload)
	require.NoError(w.t, err)
	w.clock++
	rec, err := entry.EncodeRecord(entry.Record{Clock: w.clock, Payload: b})
	require.NoError(w.t, err)
	_, err = w.log.Append(rec)
	require.NoError(w.t, err)
}

func (w *writer) post(data string) string {
	w.append(entry.Post{Data: []byte(data)}, nil)
	return entry.ContentHash([]byte(data))
}

func (w *writer) vote(hash string, dir entry.Direction) {
	w.append(entry.Vote{PostHash: hash, Direction: dir}, nil)
}

type node struct {
	store  kv.Store
	merger *merge.Merger
	engine *Engine
}

func newNode(t *testing.T, store kv.Store, opts ...Option) *node {
	t.Helper()
	m := merge.New(merge.WithPageSize(3))
	return &node{store: store, merger: m, engine: New(store, m, opts...)}
}

func (n *node) sync(t *testing.T) int {
	t.Helper()
	c, err := n.engine.Sync(context.Background())
	require.NoError(t, err)
	return c
}

func allPosts(t *testing.T, r kv.Reader) []schema.Post {
	t.Helper()
	items, err := iterator.Collect(r.Scan(schema.PostRange(), iterator.Forward))
	require.NoError(t, err)
	var out []schema.Post
	for _, it := range items {
		p, err := schema.DecodePost(it.Value)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

type ranked struct {
	Votes int64
	Hash  string
}

func rankIndex(t *testing.T, r kv.Reader) []ranked {
	t.Helper()
	items, err := iterator.Collect(r.Scan(schema.RankRange(), iterator.Reverse))
	require.NoError(t, err)
	var out []ranked
	for _, it := range items {
		votes, hash, err := schema.DecodeRankKey(it.Key)
		require.NoError(t, err)
		require.Equal(t, hash, string(it.Value))
		out = append(out, ranked{Votes: votes, Hash: hash})
	}
	return out
}

func pendingVotes(t *testing.T, r kv.Reader) int {
	t.Helper()
	items, err := iterator.Collect(r.Scan(schema.AllPendingVotes(), iterator.Forward))
	require.NoError(t, err)
	return len(items)
}

func TestSinglePost(t *testing.T) {
	w := newWriter(t, "w1")
	hash := w.post("hello")

	n := newNode(t, inmem.New())
	n.merger.AddWriter(w.log)
	assert.Equal(t, 1, n.sync(t))

	assert.Equal(t, []schema.Post{{Hash: hash, Data: []byte("hello"), Votes: 0}}, allPosts(t, n.store))
	assert.Equal(t, []ranked{{0, hash}}, rankIndex(t, n.store))
}

func TestUpVoteRanksFirst(t *testing.T) {
	w := newWriter(t, "w1")
	other := w.post("other")
	hash := w.post("hello")
	w.vote(hash, entry.Up)

	n := newNode(t, inmem.New())
	n.merger.AddWriter(w.log)
	n.sync(t)

	assert.Equal(t, []ranked{{1, hash}, {0, other}}, rankIndex(t, n.store))
}

func TestLeaderboard(t *testing.T) {
	w := newWriter(t, "w1")
	a := w.post("A")
	b := w.post("B")
	w.vote(a, entry.Up)
	w.vote(a, entry.Up)
	w.vote(b, entry.Up)

	n := newNode(t, inmem.New())
	n.merger.AddWriter(w.log)
	n.sync(t)

	assert.Equal(t, []ranked{{2, a}, {1, b}}, rankIndex(t, n.store))
}

func TestVoteBeforePostIsBuffered(t *testing.T) {
	voter, author := newWriter(t, "a-voter"), newWriter(t, "b-author")
	hash := entry.ContentHash([]byte("late"))
	voter.vote(hash, entry.Up)
	voter.vote(hash, entry.Up)
	voter.vote(hash, entry.Down)

	n := newNode(t, inmem.New())
	n.merger.AddWriter(voter.log)
	n.sync(t)

	assert.Empty(t, allPosts(t, n.store))
	assert.Empty(t, rankIndex(t, n.store))
	assert.Equal(t, 3, pendingVotes(t, n.store))

	author.clock = 10
	author.post("late")
	n.merger.AddWriter(author.log)
	n.sync(t)

	assert.Equal(t, []schema.Post{{Hash: hash, Data: []byte("late"), Votes: 1}}, allPosts(t, n.store))
	assert.Equal(t, []ranked{{1, hash}}, rankIndex(t, n.store))
	assert.Zero(t, pendingVotes(t, n.store))
}

func TestVoteUpThenDownLeavesOneRankEntry(t *testing.T) {
	w := newWriter(t, "w1")
	a := w.post("A")
	w.vote(a, entry.Up)
	w.vote(a, entry.Down)

	n := newNode(t, inmem.New(), WithBatchSize(1))
	n.merger.AddWriter(w.log)
	n.sync(t)

	assert.Equal(t, []schema.Post{{Hash: a, Data: []byte("A"), Votes: 0}}, allPosts(t, n.store))
	assert.Equal(t, []ranked{{0, a}}, rankIndex(t, n.store))
}

func TestDuplicatePostIsNoop(t *testing.T) {
	w1, w2 := newWriter(t, "w1"), newWriter(t, "w2")
	a := w1.post("A")
	w1.vote(a, entry.Up)
	w2.clock = 5
	w2.post("A")

	n := newNode(t, inmem.New())
	n.merger.AddWriter(w1.log)
	n.merger.AddWriter(w2.log)
	assert.Equal(t, 3, n.sync(t))

	assert.Equal(t, []schema.Post{{Hash: a, Data: []byte("A"), Votes: 1}}, allPosts(t, n.store))
	assert.Equal(t, []ranked{{1, a}}, rankIndex(t, n.store))
}

func TestSkippedEntriesAdvanceCheckpoint(t *testing.T) {
	w := newWriter(t, "w1")
	_, err := w.log.Append([]byte("garbage"))
	require.NoError(t, err)
	w.append(entry.Vote{PostHash: "not-a-hash", Direction: entry.Up}, nil)
	hash := w.post("after")

	n := newNode(t, inmem.New())
	n.merger.AddWriter(w.log)
	assert.Equal(t, 3, n.sync(t))

	assert.Equal(t, []ranked{{0, hash}}, rankIndex(t, n.store))
	assert.Equal(t, map[string]uint64{"w1": 3}, n.merger.Frontier().Applied)

	v, err := n.store.Get(schema.CheckpointKey("w1"))
	require.NoError(t, err)
	seq, err := schema.DecodeUint(v)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestRestoreDoesNotReapply(t *testing.T) {
	w := newWriter(t, "w1")
	a := w.post("A")
	w.vote(a, entry.Up)

	store := inmem.New()
	first := newNode(t, store)
	first.merger.AddWriter(w.log)
	first.sync(t)

	second := newNode(t, store)
	require.NoError(t, second.engine.Restore(context.Background()))
	second.merger.AddWriter(w.log)
	assert.Zero(t, second.sync(t))
	assert.Equal(t, first.merger.Frontier(), second.merger.Frontier())

	w.vote(a, entry.Up)
	assert.Equal(t, 1, second.sync(t))
	assert.Equal(t, []ranked{{2, a}}, rankIndex(t, store))
}

func TestRebuild(t *testing.T) {
	w1, w2 := newWriter(t, "w1"), newWriter(t, "w2")
	a := w1.post("A")
	w2.vote(a, entry.Up)
	w2.vote(entry.ContentHash([]byte("never")), entry.Down)
	w1.post("B")

	n := newNode(t, inmem.New())
	n.merger.AddWriter(w1.log)
	n.merger.AddWriter(w2.log)
	n.sync(t)
	before, err := kv.Dump(n.store)
	require.NoError(t, err)

	require.NoError(t, n.engine.Rebuild(context.Background()))
	empty, err := kv.Dump(n.store)
	require.NoError(t, err)
	assert.Empty(t, empty)

	n.sync(t)
	after, err := kv.Dump(n.store)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(before, after))
}

// scenario builds three writers whose entries interleave causally: votes
// reference posts of other writers and some arrive before their post.
func scenario(t *testing.T) []*writer {
	a, b, c := newWriter(t, "a"), newWriter(t, "b"), newWriter(t, "c")

	x := a.post("x")
	y := b.post("y")
	z := entry.ContentHash([]byte("z"))
	c.vote(z, entry.Up)
	c.vote(x, entry.Up)
	b.vote(x, entry.Down)
	a.vote(y, entry.Up)
	a.vote(y, entry.Up)
	b.append(entry.Vote{PostHash: x, Direction: entry.Up}, map[string]uint64{"a": 1})
	c.post("z")
	a.vote(z, entry.Down)
	c.raw(map[int]any{1: "poll", 2: []byte("which?")})
	a.post("y")
	return []*writer{a, b, c}
}

func TestConvergence(t *testing.T) {
	dump := func(store kv.Store) []iterator.Item {
		items, err := kv.Dump(store)
		require.NoError(t, err)
		return items
	}

	// all writers at once
	ref := newNode(t, inmem.New())
	for _, w := range scenario(t) {
		ref.merger.AddWriter(w.log)
	}
	ref.sync(t)
	want := dump(ref.store)
	require.NotEmpty(t, want)

	// writers discovered one by one, in reverse, tiny batches
	ws := scenario(t)
	late := newNode(t, inmem.New(), WithBatchSize(1))
	for i := len(ws) - 1; i >= 0; i-- {
		late.merger.AddWriter(ws[i].log)
		late.sync(t)
	}
	assert.Empty(t, cmp.Diff(want, dump(late.store)))

	// durable backend, one writer removed and added back midway
	store, err := bolt.Open(filepath.Join(t.TempDir(), "view.db"))
	require.NoError(t, err)
	defer store.Close()
	ws = scenario(t)
	durable := newNode(t, store, WithBatchSize(2))
	durable.merger.AddWriter(ws[1].log)
	durable.merger.AddWriter(ws[2].log)
	durable.sync(t)
	durable.merger.RemoveWriter(ws[2].log.ID())
	durable.merger.AddWriter(ws[0].log)
	durable.sync(t)
	durable.merger.AddWriter(ws[2].log)
	durable.sync(t)
	assert.Empty(t, cmp.Diff(want, dump(durable.store)))
}

// flakyStore fails the first n calls to Update.
type flakyStore struct {
	kv.Store
	failures atomic.Int64
}

var errFlaky = errors.New("disk hiccup")

func (s *flakyStore) Update(fn func(kv.Tx) error) error {
	if s.failures.Add(-1) >= 0 {
		// run fn so a half-applied transaction would show up if it leaked
		_ = s.Store.Update(func(tx kv.Tx) error {
			_ = fn(tx)
			return errFlaky
		})
		return errFlaky
	}
	return s.Store.Update(fn)
}

func TestStepRetriesCommit(t *testing.T) {
	w := newWriter(t, "w1")
	hash := w.post("A")

	store := &flakyStore{Store: inmem.New()}
	store.failures.Store(2)
	n := newNode(t, store, WithRetry(3, time.Millisecond))
	n.merger.AddWriter(w.log)

	assert.Equal(t, 1, n.sync(t))
	assert.Equal(t, []ranked{{0, hash}}, rankIndex(t, store))
}

func TestStepFailureLeavesNothingVisible(t *testing.T) {
	w := newWriter(t, "w1")
	w.post("A")

	store := &flakyStore{Store: inmem.New()}
	store.failures.Store(100)
	n := newNode(t, store, WithRetry(2, time.Millisecond))
	n.merger.AddWriter(w.log)

	_, err := n.engine.Sync(context.Background())
	require.ErrorIs(t, err, dberrors.ErrApplyFailed)
	require.ErrorIs(t, err, errFlaky)

	items, err := kv.Dump(store)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, n.merger.Frontier().Applied)
	assert.Len(t, n.merger.Next(10), 1)

	store.failures.Store(0)
	assert.Equal(t, 1, n.sync(t))
}

func TestRunFailsOnExhaustedRetries(t *testing.T) {
	w := newWriter(t, "w1")
	w.post("A")

	store := &flakyStore{Store: inmem.New()}
	store.failures.Store(100)
	n := newNode(t, store, WithRetry(1, time.Millisecond))
	n.merger.AddWriter(w.log)

	err := n.engine.Run(context.Background())
	assert.ErrorIs(t, err, dberrors.ErrApplyFailed)
}

func TestRunAppliesNotifiedRecords(t *testing.T) {
	w := newWriter(t, "w1")
	n := newNode(t, inmem.New(), WithPollInterval(time.Hour))
	n.merger.AddWriter(w.log)
	w.log.OnAppend(func(uint64) { n.engine.Notify() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.engine.Run(ctx) }()

	hash := w.post("hello")
	require.Eventually(t, func() bool {
		ok, err := kv.Has(n.store, schema.PostKey(hash))
		return err == nil && ok
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
