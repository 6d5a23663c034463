// Package merge turns several writer logs into one deterministic sequence
// of entries.
//
// Records are pulled from every writer concurrently and parked in a sorted
// pending set keyed by (clock, writer, seq). Next hands out entries in that
// order, but only once they are ready: the writer's previous record has been
// applied and every causal dependency recorded at append time is satisfied.
// Arrival order never influences the result.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"votedb/pkg/entry"
	"votedb/pkg/iterator"
	"votedb/pkg/metrics"
	"votedb/pkg/types"
	"votedb/pkg/writerlog"
)

// Pending is an ingested record waiting to be applied.
type Pending struct {
	Writer types.WriterID
	Seq    types.SeqN
	Clock  types.Clock
	Deps   map[types.WriterID]types.SeqN
	// Entry is nil when Err is set.
	Entry entry.Entry
	// Err is the reason the record could not be decoded. The slot is still
	// consumed so the writer can advance past it.
	Err error
}

type orderKey struct {
	clock  types.Clock
	writer types.WriterID
	seq    types.SeqN
}

func less(a, b orderKey) bool {
	if a.clock != b.clock {
		return a.clock < b.clock
	}
	if a.writer != b.writer {
		return a.writer < b.writer
	}
	return a.seq < b.seq
}

type pendingSet = skipmap.FuncMap[orderKey, *Pending]

// Frontier is the applied position of every writer and the highest applied
// clock.
type Frontier struct {
	Applied map[types.WriterID]types.SeqN
	Clock   types.Clock
}

// DefaultReadAheadPages is the read-ahead of a writer in pages when
// WithReadAhead is not given.
const DefaultReadAheadPages = 8

type Merger struct {
	logger    *slog.Logger
	pageSize  int
	readAhead int
	metrics   *metrics.MergeMetrics

	// ingestMu serializes ingestion with Reset and Restore.
	ingestMu sync.Mutex

	mu      sync.Mutex
	writers map[types.WriterID]writerlog.Reader
	applied map[types.WriterID]types.SeqN
	// fetched is the highest sequence enqueued per writer, never below applied
	fetched map[types.WriterID]types.SeqN
	clock   types.Clock
	pending *pendingSet
	// warned holds missing writers already reported as blocking
	warned map[types.WriterID]struct{}
}

type Option func(*Merger)

func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) {
		m.logger = l
	}
}

// WithPageSize sets how many records are read from a writer per request.
func WithPageSize(n int) Option {
	return func(m *Merger) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithReadAhead caps how many records of one writer may be ingested but not
// yet applied.
func WithReadAhead(n int) Option {
	return func(m *Merger) {
		if n > 0 {
			m.readAhead = n
		}
	}
}

func WithMetrics(mm *metrics.MergeMetrics) Option {
	return func(m *Merger) {
		m.metrics = mm
	}
}

func New(opts ...Option) *Merger {
	m := &Merger{
		logger:   slog.Default(),
		pageSize: iterator.DefaultPageSize,
		metrics:  metrics.NewMergeMetrics(),
		writers:  make(map[types.WriterID]writerlog.Reader),
		applied:  make(map[types.WriterID]types.SeqN),
		fetched:  make(map[types.WriterID]types.SeqN),
		pending:  newPendingSet(),
		warned:   make(map[types.WriterID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.readAhead == 0 {
		m.readAhead = DefaultReadAheadPages * m.pageSize
	}
	return m
}

func newPendingSet() *pendingSet {
	return skipmap.NewFunc[orderKey, *Pending](less)
}

func (m *Merger) PrometheusCollectors() []prometheus.Collector {
	return m.metrics.PrometheusCollectors()
}

// AddWriter starts merging r. Reading starts after the writer's applied
// position, so a writer added late is merged from its first unapplied
// record. Adding a known writer replaces its reader.
func (m *Merger) AddWriter(r writerlog.Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := r.ID()
	if _, ok := m.writers[id]; !ok {
		m.logger.Info("writer added", "writer", id, "applied", m.applied[id])
	}
	m.writers[id] = r
	delete(m.warned, id)
	if m.fetched[id] < m.applied[id] {
		m.fetched[id] = m.applied[id]
	}
	m.metrics.Writers.Set(float64(len(m.writers)))
}

// RemoveWriter stops reading id. Its applied position and already ingested
// records are kept, so adding it back resumes where it stopped.
func (m *Merger) RemoveWriter(id types.WriterID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.writers[id]; !ok {
		return
	}
	delete(m.writers, id)
	m.logger.Info("writer removed", "writer", id)
	m.metrics.Writers.Set(float64(len(m.writers)))
}

// Writers returns the ids of the merged writers in ascending order.
func (m *Merger) Writers() []types.WriterID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.writers))
}

// Ingest reads every writer until it has no more records or its read-ahead
// is full, and enqueues what it read. It returns the number of records
// enqueued; zero means nothing more can be ingested before some entries are
// committed. Errors from individual writers are combined; the other writers
// are still read.
func (m *Merger) Ingest(ctx context.Context) (int, error) {
	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()

	m.mu.Lock()
	readers := make([]writerlog.Reader, 0, len(m.writers))
	for _, r := range m.writers {
		readers = append(readers, r)
	}
	m.mu.Unlock()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  error
		total = make([]int, len(readers))
	)
	for i, r := range readers {
		g.Go(func() error {
			n, err := m.ingestWriter(ctx, r)
			total[i] = n
			if err != nil {
				m.metrics.ReadErrors.WithLabelValues(r.ID()).Inc()
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("writer %s: %w", r.ID(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var n int
	for _, c := range total {
		n += c
	}
	m.metrics.Pending.Set(float64(m.PendingLen()))
	m.reportBlocked()
	return n, errs
}

func (m *Merger) ingestWriter(ctx context.Context, r writerlog.Reader) (int, error) {
	id := r.ID()
	var n int
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		m.mu.Lock()
		from := m.fetched[id] + 1
		limit := min(m.pageSize, m.readAhead-int(m.fetched[id]-m.applied[id]))
		m.mu.Unlock()
		if limit <= 0 {
			return n, nil
		}

		recs, err := r.Read(ctx, from, limit)
		if err != nil {
			return n, err
		}

		m.mu.Lock()
		for i, rec := range recs {
			seq := from + types.SeqN(i)
			if seq <= m.fetched[id] {
				continue
			}
			p := decode(id, seq, rec)
			if p.Err != nil {
				m.logger.Warn("undecodable record", "writer", id, "seq", seq, "error", p.Err)
			}
			m.pending.Store(orderKey{clock: p.Clock, writer: id, seq: seq}, p)
			m.fetched[id] = seq
			n++
		}
		m.mu.Unlock()

		m.metrics.Ingested.WithLabelValues(id).Add(float64(len(recs)))
		if len(recs) < limit {
			return n, nil
		}
	}
}

func decode(writer types.WriterID, seq types.SeqN, b []byte) *Pending {
	p := &Pending{Writer: writer, Seq: seq}

	rec, err := entry.DecodeRecord(b)
	if err != nil {
		p.Err = err
		return p
	}
	p.Clock = rec.Clock
	p.Deps = rec.Deps

	e, err := entry.Decode(rec.Payload)
	if err != nil {
		p.Err = err
		return p
	}
	p.Entry = e
	return p
}

// Next returns up to limit entries in merge order. The entries stay pending
// until Commit; calling Next again without Commit returns the same batch.
func (m *Merger) Next(limit int) []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := maps.Clone(m.applied)
	taken := make(map[orderKey]struct{})
	var batch []*Pending

	for len(batch) < limit {
		var (
			found *Pending
			key   orderKey
		)
		m.pending.Range(func(k orderKey, p *Pending) bool {
			if _, ok := taken[k]; ok {
				return true
			}
			if ready(p, view) {
				found, key = p, k
				return false
			}
			return true
		})
		if found == nil {
			break
		}
		taken[key] = struct{}{}
		view[found.Writer] = found.Seq
		batch = append(batch, found)
	}
	return batch
}

func ready(p *Pending, applied map[types.WriterID]types.SeqN) bool {
	if applied[p.Writer] != p.Seq-1 {
		return false
	}
	for w, n := range p.Deps {
		if w == p.Writer {
			continue
		}
		if applied[w] < n {
			return false
		}
	}
	return true
}

// Blocked counts, per writer that is not merged, the pending entries that
// depend on records of that writer not applied yet. Such entries wait until
// the writer is added again.
func (m *Merger) Blocked() map[types.WriterID]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked()
}

func (m *Merger) blocked() map[types.WriterID]int {
	out := make(map[types.WriterID]int)
	m.pending.Range(func(_ orderKey, p *Pending) bool {
		for w, n := range p.Deps {
			if w == p.Writer || m.applied[w] >= n {
				continue
			}
			if _, ok := m.writers[w]; !ok {
				out[w]++
			}
		}
		return true
	})
	return out
}

func (m *Merger) reportBlocked() {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocked := m.blocked()
	var total int
	for w, n := range blocked {
		total += n
		if _, ok := m.warned[w]; ok {
			continue
		}
		m.warned[w] = struct{}{}
		m.logger.Warn("entries wait on a writer that is not merged", "writer", w, "entries", n)
	}
	m.metrics.Blocked.Set(float64(total))
}

// Commit marks batch as applied. It must be called with a batch returned by
// Next once the effects of the batch are durable.
func (m *Merger) Commit(batch []*Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range batch {
		m.pending.Delete(orderKey{clock: p.Clock, writer: p.Writer, seq: p.Seq})
		if p.Seq > m.applied[p.Writer] {
			m.applied[p.Writer] = p.Seq
		}
		if p.Seq > m.fetched[p.Writer] {
			m.fetched[p.Writer] = p.Seq
		}
		if p.Clock > m.clock {
			m.clock = p.Clock
		}
	}
	m.metrics.Pending.Set(float64(m.pending.Len()))
}

// Restore replaces the applied positions, typically with checkpoints loaded
// from the store, and drops everything pending.
func (m *Merger) Restore(f Frontier) {
	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applied = maps.Clone(f.Applied)
	if m.applied == nil {
		m.applied = make(map[types.WriterID]types.SeqN)
	}
	m.fetched = maps.Clone(m.applied)
	m.clock = f.Clock
	m.pending = newPendingSet()
	m.warned = make(map[types.WriterID]struct{})
	m.metrics.Pending.Set(0)
	m.metrics.Blocked.Set(0)
}

// Reset forgets all progress. Writers stay registered and are read again
// from their first record.
func (m *Merger) Reset() {
	m.Restore(Frontier{})
}

// Frontier returns a copy of the applied positions.
func (m *Merger) Frontier() Frontier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Frontier{Applied: maps.Clone(m.applied), Clock: m.clock}
}

// PendingLen is the number of ingested entries not applied yet.
func (m *Merger) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}
