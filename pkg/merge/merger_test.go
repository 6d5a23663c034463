package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedb/pkg/entry"
	"votedb/pkg/metrics"
	"votedb/pkg/writerlog"
)

func post(t *testing.T, log writerlog.Log, data string, clock uint64, deps map[string]uint64) {
	t.Helper()
	rec, err := entry.NewRecord(entry.Post{Data: []byte(data)}, clock, deps)
	require.NoError(t, err)
	_, err = log.Append(rec)
	require.NoError(t, err)
}

// order renders a batch as writer/seq pairs.
func order(batch []*Pending) []string {
	out := make([]string, 0, len(batch))
	for _, p := range batch {
		out = append(out, fmt.Sprintf("%s/%d", p.Writer, p.Seq))
	}
	return out
}

func drain(t *testing.T, m *Merger, batchSize int) []string {
	t.Helper()
	var out []string
	for {
		batch := m.Next(batchSize)
		if len(batch) == 0 {
			return out
		}
		out = append(out, order(batch)...)
		m.Commit(batch)
	}
}

func ingest(t *testing.T, m *Merger) int {
	t.Helper()
	n, err := m.Ingest(context.Background())
	require.NoError(t, err)
	return n
}

func TestMergerPerWriterOrder(t *testing.T) {
	a := writerlog.NewMemory("a")
	post(t, a, "first", 5, nil)
	post(t, a, "second", 1, nil)
	post(t, a, "third", 2, nil)

	m := New(WithPageSize(2))
	m.AddWriter(a)
	assert.Equal(t, 3, ingest(t, m))

	assert.Equal(t, []string{"a/1", "a/2", "a/3"}, drain(t, m, 10))
}

func TestMergerClockThenWriterOrder(t *testing.T) {
	a, b := writerlog.NewMemory("a"), writerlog.NewMemory("b")
	post(t, b, "b1", 1, nil)
	post(t, a, "a1", 1, nil)
	post(t, a, "a2", 3, nil)
	post(t, b, "b2", 2, nil)

	m := New()
	m.AddWriter(b)
	m.AddWriter(a)
	ingest(t, m)

	assert.Equal(t, []string{"a/1", "b/1", "b/2", "a/2"}, drain(t, m, 10))
}

func TestMergerCausalOrder(t *testing.T) {
	a, b := writerlog.NewMemory("a"), writerlog.NewMemory("b")
	// b's record has the smaller clock but was written after seeing a/1
	post(t, a, "a1", 7, nil)
	post(t, b, "b1", 1, map[string]uint64{"a": 1})

	m := New()
	m.AddWriter(a)
	m.AddWriter(b)
	ingest(t, m)

	assert.Equal(t, []string{"a/1", "b/1"}, drain(t, m, 10))
}

func TestMergerWaitsForDependency(t *testing.T) {
	a, b := writerlog.NewMemory("a"), writerlog.NewMemory("b")
	post(t, b, "b1", 1, map[string]uint64{"a": 1})

	m := New()
	m.AddWriter(b)
	ingest(t, m)
	assert.Empty(t, m.Next(10))
	assert.Equal(t, 1, m.PendingLen())

	post(t, a, "a1", 1, nil)
	m.AddWriter(a)
	ingest(t, m)
	assert.Equal(t, []string{"a/1", "b/1"}, drain(t, m, 10))
	assert.Equal(t, 0, m.PendingLen())
}

func TestMergerNextWithoutCommit(t *testing.T) {
	a := writerlog.NewMemory("a")
	for i := 0; i < 5; i++ {
		post(t, a, fmt.Sprint(i), uint64(i+1), nil)
	}

	m := New()
	m.AddWriter(a)
	ingest(t, m)

	first := m.Next(2)
	assert.Equal(t, []string{"a/1", "a/2"}, order(first))
	assert.Equal(t, order(first), order(m.Next(2)))

	m.Commit(first)
	assert.Equal(t, []string{"a/3", "a/4", "a/5"}, order(m.Next(10)))
}

func TestMergerIngestIsIdempotent(t *testing.T) {
	a := writerlog.NewMemory("a")
	post(t, a, "x", 1, nil)
	post(t, a, "y", 2, nil)

	m := New(WithPageSize(1))
	m.AddWriter(a)
	assert.Equal(t, 2, ingest(t, m))
	assert.Equal(t, 0, ingest(t, m))
	assert.Equal(t, 2, m.PendingLen())

	m.Commit(m.Next(1))
	assert.Equal(t, 0, ingest(t, m))
	assert.Equal(t, []string{"a/2"}, drain(t, m, 10))

	post(t, a, "z", 3, nil)
	assert.Equal(t, 1, ingest(t, m))
	assert.Equal(t, []string{"a/3"}, drain(t, m, 10))
}

func TestMergerLateWriter(t *testing.T) {
	a, b := writerlog.NewMemory("a"), writerlog.NewMemory("b")
	post(t, a, "a1", 1, nil)
	post(t, b, "b1", 2, nil)
	post(t, b, "b2", 3, nil)

	m := New()
	m.AddWriter(a)
	ingest(t, m)
	assert.Equal(t, []string{"a/1"}, drain(t, m, 10))

	m.AddWriter(b)
	ingest(t, m)
	assert.Equal(t, []string{"b/1", "b/2"}, drain(t, m, 10))

	f := m.Frontier()
	assert.Equal(t, map[string]uint64{"a": 1, "b": 2}, f.Applied)
	assert.Equal(t, uint64(3), f.Clock)
}

func TestMergerUndecodableRecord(t *testing.T) {
	a := writerlog.NewMemory("a")
	_, err := a.Append([]byte{0xff, 0x00})
	require.NoError(t, err)
	rec, err := entry.EncodeRecord(entry.Record{Clock: 2, Payload: []byte{0x01}})
	require.NoError(t, err)
	_, err = a.Append(rec)
	require.NoError(t, err)
	post(t, a, "ok", 3, nil)

	m := New()
	m.AddWriter(a)
	ingest(t, m)

	batch := m.Next(10)
	require.Len(t, batch, 3)
	var de *entry.DecodeError
	assert.ErrorAs(t, batch[0].Err, &de)
	assert.Nil(t, batch[0].Entry)
	assert.ErrorAs(t, batch[1].Err, &de)
	require.NoError(t, batch[2].Err)
	assert.Equal(t, entry.Post{Data: []byte("ok")}, batch[2].Entry)
}

func TestMergerRestoreAndReset(t *testing.T) {
	a := writerlog.NewMemory("a")
	for i := 0; i < 4; i++ {
		post(t, a, fmt.Sprint(i), uint64(i+1), nil)
	}

	m := New()
	m.AddWriter(a)
	m.Restore(Frontier{Applied: map[string]uint64{"a": 2}, Clock: 2})
	ingest(t, m)
	assert.Equal(t, []string{"a/3", "a/4"}, drain(t, m, 10))

	m.Reset()
	assert.Empty(t, m.Frontier().Applied)
	ingest(t, m)
	assert.Equal(t, []string{"a/1", "a/2", "a/3", "a/4"}, drain(t, m, 10))
}

func TestMergerReadAheadBound(t *testing.T) {
	const records = 1000
	a, b := writerlog.NewMemory("a"), writerlog.NewMemory("b")
	for i := 0; i < records; i++ {
		post(t, a, fmt.Sprint("a", i), uint64(i+1), nil)
		post(t, b, fmt.Sprint("b", i), uint64(i+1), nil)
	}

	m := New(WithPageSize(10), WithReadAhead(25))
	m.AddWriter(a)
	m.AddWriter(b)

	assert.Equal(t, 50, ingest(t, m))
	assert.Equal(t, 50, m.PendingLen())
	assert.Equal(t, 0, ingest(t, m), "full read-ahead must not read more")

	var applied int
	for {
		n := ingest(t, m)
		assert.LessOrEqual(t, m.PendingLen(), 50)
		batch := m.Next(7)
		if n == 0 && len(batch) == 0 {
			break
		}
		m.Commit(batch)
		applied += len(batch)
	}
	assert.Equal(t, 2*records, applied)
	assert.Equal(t, map[string]uint64{"a": records, "b": records}, m.Frontier().Applied)
}

func TestMergerBlockedOnMissingWriter(t *testing.T) {
	a, b := writerlog.NewMemory("a"), writerlog.NewMemory("b")
	post(t, b, "b1", 1, nil)
	post(t, a, "a1", 2, map[string]uint64{"b": 1})
	post(t, a, "a2", 3, map[string]uint64{"b": 1})

	mm := metrics.NewMergeMetrics()
	m := New(WithMetrics(mm))
	m.AddWriter(a)
	ingest(t, m)
	assert.Empty(t, m.Next(10))
	assert.Equal(t, map[string]int{"b": 2}, m.Blocked())
	assert.Equal(t, 2.0, testutil.ToFloat64(mm.Blocked))

	m.AddWriter(b)
	assert.Empty(t, m.Blocked())
	ingest(t, m)
	assert.Equal(t, 0.0, testutil.ToFloat64(mm.Blocked))
	assert.Equal(t, []string{"b/1", "a/1", "a/2"}, drain(t, m, 10))

	m.RemoveWriter("b")
	assert.Empty(t, m.Blocked(), "applied dependencies do not block")
}

func TestMergerWriters(t *testing.T) {
	m := New()
	m.AddWriter(writerlog.NewMemory("b"))
	m.AddWriter(writerlog.NewMemory("a"))
	m.AddWriter(writerlog.NewMemory("a"))
	assert.Equal(t, []string{"a", "b"}, m.Writers())

	m.RemoveWriter("b")
	m.RemoveWriter("missing")
	assert.Equal(t, []string{"a"}, m.Writers())
}

type failingReader struct {
	id  string
	err error
}

func (r failingReader) ID() string { return r.id }

func (r failingReader) Read(context.Context, uint64, int) ([][]byte, error) {
	return nil, r.err
}

func TestMergerIngestError(t *testing.T) {
	a := writerlog.NewMemory("a")
	post(t, a, "a1", 1, nil)
	down := errors.New("connection refused")

	m := New()
	m.AddWriter(a)
	m.AddWriter(failingReader{id: "b", err: down})

	n, err := m.Ingest(context.Background())
	require.ErrorIs(t, err, down)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a/1"}, drain(t, m, 10))
}

func TestMergerOrderIndependentOfArrival(t *testing.T) {
	build := func() []writerlog.Log {
		a, b, c := writerlog.NewMemory("a"), writerlog.NewMemory("b"), writerlog.NewMemory("c")
		post(t, a, "a1", 1, nil)
		post(t, b, "b1", 1, nil)
		post(t, c, "c1", 2, map[string]uint64{"a": 1})
		post(t, a, "a2", 2, nil)
		post(t, b, "b2", 3, map[string]uint64{"c": 1})
		post(t, c, "c2", 3, nil)
		return []writerlog.Log{a, b, c}
	}

	logs := build()
	one := New()
	for _, l := range logs {
		one.AddWriter(l)
	}
	ingest(t, one)
	want := drain(t, one, 2)

	logs = build()
	two := New()
	for i := len(logs) - 1; i >= 0; i-- {
		two.AddWriter(logs[i])
	}
	ingest(t, two)
	assert.Equal(t, want, drain(t, two, 100))
	assert.Equal(t, []string{"a/1", "b/1", "a/2", "c/1", "b/2", "c/2"}, want)
}
