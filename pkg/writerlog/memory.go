package writerlog

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"votedb/pkg/dberrors"
)

var _ Log = (*MemoryLog)(nil)

// MemoryLog keeps records in a raft MemoryStorage. Record n is raft entry
// index n in term 1.
type MemoryLog struct {
	id string

	mu      sync.Mutex
	storage *raft.MemoryStorage
	notify  func(seq uint64)
	closed  bool
}

func NewMemory(id string) *MemoryLog {
	return &MemoryLog{
		id:      id,
		storage: raft.NewMemoryStorage(),
	}
}

func (l *MemoryLog) ID() string {
	return l.id
}

func (l *MemoryLog) Append(rec []byte) (uint64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, dberrors.ErrClosed
	}
	last, err := l.storage.LastIndex()
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	seq := last + 1
	err = l.storage.Append([]raftpb.Entry{{
		Term:  1,
		Index: seq,
		Type:  raftpb.EntryNormal,
		Data:  append([]byte(nil), rec...),
	}})
	notify := l.notify
	l.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}
	if notify != nil {
		notify(seq)
	}
	return seq, nil
}

func (l *MemoryLog) Read(ctx context.Context, from uint64, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.storage.LastIndex()
	if err != nil {
		return nil, err
	}
	lo, hi, err := window(from, limit, last)
	if err != nil {
		return nil, err
	}
	if lo == hi {
		return [][]byte{}, nil
	}

	ents, err := l.storage.Entries(lo+1, hi+1, math.MaxUint64)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	out := make([][]byte, len(ents))
	for i, e := range ents {
		out[i] = e.Data
	}
	return out, nil
}

func (l *MemoryLog) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, _ := l.storage.LastIndex()
	return last
}

func (l *MemoryLog) OnAppend(fn func(seq uint64)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
