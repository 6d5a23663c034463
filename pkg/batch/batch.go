package batch

import "votedb/pkg/types"

type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single mutation recorded in a Batch.
type Op struct {
	Kind  OpKind
	Key   types.Key
	Value types.Value
}

// Writer receives the operations of a batch.
type Writer interface {
	Put(key types.Key, value types.Value) error
	Delete(key types.Key) error
}

// Batch groups multiple mutations that a store applies atomically.
// Keys and values are copied on insertion.
type Batch struct {
	ops []Op
}

func New() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key types.Key, value types.Value) {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: clone(key), Value: clone(value)})
}

func (b *Batch) Delete(key types.Key) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: clone(key)})
}

func (b *Batch) Clear() {
	b.ops = b.ops[:0]
}

func (b *Batch) Count() int {
	return len(b.ops)
}

func (b *Batch) Ops() []Op {
	return b.ops
}

// ApplyTo replays the batch in insertion order, stopping at the first error.
func (b *Batch) ApplyTo(w Writer) error {
	for _, op := range b.ops {
		var err error
		switch op.Kind {
		case OpPut:
			err = w.Put(op.Key, op.Value)
		case OpDelete:
			err = w.Delete(op.Key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
