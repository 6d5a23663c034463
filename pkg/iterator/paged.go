package iterator

import "votedb/pkg/types"

// DefaultPageSize is the number of entries fetched per page.
const DefaultPageSize = 128

// PageFunc returns up to limit items of r in direction dir that come
// strictly after the key after (nil means from the edge of the range).
type PageFunc func(r Range, dir Direction, after types.Key, limit int) ([]Item, error)

// Paged is an Iterator that pulls its range one page at a time.
type Paged struct {
	rng      Range
	dir      Direction
	pageSize int
	fetch    PageFunc
	closer   func() error

	page   []Item
	idx    int
	last   types.Key
	done   bool
	err    error
	closed bool
}

// NewPaged builds a lazy iterator; closer, when not nil, is invoked once by Close.
func NewPaged(r Range, dir Direction, pageSize int, fetch PageFunc, closer func() error) *Paged {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paged{
		rng:      r,
		dir:      dir,
		pageSize: pageSize,
		fetch:    fetch,
		closer:   closer,
		idx:      -1,
	}
}

func (p *Paged) Next() bool {
	if p.closed || p.err != nil {
		return false
	}
	if p.idx+1 < len(p.page) {
		p.idx++
		return true
	}
	if p.done {
		return false
	}

	page, err := p.fetch(p.rng, p.dir, p.last, p.pageSize)
	if err != nil {
		p.err = err
		return false
	}
	if len(page) < p.pageSize {
		p.done = true
	}
	if len(page) == 0 {
		p.page, p.idx = nil, -1
		return false
	}

	p.page, p.idx = page, 0
	p.last = page[len(page)-1].Key
	return true
}

func (p *Paged) Key() types.Key {
	if p.idx < 0 || p.idx >= len(p.page) {
		return nil
	}
	return p.page[p.idx].Key
}

func (p *Paged) Value() types.Value {
	if p.idx < 0 || p.idx >= len(p.page) {
		return nil
	}
	return p.page[p.idx].Value
}

func (p *Paged) Err() error {
	return p.err
}

func (p *Paged) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.page = nil
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]Item, error) {
	defer it.Close()

	var items []Item
	for it.Next() {
		items = append(items, Item{Key: it.Key(), Value: it.Value()})
	}
	return items, it.Err()
}

// Empty is an iterator over nothing that reports err.
func Empty(err error) Iterator {
	return &Paged{err: err, done: true, idx: -1}
}
