package view

import (
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
)

type resolveFunc func(snap kv.Reader, it iterator.Iterator) (Post, error)

// Iterator is a pull-based sequence of posts read from one snapshot.
// It must be closed.
type Iterator struct {
	snap    kv.Snapshot
	it      iterator.Iterator
	resolve resolveFunc

	cur Post
	err error
}

func (i *Iterator) Next() bool {
	if i.err != nil || i.it == nil {
		return false
	}
	if !i.it.Next() {
		i.err = i.it.Err()
		return false
	}
	p, err := i.resolve(i.snap, i.it)
	if err != nil {
		i.err = err
		return false
	}
	i.cur = p
	return true
}

// Post returns the current post.
func (i *Iterator) Post() Post {
	return i.cur
}

func (i *Iterator) Err() error {
	return i.err
}

func (i *Iterator) Close() error {
	var err error
	if i.it != nil {
		err = i.it.Close()
		i.it = nil
	}
	if i.snap != nil {
		if cerr := i.snap.Close(); err == nil {
			err = cerr
		}
		i.snap = nil
	}
	return err
}

// Collect drains up to limit posts from it and closes it. A limit of zero
// or less means no limit.
func Collect(it *Iterator, limit int) ([]Post, error) {
	defer it.Close()

	posts := []Post{}
	for (limit <= 0 || len(posts) < limit) && it.Next() {
		posts = append(posts, it.Post())
	}
	return posts, it.Err()
}
