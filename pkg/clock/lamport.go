// Package clock provides the logical clock stamped on appended records.
package clock

import "sync/atomic"

// Lamport is a Lamport clock safe for concurrent use.
type Lamport struct {
	atomic.Uint64
}

func NewLamport(init uint64) *Lamport {
	var lc Lamport
	lc.Set(init)
	return &lc
}

func (lc *Lamport) Val() uint64 {
	return lc.Load()
}

// Next ticks the clock for a local event and returns the new time.
func (lc *Lamport) Next() uint64 {
	return lc.Add(1)
}

// Observe merges a time seen on a remote event; the clock never goes back.
func (lc *Lamport) Observe(t uint64) {
	for {
		cur := lc.Load()
		if t <= cur || lc.CompareAndSwap(cur, t) {
			return
		}
	}
}

func (lc *Lamport) Set(t uint64) {
	lc.Store(t)
}
