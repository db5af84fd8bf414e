package heap

import (
	"context"

	"github.com/plbridge/plbridge/types"
)

// rows travel from the walking goroutine in batches of this size
const prefetch = 64

// Iterator walks a range of a table. It must be closed.
type Iterator struct {
	ch     <-chan item
	cancel context.CancelFunc
	cur    item
	valid  bool
}

// newIterator walks start <= tid < end, InvalidTid leaving a side open. The
// table is read locked by the walking goroutine until the walk ends or the
// iterator is closed.
func newIterator(t *Table, start, end Tid) *Iterator {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan item, prefetch)
	it := &Iterator{ch: ch, cancel: cancel}

	inRange := func(i item) bool {
		return (start == InvalidTid || i.tid >= start) && (end == InvalidTid || i.tid < end)
	}
	send := func(i item) bool {
		if !inRange(i) {
			// past end
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case ch <- i:
			return true
		}
	}

	t.mtx.RLock()
	go func() {
		defer t.mtx.RUnlock()
		defer close(ch)
		if start != InvalidTid {
			t.rows.AscendGreaterOrEqual(item{tid: start}, send)
		} else {
			t.rows.Ascend(send)
		}
	}()

	it.Next()
	return it
}

// Close stops the walk and releases the table.
func (i *Iterator) Close() error {
	i.cancel()
	for range i.ch {
	}
	i.valid = false
	return nil
}

func (i *Iterator) Valid() bool {
	return i.valid
}

// Next moves to the following row. The first row is loaded on creation.
func (i *Iterator) Next() {
	i.cur, i.valid = <-i.ch
}

func (i *Iterator) Tid() Tid {
	i.mustBeValid()
	return i.cur.tid
}

func (i *Iterator) Tuple() *types.Tuple {
	i.mustBeValid()
	return i.cur.tuple
}

func (i *Iterator) mustBeValid() {
	if !i.valid {
		panic("heap: iterator is exhausted")
	}
}
