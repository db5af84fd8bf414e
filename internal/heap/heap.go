// Package heap stores the rows of relations in ordered in-memory trees. It
// plays the table storage that DML and triggers operate on.
package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/plbridge/plbridge/types"
)

// degree of every table's tree
const degree = 32

var (
	ErrNoSuchRow      = errors.New("row does not exist")
	ErrNoSuchRelation = errors.New("relation has no storage")
	ErrDescMismatch   = errors.New("row does not match the relation's row type")
)

// Tid identifies a row within a relation. Tids are handed out in insertion
// order and never reused.
type Tid uint64

// InvalidTid is never assigned to a row.
const InvalidTid Tid = 0

type item struct {
	tid   Tid
	tuple *types.Tuple
}

func byTid(a, b item) bool { return a.tid < b.tid }

// Table is the storage of one relation.
type Table struct {
	rel  types.Oid
	desc *types.TupleDesc

	mtx   sync.RWMutex
	rows *btree.BTreeG[item]
	last Tid
}

func newTable(rel types.Oid, desc *types.TupleDesc) *Table {
	return &Table{rel: rel, desc: desc, rows: btree.NewG(degree, byTid)}
}

func (t *Table) Relation() types.Oid { return t.rel }

func (t *Table) Desc() *types.TupleDesc { return t.desc }

func (t *Table) check(tup *types.Tuple) error {
	if tup == nil {
		return fmt.Errorf("%w: nil row", ErrDescMismatch)
	}
	if d := tup.Desc(); d != t.desc && !d.Equal(t.desc) {
		return fmt.Errorf("%w: got %s, want %s", ErrDescMismatch, d, t.desc)
	}
	return nil
}

// Insert stores tup and returns its Tid.
func (t *Table) Insert(tup *types.Tuple) (Tid, error) {
	if err := t.check(tup); err != nil {
		return InvalidTid, err
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.last++
	t.rows.ReplaceOrInsert(item{tid: t.last, tuple: tup})
	return t.last, nil
}

// Get returns the row stored under tid.
func (t *Table) Get(tid Tid) (*types.Tuple, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	i, ok := t.rows.Get(item{tid: tid})
	if !ok {
		return nil, fmt.Errorf("%w: tid %d", ErrNoSuchRow, tid)
	}
	return i.tuple, nil
}

// Update replaces the row stored under tid and returns the previous one.
func (t *Table) Update(tid Tid, tup *types.Tuple) (*types.Tuple, error) {
	if err := t.check(tup); err != nil {
		return nil, err
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !t.rows.Has(item{tid: tid}) {
		return nil, fmt.Errorf("%w: tid %d", ErrNoSuchRow, tid)
	}
	old, _ := t.rows.ReplaceOrInsert(item{tid: tid, tuple: tup})
	return old.tuple, nil
}

// Delete removes the row stored under tid and returns it.
func (t *Table) Delete(tid Tid) (*types.Tuple, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	old, ok := t.rows.Delete(item{tid: tid})
	if !ok {
		return nil, fmt.Errorf("%w: tid %d", ErrNoSuchRow, tid)
	}
	return old.tuple, nil
}

func (t *Table) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.rows.Len()
}

// Scan walks the rows with start <= tid < end in Tid order. InvalidTid leaves
// the bound open. The table stays read locked until the iterator is closed.
func (t *Table) Scan(start, end Tid) *Iterator {
	return newIterator(t, start, end)
}

// Rows returns every row in Tid order.
func (t *Table) Rows() ([]Tid, []*types.Tuple) {
	it := t.Scan(InvalidTid, InvalidTid)
	defer it.Close()
	var (
		tids []Tid
		rows []*types.Tuple
	)
	for ; it.Valid(); it.Next() {
		tids = append(tids, it.Tid())
		rows = append(rows, it.Tuple())
	}
	return tids, rows
}

// Heap holds the tables of a backend by relation Oid.
type Heap struct {
	mtx    sync.RWMutex
	tables map[types.Oid]*Table
}

func New() *Heap {
	return &Heap{tables: make(map[types.Oid]*Table)}
}

// Create allocates storage for a relation. Creating it twice returns the
// existing table.
func (h *Heap) Create(rel types.Oid, desc *types.TupleDesc) *Table {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if t, ok := h.tables[rel]; ok {
		return t
	}
	t := newTable(rel, desc)
	h.tables[rel] = t
	return t
}

// Table returns the storage of rel.
func (h *Heap) Table(rel types.Oid) (*Table, error) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	t, ok := h.tables[rel]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchRelation, rel)
	}
	return t, nil
}

// Drop discards the storage of rel.
func (h *Heap) Drop(rel types.Oid) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.tables, rel)
}
