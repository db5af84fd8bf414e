package api

import (
	"reflect"
	"sort"
	"sync"
)

// srfFrames holds the set-returning calls that are open between rows,
// indexed by call ID. Call IDs start at 1, 0 marks a call that never opened.
type srfFrames struct {
	mu     sync.Mutex
	latest uint64
	open   map[uint64]*SRFState
}

func newSRFFrames() *srfFrames {
	return &srfFrames{open: make(map[uint64]*SRFState)}
}

// start assigns st a new call ID and keeps it until end.
func (f *srfFrames) start(st *SRFState) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest++
	st.id = f.latest
	f.open[st.id] = st
	return st.id
}

// end removes a call. It reports whether the call was still open.
func (f *srfFrames) end(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.open[id]
	delete(f.open, id)
	return ok
}

func (f *srfFrames) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// drain removes all open calls and returns them oldest first.
func (f *srfFrames) drain() []*SRFState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*SRFState, 0, len(f.open))
	for _, st := range f.open {
		out = append(out, st)
	}
	clear(f.open)
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// sliceValues iterates over a slice returned by a set-returning method.
type sliceValues struct {
	v   reflect.Value
	pos int
}

func newSliceValues(v any) *sliceValues {
	return &sliceValues{v: reflect.ValueOf(v), pos: -1}
}

func (it *sliceValues) Next() bool {
	if it.pos+1 >= it.v.Len() {
		it.pos = it.v.Len()
		return false
	}
	it.pos++
	return true
}

func (it *sliceValues) Value() any { return it.v.Index(it.pos).Interface() }

func (it *sliceValues) Err() error { return nil }

func (it *sliceValues) Close() error { return nil }
