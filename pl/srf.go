package pl

// ResultSetProvider produces the rows of a function returning a set of
// composites. The backend calls AssignRowValues once per row with the same
// reusable row until it reports false, then calls Close exactly once, also
// when the scan stops early or fails.
type ResultSetProvider interface {
	AssignRowValues(row WritableRow, rowNum int) (bool, error)
	Close() error
}

// Iterator produces the values of a function returning a set of scalars.
// Close is called exactly once.
type Iterator interface {
	Next() bool
	Value() any
	Err() error
	Close() error
}

// SliceIterator returns an Iterator over vals.
func SliceIterator[T any](vals ...T) Iterator {
	return &sliceIterator[T]{vals: vals, pos: -1}
}

type sliceIterator[T any] struct {
	vals []T
	pos  int
}

func (it *sliceIterator[T]) Next() bool {
	if it.pos+1 >= len(it.vals) {
		it.pos = len(it.vals)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator[T]) Value() any { return it.vals[it.pos] }

func (it *sliceIterator[T]) Err() error { return nil }

func (it *sliceIterator[T]) Close() error { return nil }

// ProviderFunc adapts a plain function to ResultSetProvider with a no-op Close.
type ProviderFunc func(row WritableRow, rowNum int) (bool, error)

func (f ProviderFunc) AssignRowValues(row WritableRow, rowNum int) (bool, error) {
	return f(row, rowNum)
}

func (f ProviderFunc) Close() error { return nil }
