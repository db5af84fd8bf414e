// Package pl is the API seen by functions running inside the backend: rows,
// set-returning protocols, trigger data, the session and error values.
package pl

import (
	"errors"
	"fmt"
	"strings"
)

// ErrReadOnlyRow is returned by writes to a row that may not be modified, such
// as the old row of a trigger.
var ErrReadOnlyRow = errors.New("row is read-only")

// Row is a read view of one composite value. Column indexes are zero based.
type Row interface {
	Len() int
	Columns() []string
	// Get returns the managed value of column i, or nil for SQL NULL.
	Get(i int) (any, error)
	GetByName(name string) (any, error)
	IsNull(i int) (bool, error)
}

// WritableRow is a row whose columns can be assigned. Values are converted
// to the column type when Set is called.
type WritableRow interface {
	Row
	Set(i int, v any) error
	SetByName(name string, v any) error
}

// Record is a row built from plain Go values. It is how functions return
// composites and records they assemble themselves.
type Record struct {
	cols []string
	vals []any
}

var _ WritableRow = (*Record)(nil)

// NewRecord builds a record with the given column names. Missing values are null.
func NewRecord(cols []string, vals ...any) *Record {
	r := &Record{cols: append([]string(nil), cols...), vals: make([]any, len(cols))}
	copy(r.vals, vals)
	return r
}

func (r *Record) Len() int { return len(r.cols) }

func (r *Record) Columns() []string { return append([]string(nil), r.cols...) }

func (r *Record) Get(i int) (any, error) {
	if i < 0 || i >= len(r.vals) {
		return nil, fmt.Errorf("column index %d out of range [0, %d)", i, len(r.vals))
	}
	return r.vals[i], nil
}

func (r *Record) GetByName(name string) (any, error) {
	i, err := r.index(name)
	if err != nil {
		return nil, err
	}
	return r.vals[i], nil
}

func (r *Record) IsNull(i int) (bool, error) {
	v, err := r.Get(i)
	return v == nil, err
}

func (r *Record) Set(i int, v any) error {
	if i < 0 || i >= len(r.vals) {
		return fmt.Errorf("column index %d out of range [0, %d)", i, len(r.vals))
	}
	r.vals[i] = v
	return nil
}

func (r *Record) SetByName(name string, v any) error {
	i, err := r.index(name)
	if err != nil {
		return err
	}
	r.vals[i] = v
	return nil
}

func (r *Record) index(name string) (int, error) {
	for i, c := range r.cols {
		if c == name {
			return i, nil
		}
	}
	for i, c := range r.cols {
		if strings.EqualFold(c, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no column named %q", name)
}
