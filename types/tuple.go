package types

import (
	"fmt"
	"strings"
)

// Attribute describes one column of a row.
type Attribute struct {
	Name    string `cbor:"1,keyasint" toml:"name"`
	TypeOid Oid    `cbor:"2,keyasint" toml:"type"`
	TypMod  int32  `cbor:"3,keyasint,omitempty" toml:"typmod"`
	NotNull bool   `cbor:"4,keyasint,omitempty" toml:"not_null"`
}

// TupleDesc describes the columns of a composite value. It is immutable once built.
type TupleDesc struct {
	typeOid Oid
	attrs   []Attribute
}

// NewTupleDesc builds a descriptor. typeOid is RecordOid for anonymous row shapes.
func NewTupleDesc(typeOid Oid, attrs ...Attribute) *TupleDesc {
	c := make([]Attribute, len(attrs))
	copy(c, attrs)
	return &TupleDesc{typeOid: typeOid, attrs: c}
}

// TypeOid returns the composite type this descriptor belongs to, or RecordOid.
func (td *TupleDesc) TypeOid() Oid { return td.typeOid }

func (td *TupleDesc) NumAttrs() int { return len(td.attrs) }

// Attr returns a copy of the i-th attribute (zero based).
func (td *TupleDesc) Attr(i int) Attribute { return td.attrs[i] }

// Attrs returns a copy of all attributes.
func (td *TupleDesc) Attrs() []Attribute {
	c := make([]Attribute, len(td.attrs))
	copy(c, td.attrs)
	return c
}

// Index returns the position of the named column, or -1.
func (td *TupleDesc) Index(name string) int {
	for i, a := range td.attrs {
		if a.Name == name {
			return i
		}
	}
	for i, a := range td.attrs {
		if strings.EqualFold(a.Name, name) {
			return i
		}
	}
	return -1
}

// Columns returns the column names in order.
func (td *TupleDesc) Columns() []string {
	names := make([]string, len(td.attrs))
	for i, a := range td.attrs {
		names[i] = a.Name
	}
	return names
}

// Equal reports whether both descriptors have the same column names and types.
func (td *TupleDesc) Equal(o *TupleDesc) bool {
	if td == o {
		return true
	}
	if td == nil || o == nil || len(td.attrs) != len(o.attrs) {
		return false
	}
	for i := range td.attrs {
		if td.attrs[i].Name != o.attrs[i].Name || td.attrs[i].TypeOid != o.attrs[i].TypeOid {
			return false
		}
	}
	return true
}

func (td *TupleDesc) String() string {
	parts := make([]string, len(td.attrs))
	for i, a := range td.attrs {
		parts[i] = fmt.Sprintf("%s:%d", a.Name, a.TypeOid)
	}
	return fmt.Sprintf("(%s)", strings.Join(parts, ", "))
}

// Tuple is an immutable snapshot of a row.
type Tuple struct {
	desc   *TupleDesc
	values []NullableDatum
}

// NewTuple builds a tuple for desc. The values slice is copied.
func NewTuple(desc *TupleDesc, values ...NullableDatum) (*Tuple, error) {
	if desc == nil {
		return nil, fmt.Errorf("tuple without descriptor")
	}
	if len(values) != desc.NumAttrs() {
		return nil, fmt.Errorf("tuple has %d values, descriptor %s expects %d", len(values), desc, desc.NumAttrs())
	}
	for i, v := range values {
		if v.IsNull && desc.attrs[i].NotNull {
			return nil, fmt.Errorf("null value in column %q violates not-null constraint", desc.attrs[i].Name)
		}
	}
	c := make([]NullableDatum, len(values))
	copy(c, values)
	return &Tuple{desc: desc, values: c}, nil
}

func (t *Tuple) Desc() *TupleDesc { return t.desc }

func (t *Tuple) NumAttrs() int { return len(t.values) }

// Value returns the i-th column (zero based).
func (t *Tuple) Value(i int) (NullableDatum, error) {
	if i < 0 || i >= len(t.values) {
		return NullableDatum{}, fmt.Errorf("column index %d out of bounds [0, %d)", i, len(t.values))
	}
	return t.values[i], nil
}

// Values returns a copy of all columns.
func (t *Tuple) Values() []NullableDatum {
	c := make([]NullableDatum, len(t.values))
	copy(c, t.values)
	return c
}

// Modify derives a new tuple with the overlay applied. The receiver is unchanged
// and columns absent from the overlay are carried over bit for bit.
func (t *Tuple) Modify(overlay map[int]NullableDatum) (*Tuple, error) {
	values := t.Values()
	for i, v := range overlay {
		if i < 0 || i >= len(values) {
			return nil, fmt.Errorf("column index %d out of bounds [0, %d)", i, len(values))
		}
		values[i] = v
	}
	return NewTuple(t.desc, values...)
}

// Equal compares descriptors and every column bit for bit.
func (t *Tuple) Equal(o *Tuple) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil || !t.desc.Equal(o.desc) {
		return false
	}
	for i := range t.values {
		if !t.values[i].Equal(o.values[i]) {
			return false
		}
	}
	return true
}

// EmptyTuple returns a tuple of desc with every column null. It is a starting
// point for building rows column by column, not-null constraints are checked
// once the row is completed through Modify.
func EmptyTuple(desc *TupleDesc) *Tuple {
	values := make([]NullableDatum, desc.NumAttrs())
	for i := range values {
		values[i] = Null
	}
	return &Tuple{desc: desc, values: values}
}
