package types

import (
	"bytes"
	"fmt"
	"math"
)

// DatumKind tags the representation held by a Datum.
type DatumKind uint8

const (
	// KindNone is the zero Datum. It carries no value and is only valid next to a null flag.
	KindNone DatumKind = iota
	// KindWord is a by-value datum: integers, booleans, Oids, dates and timestamps.
	KindWord
	// KindFloat is a by-value floating point datum.
	KindFloat
	// KindBytes is a variable length datum: text, bytea and flattened composites or arrays.
	KindBytes
	// KindPointer references a structure allocated in a backend memory context.
	KindPointer
)

func (k DatumKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindWord:
		return "word"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindPointer:
		return "pointer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Pointer addresses one allocation inside a memory context. The generation is
// bumped every time the context is reset, so a pointer taken before a reset never
// matches an allocation made after it, even when the offset is reused.
type Pointer struct {
	Region     uint64
	Generation uint32
	Offset     uint32
}

// NullPointer is the invalid sentinel.
var NullPointer = Pointer{}

// IsNull reports whether p is the invalid sentinel.
func (p Pointer) IsNull() bool {
	return p.Region == 0 || p.Offset == 0
}

func (p Pointer) String() string {
	if p.IsNull() {
		return "0x0"
	}
	return fmt.Sprintf("%d/%d+%#x", p.Region, p.Generation, p.Offset)
}

// Datum is the backend's single tagged runtime value. A Datum never encodes SQL
// NULL by itself; nullness travels next to it, see NullableDatum.
type Datum struct {
	kind  DatumKind
	word  uint64
	bytes []byte
	ptr   Pointer
}

// WordDatum builds a by-value integer datum.
func WordDatum(v int64) Datum {
	return Datum{kind: KindWord, word: uint64(v)}
}

// BoolDatum builds a boolean datum.
func BoolDatum(b bool) Datum {
	if b {
		return WordDatum(1)
	}
	return WordDatum(0)
}

// FloatDatum builds a by-value float datum.
func FloatDatum(f float64) Datum {
	return Datum{kind: KindFloat, word: math.Float64bits(f)}
}

// BytesDatum builds a varlena datum. The slice is copied.
func BytesDatum(b []byte) Datum {
	c := make([]byte, len(b))
	copy(c, b)
	return Datum{kind: KindBytes, bytes: c}
}

// TextDatum builds a varlena datum holding UTF-8 text.
func TextDatum(s string) Datum {
	return Datum{kind: KindBytes, bytes: []byte(s)}
}

// PointerDatum builds a datum referencing a memory context allocation.
func PointerDatum(p Pointer) Datum {
	return Datum{kind: KindPointer, ptr: p}
}

func (d Datum) Kind() DatumKind { return d.kind }

func (d Datum) Int() int64 { return int64(d.word) }

func (d Datum) Bool() bool { return d.word != 0 }

func (d Datum) Float() float64 { return math.Float64frombits(d.word) }

// Bytes returns the varlena payload. Callers must not modify it.
func (d Datum) Bytes() []byte { return d.bytes }

func (d Datum) Text() string { return string(d.bytes) }

func (d Datum) Pointer() Pointer { return d.ptr }

// Word returns the raw by-value word, including float bit patterns.
func (d Datum) Word() uint64 { return d.word }

// Equal reports bit-identity of two datums.
func (d Datum) Equal(o Datum) bool {
	if d.kind != o.kind {
		return false
	}
	switch d.kind {
	case KindWord, KindFloat:
		return d.word == o.word
	case KindBytes:
		return bytes.Equal(d.bytes, o.bytes)
	case KindPointer:
		return d.ptr == o.ptr
	default:
		return true
	}
}

func (d Datum) String() string {
	switch d.kind {
	case KindWord:
		return fmt.Sprintf("word(%d)", d.Int())
	case KindFloat:
		return fmt.Sprintf("float(%g)", d.Float())
	case KindBytes:
		return fmt.Sprintf("bytes(%q)", d.bytes)
	case KindPointer:
		return fmt.Sprintf("pointer(%s)", d.ptr)
	default:
		return "none"
	}
}

// NullableDatum is a datum plus its null flag, the shape in which arguments and
// results cross the function call interface.
type NullableDatum struct {
	Value  Datum
	IsNull bool
}

// Null is the SQL NULL.
var Null = NullableDatum{IsNull: true}

// NotNull wraps a datum as a non-null value.
func NotNull(d Datum) NullableDatum {
	return NullableDatum{Value: d}
}

// Equal compares null flags and, for non-null values, the datums.
func (n NullableDatum) Equal(o NullableDatum) bool {
	if n.IsNull || o.IsNull {
		return n.IsNull == o.IsNull
	}
	return n.Value.Equal(o.Value)
}
