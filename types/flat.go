package types

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotFlattenable is returned when a value that references context memory is
// placed inside a flattened composite or array.
var ErrNotFlattenable = errors.New("pointer datum cannot be flattened")

type flatDatum struct {
	Null  bool      `cbor:"1,keyasint,omitempty"`
	Kind  DatumKind `cbor:"2,keyasint,omitempty"`
	Word  uint64    `cbor:"3,keyasint,omitempty"`
	Bytes []byte    `cbor:"4,keyasint,omitempty"`
}

type flatTuple struct {
	TypeOid Oid         `cbor:"1,keyasint"`
	Attrs   []Attribute `cbor:"2,keyasint,omitempty"`
	Values  []flatDatum `cbor:"3,keyasint"`
}

type flatArray struct {
	ElemOid Oid         `cbor:"1,keyasint"`
	Values  []flatDatum `cbor:"2,keyasint"`
}

func flatten(values []NullableDatum) ([]flatDatum, error) {
	out := make([]flatDatum, len(values))
	for i, v := range values {
		if v.IsNull {
			out[i] = flatDatum{Null: true}
			continue
		}
		switch v.Value.kind {
		case KindPointer:
			return nil, ErrNotFlattenable
		case KindBytes:
			out[i] = flatDatum{Kind: KindBytes, Bytes: v.Value.bytes}
		default:
			out[i] = flatDatum{Kind: v.Value.kind, Word: v.Value.word}
		}
	}
	return out, nil
}

func unflatten(in []flatDatum) []NullableDatum {
	out := make([]NullableDatum, len(in))
	for i, f := range in {
		if f.Null {
			out[i] = Null
			continue
		}
		d := Datum{kind: f.Kind, word: f.Word}
		if f.Kind == KindBytes {
			d.bytes = f.Bytes
			if d.bytes == nil {
				d.bytes = []byte{}
			}
		}
		out[i] = NotNull(d)
	}
	return out
}

// FlattenTuple encodes t as a self-contained varlena datum. Anonymous record
// tuples carry their column list so the shape survives the trip.
func FlattenTuple(t *Tuple) (Datum, error) {
	values, err := flatten(t.values)
	if err != nil {
		return Datum{}, err
	}
	ft := flatTuple{TypeOid: t.desc.typeOid, Values: values}
	if t.desc.typeOid == RecordOid {
		ft.Attrs = t.desc.attrs
	}
	bz, err := cbor.Marshal(ft)
	if err != nil {
		return Datum{}, fmt.Errorf("flatten tuple: %w", err)
	}
	return Datum{kind: KindBytes, bytes: bz}, nil
}

// FlatTupleType peeks at the type Oid and, for records, the embedded shape.
func FlatTupleType(d Datum) (Oid, *TupleDesc, error) {
	var ft flatTuple
	if err := unmarshalFlat(d, &ft); err != nil {
		return InvalidOid, nil, err
	}
	if ft.TypeOid == RecordOid {
		return ft.TypeOid, NewTupleDesc(RecordOid, ft.Attrs...), nil
	}
	return ft.TypeOid, nil, nil
}

// ExpandTuple decodes a flattened tuple against desc.
func ExpandTuple(d Datum, desc *TupleDesc) (*Tuple, error) {
	var ft flatTuple
	if err := unmarshalFlat(d, &ft); err != nil {
		return nil, err
	}
	if len(ft.Values) != desc.NumAttrs() {
		return nil, fmt.Errorf("flattened tuple has %d columns, descriptor %s expects %d", len(ft.Values), desc, desc.NumAttrs())
	}
	return NewTuple(desc, unflatten(ft.Values)...)
}

// FlattenArray encodes a one-dimensional array of elemOid values.
func FlattenArray(elemOid Oid, values []NullableDatum) (Datum, error) {
	fv, err := flatten(values)
	if err != nil {
		return Datum{}, err
	}
	bz, err := cbor.Marshal(flatArray{ElemOid: elemOid, Values: fv})
	if err != nil {
		return Datum{}, fmt.Errorf("flatten array: %w", err)
	}
	return Datum{kind: KindBytes, bytes: bz}, nil
}

// ExpandArray decodes a flattened array, returning its element type and values.
func ExpandArray(d Datum) (Oid, []NullableDatum, error) {
	var fa flatArray
	if err := unmarshalFlat(d, &fa); err != nil {
		return InvalidOid, nil, err
	}
	return fa.ElemOid, unflatten(fa.Values), nil
}

func unmarshalFlat(d Datum, v any) error {
	if d.kind != KindBytes {
		return fmt.Errorf("expected flattened varlena, got %s datum", d.kind)
	}
	if err := cbor.Unmarshal(d.bytes, v); err != nil {
		return fmt.Errorf("corrupt flattened value: %w", err)
	}
	return nil
}
