package coerce

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/types"
)

var (
	boolType     = reflect.TypeOf(false)
	int16Type    = reflect.TypeOf(int16(0))
	int32Type    = reflect.TypeOf(int32(0))
	int64Type    = reflect.TypeOf(int64(0))
	float32Type  = reflect.TypeOf(float32(0))
	float64Type  = reflect.TypeOf(float64(0))
	stringType   = reflect.TypeOf("")
	bytesType    = reflect.TypeOf([]byte(nil))
	oidType      = reflect.TypeOf(types.Oid(0))
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	anyType      = reflect.TypeOf((*any)(nil)).Elem()
)

// scalar is the strategy of a by-value or simple varlena type with a fixed
// managed representation.
type scalar struct {
	base
	in   func(d types.Datum) (any, error)
	out  func(v reflect.Value) (types.Datum, error)
	word func(w uint64) types.Datum
}

func (s *scalar) ToManaged(_ *Env, d types.Datum) (any, error) {
	return s.in(d)
}

func (s *scalar) ToNative(_ *Env, v any) (types.Datum, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return types.Datum{}, fmt.Errorf("nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	d, err := s.out(rv)
	if err != nil {
		return types.Datum{}, err
	}
	return d, nil
}

func (s *scalar) Invoke(ctx context.Context, env *Env, m Method, args []any) (types.NullableDatum, error) {
	if wm, ok := m.(WordMethod); ok && s.word != nil && m.ReturnType() == s.typ {
		w, err := wm.CallWord(ctx, args)
		if err != nil {
			return types.Null, err
		}
		return types.NotNull(s.word(w)), nil
	}
	return invokeGeneric(ctx, env, s, m, args)
}

func intScalar(oid types.Oid, name string, typ reflect.Type, bits int) *scalar {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if bits < 64 {
		lo, hi = -1<<(bits-1), 1<<(bits-1)-1
	}
	return &scalar{
		base: base{oid: oid, name: name, typ: typ},
		in: func(d types.Datum) (any, error) {
			return reflect.ValueOf(d.Int()).Convert(typ).Interface(), nil
		},
		out: func(rv reflect.Value) (types.Datum, error) {
			var i int64
			switch rv.Kind() {
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				i = rv.Int()
			case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
				u := rv.Uint()
				if u > math.MaxInt64 {
					return types.Datum{}, fmt.Errorf("%d out of range for %s", u, name)
				}
				i = int64(u)
			default:
				return types.Datum{}, fmt.Errorf("%s cannot be stored as %s", rv.Type(), name)
			}
			if i < lo || i > hi {
				return types.Datum{}, fmt.Errorf("%d out of range for %s", i, name)
			}
			return types.WordDatum(i), nil
		},
		word: func(w uint64) types.Datum {
			switch bits {
			case 16:
				return types.WordDatum(int64(int16(w)))
			case 32:
				return types.WordDatum(int64(int32(w)))
			default:
				return types.WordDatum(int64(w))
			}
		},
	}
}

func floatScalar(oid types.Oid, name string, typ reflect.Type, bits int) *scalar {
	return &scalar{
		base: base{oid: oid, name: name, typ: typ},
		in: func(d types.Datum) (any, error) {
			if bits == 32 {
				return float32(d.Float()), nil
			}
			return d.Float(), nil
		},
		out: func(rv reflect.Value) (types.Datum, error) {
			var f float64
			switch rv.Kind() {
			case reflect.Float32, reflect.Float64:
				f = rv.Float()
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				f = float64(rv.Int())
			default:
				return types.Datum{}, fmt.Errorf("%s cannot be stored as %s", rv.Type(), name)
			}
			if bits == 32 {
				if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
					return types.Datum{}, fmt.Errorf("%g out of range for %s", f, name)
				}
				f = float64(float32(f))
			}
			return types.FloatDatum(f), nil
		},
		word: func(w uint64) types.Datum {
			if bits == 32 {
				return types.FloatDatum(float64(math.Float32frombits(uint32(w))))
			}
			return types.FloatDatum(math.Float64frombits(w))
		},
	}
}

func boolScalar() *scalar {
	return &scalar{
		base: base{oid: types.BoolOid, name: "bool", typ: boolType},
		in:   func(d types.Datum) (any, error) { return d.Bool(), nil },
		out: func(rv reflect.Value) (types.Datum, error) {
			if rv.Kind() != reflect.Bool {
				return types.Datum{}, fmt.Errorf("%s cannot be stored as bool", rv.Type())
			}
			return types.BoolDatum(rv.Bool()), nil
		},
		word: func(w uint64) types.Datum { return types.BoolDatum(uint32(w) != 0) },
	}
}

func oidScalar() *scalar {
	return &scalar{
		base: base{oid: types.OidOid, name: "oid", typ: oidType},
		in:   func(d types.Datum) (any, error) { return types.Oid(uint32(d.Word())), nil },
		out: func(rv reflect.Value) (types.Datum, error) {
			switch rv.Kind() {
			case reflect.Uint32:
				return types.WordDatum(int64(rv.Uint())), nil
			case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64:
				if rv.CanInt() && rv.Int() >= 0 && rv.Int() <= math.MaxUint32 {
					return types.WordDatum(rv.Int()), nil
				}
				if rv.CanUint() && rv.Uint() <= math.MaxUint32 {
					return types.WordDatum(int64(rv.Uint())), nil
				}
				return types.Datum{}, fmt.Errorf("%v out of range for oid", rv.Interface())
			default:
				return types.Datum{}, fmt.Errorf("%s cannot be stored as oid", rv.Type())
			}
		},
	}
}

func textScalar(oid types.Oid, name string) *scalar {
	return &scalar{
		base: base{oid: oid, name: name, typ: stringType},
		in:   func(d types.Datum) (any, error) { return d.Text(), nil },
		out: func(rv reflect.Value) (types.Datum, error) {
			switch {
			case rv.Kind() == reflect.String:
				return types.TextDatum(rv.String()), nil
			case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
				return types.BytesDatum(rv.Bytes()), nil
			default:
				if s, ok := rv.Interface().(fmt.Stringer); ok {
					return types.TextDatum(s.String()), nil
				}
				return types.Datum{}, fmt.Errorf("%s cannot be stored as %s", rv.Type(), name)
			}
		},
	}
}

func byteaScalar() *scalar {
	return &scalar{
		base: base{oid: types.ByteaOid, name: "bytea", typ: bytesType},
		in: func(d types.Datum) (any, error) {
			out := make([]byte, len(d.Bytes()))
			copy(out, d.Bytes())
			return out, nil
		},
		out: func(rv reflect.Value) (types.Datum, error) {
			switch {
			case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
				return types.BytesDatum(rv.Bytes()), nil
			case rv.Kind() == reflect.String:
				return types.TextDatum(rv.String()), nil
			default:
				return types.Datum{}, fmt.Errorf("%s cannot be stored as bytea", rv.Type())
			}
		},
	}
}

func timeValue(rv reflect.Value, name string) (time.Time, error) {
	if rv.Type() != timeType {
		return time.Time{}, fmt.Errorf("%s cannot be stored as %s", rv.Type(), name)
	}
	t := rv.Interface().(time.Time)
	if t.Nanosecond()%int(time.Microsecond) != 0 {
		return time.Time{}, fmt.Errorf("%s has sub-microsecond precision", t.Format(time.RFC3339Nano))
	}
	return t, nil
}

func dateScalar() *scalar {
	return &scalar{
		base: base{oid: types.DateOid, name: "date", typ: timeType},
		in: func(d types.Datum) (any, error) {
			if d.Int() == catalog.DateInfinity || d.Int() == catalog.DateNegInfinity {
				return nil, fmt.Errorf("infinite date has no time.Time value")
			}
			return catalog.TimeFromDate(d.Int()), nil
		},
		out: func(rv reflect.Value) (types.Datum, error) {
			t, err := timeValue(rv, "date")
			if err != nil {
				return types.Datum{}, err
			}
			// the calendar day is read in t's location
			if h, m, sec := t.Clock(); h != 0 || m != 0 || sec != 0 || t.Nanosecond() != 0 {
				return types.Datum{}, fmt.Errorf("%s has a time of day", t.Format(time.RFC3339Nano))
			}
			return types.WordDatum(catalog.DateFromTime(t)), nil
		},
	}
}

func timestampScalar(oid types.Oid, name string) *scalar {
	return &scalar{
		base: base{oid: oid, name: name, typ: timeType},
		in: func(d types.Datum) (any, error) {
			if d.Int() == catalog.TimestampInfinity || d.Int() == catalog.TimestampNegInfinity {
				return nil, fmt.Errorf("infinite %s has no time.Time value", name)
			}
			return catalog.TimeFromTimestamp(d.Int()), nil
		},
		out: func(rv reflect.Value) (types.Datum, error) {
			t, err := timeValue(rv, name)
			if err != nil {
				return types.Datum{}, err
			}
			return types.WordDatum(catalog.TimestampFromTime(t)), nil
		},
	}
}

func timeOfDayScalar() *scalar {
	return &scalar{
		base: base{oid: types.TimeOid, name: "time", typ: durationType},
		in: func(d types.Datum) (any, error) {
			return catalog.DurationFromTimeOfDay(d.Int()), nil
		},
		out: func(rv reflect.Value) (types.Datum, error) {
			if rv.Type() != durationType {
				return types.Datum{}, fmt.Errorf("%s cannot be stored as time", rv.Type())
			}
			d := time.Duration(rv.Int())
			if d%time.Microsecond != 0 {
				return types.Datum{}, fmt.Errorf("%s has sub-microsecond precision", d)
			}
			us, ok := catalog.TimeOfDayFromDuration(d)
			if !ok {
				return types.Datum{}, fmt.Errorf("%s is not a time of day", d)
			}
			return types.WordDatum(us), nil
		},
	}
}

// builtinScalars are the default strategies of the built-in base types.
// Types missing here use the text fallback.
func builtinScalars() map[types.Oid]Strategy {
	m := map[types.Oid]Strategy{
		types.BoolOid:        boolScalar(),
		types.Int2Oid:        intScalar(types.Int2Oid, "int2", int16Type, 16),
		types.Int4Oid:        intScalar(types.Int4Oid, "int4", int32Type, 32),
		types.Int8Oid:        intScalar(types.Int8Oid, "int8", int64Type, 64),
		types.Float4Oid:      floatScalar(types.Float4Oid, "float4", float32Type, 32),
		types.Float8Oid:      floatScalar(types.Float8Oid, "float8", float64Type, 64),
		types.OidOid:         oidScalar(),
		types.ByteaOid:       byteaScalar(),
		types.DateOid:        dateScalar(),
		types.TimeOid:        timeOfDayScalar(),
		types.TimestampOid:   timestampScalar(types.TimestampOid, "timestamp"),
		types.TimestamptzOid: timestampScalar(types.TimestamptzOid, "timestamptz"),
	}
	for oid, name := range map[types.Oid]string{
		types.TextOid:    "text",
		types.VarcharOid: "varchar",
		types.BPCharOid:  "bpchar",
		types.NameOid:    "name",
		types.CharOid:    "char",
		types.JSONOid:    "json",
		types.JSONBOid:   "jsonb",
		types.CstringOid: "cstring",
		types.UnknownOid: "unknown",
	} {
		m[oid] = textScalar(oid, name)
	}
	return m
}
