package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/plbridge/plbridge/types"
)

// Oids of built-in types that types/oid.go does not name.
const (
	numericOid     types.Oid = 1700
	uuidOid        types.Oid = 2950
	intervalOid    types.Oid = 1186
	inetOid        types.Oid = 869
	cidrOid        types.Oid = 650
	macaddrOid     types.Oid = 829
	pointOid       types.Oid = 600
	bitOid         types.Oid = 1560
	varbitOid      types.Oid = 1562
	nameArrayOid   types.Oid = 1003
	charArrayOid   types.Oid = 1002
	byteaArrayOid  types.Oid = 1001
	oidArrayOid    types.Oid = 1028
	bpcharArrayOid types.Oid = 1014
	vcharArrayOid  types.Oid = 1015
	dateArrayOid   types.Oid = 1182
	timeArrayOid   types.Oid = 1183
	tsArrayOid     types.Oid = 1115
	tstzArrayOid   types.Oid = 1185
	intvArrayOid   types.Oid = 1187
	numArrayOid    types.Oid = 1231
	uuidArrayOid   types.Oid = 2951
	jsonArrayOid   types.Oid = 199
	jsonbArrayOid  types.Oid = 3807
)

type builtin struct {
	oid      types.Oid
	name     string
	byValue  bool
	arrayOid types.Oid
	io       func(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc)
}

var builtins = []builtin{
	{types.BoolOid, "bool", true, types.BoolArrayOid, boolIO},
	{types.ByteaOid, "bytea", false, byteaArrayOid, byteaIO},
	{types.CharOid, "char", false, charArrayOid, textIO},
	{types.NameOid, "name", false, nameArrayOid, textIO},
	{types.Int8Oid, "int8", true, types.Int8ArrayOid, intIO(64)},
	{types.Int2Oid, "int2", true, types.Int2ArrayOid, intIO(16)},
	{types.Int4Oid, "int4", true, types.Int4ArrayOid, intIO(32)},
	{types.TextOid, "text", false, types.TextArrayOid, textIO},
	{types.OidOid, "oid", true, oidArrayOid, oidIO},
	{types.JSONOid, "json", false, jsonArrayOid, textIO},
	{types.Float4Oid, "float4", true, types.Float4ArrayOid, floatIO(32)},
	{types.Float8Oid, "float8", true, types.Float8ArrayOid, floatIO(64)},
	{types.BPCharOid, "bpchar", false, bpcharArrayOid, textIO},
	{types.VarcharOid, "varchar", false, vcharArrayOid, textIO},
	{types.DateOid, "date", true, dateArrayOid, dateIO},
	{types.TimeOid, "time", true, timeArrayOid, timeIO},
	{types.TimestampOid, "timestamp", true, tsArrayOid, timestampIO},
	{types.TimestamptzOid, "timestamptz", true, tstzArrayOid, timestamptzIO},
	{types.JSONBOid, "jsonb", false, jsonbArrayOid, textIO},
	{intervalOid, "interval", false, intvArrayOid, pgtypeIO},
	{numericOid, "numeric", false, numArrayOid, pgtypeIO},
	{uuidOid, "uuid", false, uuidArrayOid, pgtypeIO},
	{inetOid, "inet", false, 0, pgtypeIO},
	{cidrOid, "cidr", false, 0, pgtypeIO},
	{macaddrOid, "macaddr", false, 0, pgtypeIO},
	{pointOid, "point", false, 0, pgtypeIO},
	{bitOid, "bit", false, 0, pgtypeIO},
	{varbitOid, "varbit", false, 0, pgtypeIO},
}

var pseudos = []struct {
	oid  types.Oid
	name string
}{
	{types.RecordOid, "record"},
	{types.CstringOid, "cstring"},
	{types.AnyOid, "any"},
	{types.AnyArrayOid, "anyarray"},
	{types.VoidOid, "void"},
	{types.TriggerOid, "trigger"},
	{types.InternalOid, "internal"},
	{types.AnyElementOid, "anyelement"},
	{types.UnknownOid, "unknown"},
}

func (c *Catalog) bootstrap() {
	for _, b := range builtins {
		t := &TypeInfo{Oid: b.oid, Name: b.name, Category: Base, ByValue: b.byValue, ArrayOid: b.arrayOid}
		t.in, t.out = b.io(c, b.oid, b.name)
		c.addTypeLocked(t)
		if b.arrayOid != types.InvalidOid {
			c.addTypeLocked(&TypeInfo{Oid: b.arrayOid, Name: "_" + b.name, Category: Array, ElemOid: b.oid})
		}
	}
	for _, p := range pseudos {
		t := &TypeInfo{Oid: p.oid, Name: p.name, Category: Pseudo}
		if p.oid == types.CstringOid || p.oid == types.UnknownOid {
			t.in, t.out = textIO(c, p.oid, p.name)
		}
		c.addTypeLocked(t)
	}
	c.addTypeLocked(&TypeInfo{Oid: types.RecordArrayOid, Name: "_record", Category: Pseudo, ElemOid: types.RecordOid})
	c.types[types.RecordOid].ArrayOid = types.RecordArrayOid
}

func (c *Catalog) scanText(oid types.Oid, name, s string, dst any) error {
	c.pgMtx.Lock()
	defer c.pgMtx.Unlock()
	if err := c.pg.Scan(uint32(oid), pgtype.TextFormatCode, []byte(s), dst); err != nil {
		return &InvalidInputError{TypeName: name, Input: s, Err: err}
	}
	return nil
}

func (c *Catalog) encodeText(oid types.Oid, v any) (string, error) {
	c.pgMtx.Lock()
	defer c.pgMtx.Unlock()
	buf, err := c.pg.Encode(uint32(oid), pgtype.TextFormatCode, v, nil)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func textIO(_ *Catalog, _ types.Oid, _ string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) { return types.TextDatum(s), nil }
	out := func(d types.Datum) (string, error) { return d.Text(), nil }
	return in, out
}

func boolIO(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		var b bool
		if err := c.scanText(oid, name, strings.TrimSpace(s), &b); err != nil {
			return types.Datum{}, err
		}
		return types.BoolDatum(b), nil
	}
	out := func(d types.Datum) (string, error) { return c.encodeText(oid, d.Bool()) }
	return in, out
}

func intIO(bits int) func(*Catalog, types.Oid, string) (inputFunc, outputFunc) {
	return func(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
		in := func(s string) (types.Datum, error) {
			s = strings.TrimSpace(s)
			switch bits {
			case 16:
				var v int16
				if err := c.scanText(oid, name, s, &v); err != nil {
					return types.Datum{}, err
				}
				return types.WordDatum(int64(v)), nil
			case 32:
				var v int32
				if err := c.scanText(oid, name, s, &v); err != nil {
					return types.Datum{}, err
				}
				return types.WordDatum(int64(v)), nil
			default:
				var v int64
				if err := c.scanText(oid, name, s, &v); err != nil {
					return types.Datum{}, err
				}
				return types.WordDatum(v), nil
			}
		}
		out := func(d types.Datum) (string, error) {
			switch bits {
			case 16:
				return c.encodeText(oid, int16(d.Int()))
			case 32:
				return c.encodeText(oid, int32(d.Int()))
			default:
				return c.encodeText(oid, d.Int())
			}
		}
		return in, out
	}
}

// oid text is a plain unsigned decimal.
func oidIO(_ *Catalog, _ types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return types.Datum{}, &InvalidInputError{TypeName: name, Input: s, Err: err}
		}
		return types.WordDatum(int64(v)), nil
	}
	out := func(d types.Datum) (string, error) {
		return strconv.FormatUint(uint64(uint32(d.Word())), 10), nil
	}
	return in, out
}

func floatIO(bits int) func(*Catalog, types.Oid, string) (inputFunc, outputFunc) {
	return func(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
		in := func(s string) (types.Datum, error) {
			s = strings.TrimSpace(s)
			if bits == 32 {
				var v float32
				if err := c.scanText(oid, name, s, &v); err != nil {
					return types.Datum{}, err
				}
				return types.FloatDatum(float64(v)), nil
			}
			var v float64
			if err := c.scanText(oid, name, s, &v); err != nil {
				return types.Datum{}, err
			}
			return types.FloatDatum(v), nil
		}
		out := func(d types.Datum) (string, error) {
			if bits == 32 {
				return c.encodeText(oid, float32(d.Float()))
			}
			return c.encodeText(oid, d.Float())
		}
		return in, out
	}
}

func byteaIO(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		var b []byte
		if err := c.scanText(oid, name, s, &b); err != nil {
			return types.Datum{}, err
		}
		return types.BytesDatum(b), nil
	}
	out := func(d types.Datum) (string, error) { return c.encodeText(oid, d.Bytes()) }
	return in, out
}

func dateIO(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		var v pgtype.Date
		if err := c.scanText(oid, name, strings.TrimSpace(s), &v); err != nil {
			return types.Datum{}, err
		}
		switch v.InfinityModifier {
		case pgtype.Infinity:
			return types.WordDatum(DateInfinity), nil
		case pgtype.NegativeInfinity:
			return types.WordDatum(DateNegInfinity), nil
		}
		return types.WordDatum(DateFromTime(v.Time)), nil
	}
	out := func(d types.Datum) (string, error) {
		v := pgtype.Date{Valid: true}
		switch d.Int() {
		case DateInfinity:
			v.InfinityModifier = pgtype.Infinity
		case DateNegInfinity:
			v.InfinityModifier = pgtype.NegativeInfinity
		default:
			v.Time = TimeFromDate(d.Int())
		}
		return c.encodeText(oid, v)
	}
	return in, out
}

func timeIO(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		var v pgtype.Time
		if err := c.scanText(oid, name, strings.TrimSpace(s), &v); err != nil {
			return types.Datum{}, err
		}
		return types.WordDatum(v.Microseconds), nil
	}
	out := func(d types.Datum) (string, error) {
		return c.encodeText(oid, pgtype.Time{Microseconds: d.Int(), Valid: true})
	}
	return in, out
}

func timestampIO(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		var v pgtype.Timestamp
		if err := c.scanText(oid, name, strings.TrimSpace(s), &v); err != nil {
			return types.Datum{}, err
		}
		return types.WordDatum(timestampWord(v.InfinityModifier, v.Time)), nil
	}
	out := func(d types.Datum) (string, error) {
		inf, t := timestampParts(d.Int())
		return c.encodeText(oid, pgtype.Timestamp{Time: t, InfinityModifier: inf, Valid: true})
	}
	return in, out
}

func timestamptzIO(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		var v pgtype.Timestamptz
		if err := c.scanText(oid, name, strings.TrimSpace(s), &v); err != nil {
			return types.Datum{}, err
		}
		return types.WordDatum(timestampWord(v.InfinityModifier, v.Time)), nil
	}
	out := func(d types.Datum) (string, error) {
		inf, t := timestampParts(d.Int())
		return c.encodeText(oid, pgtype.Timestamptz{Time: t, InfinityModifier: inf, Valid: true})
	}
	return in, out
}

func timestampWord(inf pgtype.InfinityModifier, t time.Time) int64 {
	switch inf {
	case pgtype.Infinity:
		return TimestampInfinity
	case pgtype.NegativeInfinity:
		return TimestampNegInfinity
	}
	return TimestampFromTime(t)
}

func timestampParts(w int64) (pgtype.InfinityModifier, time.Time) {
	switch w {
	case TimestampInfinity:
		return pgtype.Infinity, time.Time{}
	case TimestampNegInfinity:
		return pgtype.NegativeInfinity, time.Time{}
	}
	return pgtype.Finite, TimeFromTimestamp(w)
}

// pgtypeIO stores the binary wire encoding as the datum and converts through
// the codec registered for oid in both directions.
func pgtypeIO(c *Catalog, oid types.Oid, name string) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		c.pgMtx.Lock()
		defer c.pgMtx.Unlock()
		t, ok := c.pg.TypeForOID(uint32(oid))
		if !ok {
			return types.Datum{}, &types.UnsupportedTypeError{Oid: oid, Name: name, Reason: "no codec"}
		}
		v, err := t.Codec.DecodeValue(c.pg, uint32(oid), pgtype.TextFormatCode, []byte(strings.TrimSpace(s)))
		if err != nil {
			return types.Datum{}, &InvalidInputError{TypeName: name, Input: s, Err: err}
		}
		buf, err := c.pg.Encode(uint32(oid), pgtype.BinaryFormatCode, v, nil)
		if err != nil {
			return types.Datum{}, &InvalidInputError{TypeName: name, Input: s, Err: err}
		}
		return types.BytesDatum(buf), nil
	}
	out := func(d types.Datum) (string, error) {
		c.pgMtx.Lock()
		defer c.pgMtx.Unlock()
		t, ok := c.pg.TypeForOID(uint32(oid))
		if !ok {
			return "", &types.UnsupportedTypeError{Oid: oid, Name: name, Reason: "no codec"}
		}
		v, err := t.Codec.DecodeValue(c.pg, uint32(oid), pgtype.BinaryFormatCode, d.Bytes())
		if err != nil {
			return "", fmt.Errorf("corrupt %s datum: %w", name, err)
		}
		buf, err := c.pg.Encode(uint32(oid), pgtype.TextFormatCode, v, nil)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
	return in, out
}

func enumIO(t *TypeInfo) (inputFunc, outputFunc) {
	in := func(s string) (types.Datum, error) {
		for i, l := range t.EnumLabels {
			if l == s {
				return types.WordDatum(int64(i)), nil
			}
		}
		return types.Datum{}, &InvalidInputError{TypeName: t.Name, Input: s}
	}
	out := func(d types.Datum) (string, error) {
		i := d.Int()
		if i < 0 || i >= int64(len(t.EnumLabels)) {
			return "", fmt.Errorf("invalid internal value %d for enum %s", i, t.Name)
		}
		return t.EnumLabels[i], nil
	}
	return in, out
}
