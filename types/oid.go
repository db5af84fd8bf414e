package types

import (
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"
)

// Oid identifies a catalog object (type, function, relation) in the backend.
type Oid uint32

func (o Oid) String() string {
	return strconv.FormatUint(uint64(o), 10)
}

// InvalidOid is the zero Oid. It never names a catalog object.
const InvalidOid Oid = 0

// Built-in type Oids. The values match the backend's bootstrap catalog.
const (
	BoolOid        Oid = pgtype.BoolOID
	ByteaOid       Oid = pgtype.ByteaOID
	CharOid        Oid = pgtype.QCharOID
	NameOid        Oid = pgtype.NameOID
	Int8Oid        Oid = pgtype.Int8OID
	Int2Oid        Oid = pgtype.Int2OID
	Int4Oid        Oid = pgtype.Int4OID
	TextOid        Oid = pgtype.TextOID
	OidOid         Oid = pgtype.OIDOID
	JSONOid        Oid = pgtype.JSONOID
	Float4Oid      Oid = pgtype.Float4OID
	Float8Oid      Oid = pgtype.Float8OID
	UnknownOid     Oid = pgtype.UnknownOID
	BPCharOid      Oid = pgtype.BPCharOID
	VarcharOid     Oid = pgtype.VarcharOID
	DateOid        Oid = pgtype.DateOID
	TimeOid        Oid = pgtype.TimeOID
	TimestampOid   Oid = pgtype.TimestampOID
	TimestamptzOid Oid = pgtype.TimestamptzOID
	IntervalOid    Oid = pgtype.IntervalOID
	NumericOid     Oid = pgtype.NumericOID
	UUIDOid        Oid = pgtype.UUIDOID
	JSONBOid       Oid = pgtype.JSONBOID

	BoolArrayOid   Oid = pgtype.BoolArrayOID
	Int2ArrayOid   Oid = pgtype.Int2ArrayOID
	Int4ArrayOid   Oid = pgtype.Int4ArrayOID
	Int8ArrayOid   Oid = pgtype.Int8ArrayOID
	TextArrayOid   Oid = pgtype.TextArrayOID
	Float4ArrayOid Oid = pgtype.Float4ArrayOID
	Float8ArrayOid Oid = pgtype.Float8ArrayOID
)

// Pseudo-type Oids. pgtype does not carry these.
const (
	RecordOid      Oid = 2249
	CstringOid     Oid = 2275
	AnyOid         Oid = 2276
	AnyArrayOid    Oid = 2277
	VoidOid        Oid = 2278
	TriggerOid     Oid = 2279
	InternalOid    Oid = 2281
	AnyElementOid  Oid = 2283
	RecordArrayOid Oid = 2287
)

// FirstNormalOid is the first Oid handed out to user-created catalog objects.
const FirstNormalOid Oid = 16384
