package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	l, err := ParseLevel(" NOTICE ")
	require.NoError(t, err)
	assert.Equal(t, Notice, l)
	l, err = ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, Debug2, l)
	_, err = ParseLevel("verbose")
	require.Error(t, err)

	assert.True(t, Debug5.Loggable())
	assert.True(t, Warning.Loggable())
	assert.False(t, Error.Loggable())
	assert.False(t, Panic.Loggable())
	assert.Equal(t, "level(99)", Level(99).String())
}

func TestTriggerEventString(t *testing.T) {
	assert.Equal(t, "before insert row", (TriggerBefore | TriggerInsert | TriggerRow).String())
	assert.Equal(t, "after delete statement", (TriggerAfter | TriggerDelete).String())
	assert.Equal(t, "instead_of update row", (TriggerInsteadOf | TriggerUpdate | TriggerRow).String())
	assert.True(t, TriggerTruncate.IsStatement())
}

func TestSQLStateOf(t *testing.T) {
	assert.Equal(t, pgerrcode.SuccessfulCompletion, SQLStateOf(nil, pgerrcode.InternalError))
	assert.Equal(t, pgerrcode.InternalError, SQLStateOf(errors.New("boom"), pgerrcode.InternalError))

	stale := fmt.Errorf("reading attribute: %w", &StaleHandleError{Label: "tuple"})
	assert.Equal(t, pgerrcode.ObjectNotInPrerequisiteState, SQLStateOf(stale, pgerrcode.InternalError))
	assert.True(t, IsStaleHandle(stale))
	assert.Equal(t, "native handle to tuple has been invalidated", errors.Unwrap(stale).Error())

	mismatch := &SignatureMismatchError{Function: "public.f", Position: -1, Declared: "string", Oid: Int4Oid}
	assert.Equal(t, "function public.f: return type declared as string cannot carry oid 23", mismatch.Error())
	mismatch.Position = 0
	mismatch.Expected = "int32"
	assert.Equal(t, "function public.f: parameter 1 declared as string cannot carry oid 23 (expected int32)", mismatch.Error())
}

func TestCoercionError(t *testing.T) {
	cause := errors.New("out of range")
	err := &CoercionError{Oid: Int2Oid, Direction: ToNative, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "cannot convert oid 21 (object->datum): out of range", err.Error())
	err.TypeName = "int2"
	assert.Contains(t, err.Error(), "cannot convert int2")
}

func TestSQLError(t *testing.T) {
	cause := errors.New("underlying")
	err := NewSQLError("", "it failed", cause).WithDetail("some detail", "try again").WithRoutine("public.f")
	assert.Equal(t, pgerrcode.ExternalRoutineException, err.SQLState())
	assert.Equal(t, "it failed", err.Message())
	assert.Equal(t, "some detail", err.Detail())
	assert.Equal(t, "try again", err.Hint())
	assert.ErrorIs(t, err, cause)

	pg := err.PgError()
	assert.Equal(t, "public.f", pg.Routine)
	pg.Message = "changed"
	assert.Equal(t, "it failed", err.Message())

	got, ok := AsSQLError(fmt.Errorf("wrapped: %w", err))
	require.True(t, ok)
	assert.Same(t, err, got)
	_, ok = AsSQLError(cause)
	assert.False(t, ok)
}

func TestIsNil(t *testing.T) {
	var p *SQLError
	var e error = p
	assert.True(t, IsNil(nil))
	assert.True(t, IsNil(e))
	assert.True(t, IsNil([]int(nil)))
	assert.False(t, IsNil(0))
	assert.False(t, IsNil(&SQLError{}))
}

func TestChecksum(t *testing.T) {
	cs := ChecksumOf([]byte("code"))
	back, err := NewChecksum(cs.Bytes())
	require.NoError(t, err)
	assert.Equal(t, cs, back)
	assert.Len(t, cs.String(), 2*ChecksumLen)
	_, err = NewChecksum([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestTuples(t *testing.T) {
	desc := NewTupleDesc(RecordOid,
		Attribute{Name: "id", TypeOid: Int4Oid, NotNull: true},
		Attribute{Name: "name", TypeOid: TextOid},
	)
	assert.Equal(t, 1, desc.Index("name"))
	assert.Equal(t, -1, desc.Index("missing"))
	assert.Equal(t, []string{"id", "name"}, desc.Columns())

	_, err := NewTuple(desc, Null, NotNull(TextDatum("x")))
	require.ErrorContains(t, err, "not-null")
	_, err = NewTuple(desc, NotNull(WordDatum(1)))
	require.Error(t, err)

	tup, err := NewTuple(desc, NotNull(WordDatum(1)), NotNull(TextDatum("a")))
	require.NoError(t, err)
	mod, err := tup.Modify(map[int]NullableDatum{1: Null})
	require.NoError(t, err)
	name, err := tup.Value(1)
	require.NoError(t, err)
	assert.Equal(t, "a", name.Value.Text())
	name, err = mod.Value(1)
	require.NoError(t, err)
	assert.True(t, name.IsNull)
	assert.False(t, tup.Equal(mod))
	_, err = tup.Value(2)
	require.Error(t, err)

	empty := EmptyTuple(desc)
	assert.Equal(t, 2, empty.NumAttrs())
	_, err = empty.Modify(map[int]NullableDatum{1: NotNull(TextDatum("b"))})
	require.Error(t, err)
}

func TestFlatTuples(t *testing.T) {
	desc := NewTupleDesc(RecordOid,
		Attribute{Name: "n", TypeOid: Float8Oid},
		Attribute{Name: "b", TypeOid: ByteaOid},
		Attribute{Name: "z", TypeOid: TextOid},
	)
	tup, err := NewTuple(desc, NotNull(FloatDatum(1.5)), NotNull(BytesDatum([]byte{})), Null)
	require.NoError(t, err)

	flat, err := FlattenTuple(tup)
	require.NoError(t, err)
	oid, shape, err := FlatTupleType(flat)
	require.NoError(t, err)
	assert.Equal(t, RecordOid, oid)
	assert.True(t, shape.Equal(desc))

	back, err := ExpandTuple(flat, shape)
	require.NoError(t, err)
	assert.True(t, back.Equal(tup))

	_, err = ExpandTuple(flat, NewTupleDesc(RecordOid, Attribute{Name: "n", TypeOid: Float8Oid}))
	require.Error(t, err)
	_, _, err = FlatTupleType(WordDatum(3))
	require.Error(t, err)

	withPtr, err := NewTuple(NewTupleDesc(RecordOid, Attribute{Name: "p", TypeOid: InternalOid}), NotNull(PointerDatum(Pointer{})))
	require.NoError(t, err)
	_, err = FlattenTuple(withPtr)
	require.ErrorIs(t, err, ErrNotFlattenable)
}

func TestFlatArrays(t *testing.T) {
	values := []NullableDatum{NotNull(WordDatum(1)), Null, NotNull(WordDatum(-3))}
	flat, err := FlattenArray(Int4Oid, values)
	require.NoError(t, err)
	elem, back, err := ExpandArray(flat)
	require.NoError(t, err)
	assert.Equal(t, Int4Oid, elem)
	require.Len(t, back, 3)
	for i := range values {
		assert.True(t, values[i].Equal(back[i]), "element %d", i)
	}
}
