package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/internal/deploy"
	"github.com/plbridge/plbridge/internal/handle"
	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/internal/spi"
	"github.com/plbridge/plbridge/internal/txn"
	"github.com/plbridge/plbridge/internal/wasm"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// addWasm exports add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

type fixture struct {
	cat      *catalog.Catalog
	store    *deploy.Store
	resolver *Resolver
	txn      *txn.Manager
	spi      *spi.Executor
	d        *Dispatcher
}

func withDispatcher(t *testing.T, bundles ...pl.Bundle) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()
	sys := memory.NewSystem()
	cat := catalog.New()

	store, err := deploy.Open(types.CatalogOptions{}, logger)
	require.NoError(t, err)
	rt, err := wasm.NewRuntime(ctx, types.WasmLimits{MemoryLimit: types.NewSizeMebi(1)}, logger)
	require.NoError(t, err)
	mgr := txn.NewManager(sys, logger)
	r := NewResolver(store, rt, []types.Permission{types.PermissionSPI}, logger)
	d, err := NewDispatcher(Options{
		Catalog:           cat,
		Registry:          coerce.NewRegistry(cat, logger),
		Cache:             handle.NewCache(sys, logger),
		Resolver:          r,
		Txn:               mgr,
		FunctionCacheSize: 64,
		Logger:            logger,
	})
	require.NoError(t, err)
	x, err := spi.Open(types.SPIOptions{}, d.CurrentEnv, mgr.Active, logger)
	require.NoError(t, err)
	mgr.Listeners().Register(x)
	mgr.SubListeners().Register(x)
	d.SetSession(NewSession(d, x, mgr, types.Debug5, "tester", logger))

	var path []string
	for _, b := range bundles {
		require.NoError(t, r.RegisterBundle(b))
		path = append(path, b.Name)
	}
	require.NoError(t, store.SetClasspath(DefaultSchema, path))
	require.NoError(t, mgr.Begin())

	t.Cleanup(func() {
		if mgr.Active() {
			_ = mgr.Abort()
		}
		d.Close()
		_ = x.Close()
		_ = rt.Close(ctx)
		_ = store.Close()
	})
	return &fixture{cat: cat, store: store, resolver: r, txn: mgr, spi: x, d: d}
}

func (f *fixture) create(t *testing.T, info catalog.FunctionInfo) types.Oid {
	t.Helper()
	if info.Schema == "" {
		info.Schema = DefaultSchema
	}
	if info.Name == "" {
		info.Name = strings.ToLower(strings.ReplaceAll(info.Src, ".", "_"))
	}
	fn, err := f.cat.CreateFunction(info)
	require.NoError(t, err)
	return fn.Oid
}

func int4(v int64) types.NullableDatum { return types.NotNull(types.WordDatum(v)) }

func text(s string) types.NullableDatum { return types.NotNull(types.TextDatum(s)) }

func requireSQLState(t *testing.T, err error, code string) *types.SQLError {
	t.Helper()
	require.Error(t, err)
	se, ok := types.AsSQLError(err)
	require.True(t, ok, "not a SQL error: %v", err)
	assert.Equal(t, code, se.SQLState(), se.Error())
	return se
}

func collect(t *testing.T, f *fixture, ci *CallInfo) []types.NullableDatum {
	t.Helper()
	var out []types.NullableDatum
	for {
		v, more, err := f.d.CallSet(context.Background(), ci)
		require.NoError(t, err)
		if !more {
			return out
		}
		out = append(out, v)
	}
}

func TestCallPlainFunction(t *testing.T) {
	f := withDispatcher(t, pl.Bundle{Name: "math", Classes: map[string]pl.Class{
		"Math": {
			"add":    func(a, b int32) int32 { return a + b },
			"concat": func(ctx context.Context, a, b string) (string, error) { return a + b, nil },
		},
	}})
	ctx := context.Background()

	add := f.create(t, catalog.FunctionInfo{Src: "Math.add", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid})
	res, err := f.d.Call(ctx, &CallInfo{Fn: add, Args: []types.NullableDatum{int4(2), int4(3)}})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(5)))

	concat := f.create(t, catalog.FunctionInfo{Src: "Math.concat", ArgTypes: []types.Oid{types.TextOid, types.TextOid}, RetType: types.TextOid})
	res, err = f.d.Call(ctx, &CallInfo{Fn: concat, Args: []types.NullableDatum{text("foo"), text("bar")}})
	require.NoError(t, err)
	assert.Equal(t, "foobar", res.Value.Text())

	_, err = f.d.Call(ctx, &CallInfo{Fn: add, Args: []types.NullableDatum{int4(1)}})
	requireSQLState(t, err, pgerrcode.UndefinedParameter)

	// nothing leaks into the transaction context
	_, err = f.d.CurrentEnv()
	require.ErrorIs(t, err, ErrNotInCall)
}

func TestStrictAndNullArguments(t *testing.T) {
	calls := 0
	f := withDispatcher(t, pl.Bundle{Name: "nulls", Classes: map[string]pl.Class{
		"N": {
			"strict": func(a int32) int32 { calls++; return a },
			"plain":  func(a int32) int32 { calls++; return a },
			"boxed": func(a *int32) int32 {
				calls++
				if a == nil {
					return -1
				}
				return *a
			},
		},
	}})
	ctx := context.Background()
	args := []types.NullableDatum{types.Null}

	strict := f.create(t, catalog.FunctionInfo{Src: "N.strict", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid, Strict: true})
	res, err := f.d.Call(ctx, &CallInfo{Fn: strict, Args: args})
	require.NoError(t, err)
	assert.True(t, res.IsNull)
	assert.Equal(t, 0, calls)

	plain := f.create(t, catalog.FunctionInfo{Src: "N.plain", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: plain, Args: args})
	se := requireSQLState(t, err, pgerrcode.DataException)
	assert.Equal(t, "public.n_plain", se.PgError().Routine)
	var ce *types.CoercionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.ToManaged, ce.Direction)
	assert.Equal(t, 0, calls)

	boxed := f.create(t, catalog.FunctionInfo{Src: "N.boxed", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid})
	res, err = f.d.Call(ctx, &CallInfo{Fn: boxed, Args: args})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(-1)))
	assert.Equal(t, 1, calls)
}

func TestCallStates(t *testing.T) {
	f := withDispatcher(t, pl.Bundle{Name: "states", Classes: map[string]pl.Class{
		"S": {
			"ok":   func(a int32) int32 { return a },
			"fail": func(a int32) (int32, error) { return 0, errors.New("no") },
		},
	}})
	var seen []State
	f.d.SetObserver(func(fn string, s State) { seen = append(seen, s) })
	ctx := context.Background()

	ok := f.create(t, catalog.FunctionInfo{Src: "S.ok", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid})
	_, err := f.d.Call(ctx, &CallInfo{Fn: ok, Args: []types.NullableDatum{int4(1)}})
	require.NoError(t, err)
	assert.Equal(t, []State{Entered, ArgsCoerced, Invoked, ResultCoerced, Returned}, seen)

	seen = nil
	fail := f.create(t, catalog.FunctionInfo{Src: "S.fail", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: fail, Args: []types.NullableDatum{int4(1)}})
	require.Error(t, err)
	assert.Equal(t, []State{Entered, ArgsCoerced, Failed}, seen)
}

func TestErrorTranslation(t *testing.T) {
	f := withDispatcher(t, pl.Bundle{Name: "errs", Classes: map[string]pl.Class{
		"E": {
			"raise": func() error {
				return &pl.Error{Code: pgerrcode.CheckViolation, Message: "too small", Detail: "got 1", Hint: "use 2"}
			},
			"plain": func() error { return errors.New("broken") },
			"boom":  func() int32 { panic("boom") },
		},
	}})
	ctx := context.Background()

	raise := f.create(t, catalog.FunctionInfo{Src: "E.raise", RetType: types.VoidOid})
	_, err := f.d.Call(ctx, &CallInfo{Fn: raise})
	se := requireSQLState(t, err, pgerrcode.CheckViolation)
	assert.Equal(t, "too small", se.Message())
	assert.Equal(t, "got 1", se.Detail())
	assert.Equal(t, "use 2", se.Hint())

	plain := f.create(t, catalog.FunctionInfo{Src: "E.plain", RetType: types.VoidOid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: plain})
	se = requireSQLState(t, err, pgerrcode.ExternalRoutineException)
	assert.Equal(t, "broken", se.Message())

	boom := f.create(t, catalog.FunctionInfo{Src: "E.boom", RetType: types.Int4Oid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: boom})
	requireSQLState(t, err, pgerrcode.ExternalRoutineException)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.Equal(t, "public.e_boom", pe.Function)

	// the session stays usable after a panic
	res, err := f.d.Call(ctx, &CallInfo{Fn: raise})
	require.Error(t, err)
	assert.True(t, res.IsNull)
}

func TestResolutionFailures(t *testing.T) {
	f := withDispatcher(t, pl.Bundle{Name: "sig", Classes: map[string]pl.Class{
		"S": {
			"int":  func(a int32) int32 { return a },
			"none": func(a int32) {},
		},
	}})
	ctx := context.Background()

	missing := f.create(t, catalog.FunctionInfo{Src: "S.missing", RetType: types.VoidOid})
	requireSQLState(t, f.d.Validate(ctx, missing), pgerrcode.UndefinedFunction)

	badSrc := f.create(t, catalog.FunctionInfo{Name: "bad_src", Src: "nodot", RetType: types.VoidOid})
	requireSQLState(t, f.d.Validate(ctx, badSrc), pgerrcode.InvalidFunctionDefinition)

	arity := f.create(t, catalog.FunctionInfo{Name: "arity", Src: "S.int", RetType: types.Int4Oid})
	requireSQLState(t, f.d.Validate(ctx, arity), pgerrcode.InvalidFunctionDefinition)

	mismatch := f.create(t, catalog.FunctionInfo{Name: "mismatch", Src: "S.int", ArgTypes: []types.Oid{types.ByteaOid}, RetType: types.Int4Oid})
	err := f.d.Validate(ctx, mismatch)
	requireSQLState(t, err, pgerrcode.InvalidFunctionDefinition)
	var sm *types.SignatureMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, 0, sm.Position)

	noResult := f.create(t, catalog.FunctionInfo{Name: "no_result", Src: "S.none", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid})
	err = f.d.Validate(ctx, noResult)
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, -1, sm.Position)

	setOnPlain := f.create(t, catalog.FunctionInfo{Name: "set_on_plain", Src: "S.int", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid, RetSet: true})
	requireSQLState(t, f.d.Validate(ctx, setOnPlain), pgerrcode.InvalidFunctionDefinition)
}

func TestPolymorphicFunctions(t *testing.T) {
	f := withDispatcher(t, pl.Bundle{Name: "poly", Classes: map[string]pl.Class{
		"P": {
			"identity": func(v any) any { return v },
			"first": func(vs []any) any {
				if len(vs) == 0 {
					return nil
				}
				return vs[0]
			},
			"pick": func(a, b any) any { return b },
		},
	}})
	ctx := context.Background()

	identity := f.create(t, catalog.FunctionInfo{Src: "P.identity", ArgTypes: []types.Oid{types.AnyElementOid}, RetType: types.AnyElementOid})
	res, err := f.d.Call(ctx, &CallInfo{Fn: identity, Args: []types.NullableDatum{int4(7)}, ArgTypes: []types.Oid{types.Int4Oid}})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(7)))
	res, err = f.d.Call(ctx, &CallInfo{Fn: identity, Args: []types.NullableDatum{text("x")}, ArgTypes: []types.Oid{types.TextOid}})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Value.Text())

	_, err = f.d.Call(ctx, &CallInfo{Fn: identity, Args: []types.NullableDatum{int4(7)}})
	requireSQLState(t, err, pgerrcode.IndeterminateDatatype)

	first := f.create(t, catalog.FunctionInfo{Src: "P.first", ArgTypes: []types.Oid{types.AnyArrayOid}, RetType: types.AnyElementOid})
	arr, err := types.FlattenArray(types.Int4Oid, []types.NullableDatum{int4(3), int4(4)})
	require.NoError(t, err)
	res, err = f.d.Call(ctx, &CallInfo{Fn: first, Args: []types.NullableDatum{types.NotNull(arr)}, ArgTypes: []types.Oid{types.Int4ArrayOid}})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(3)))
	_, err = f.d.Call(ctx, &CallInfo{Fn: first, Args: []types.NullableDatum{int4(1)}, ArgTypes: []types.Oid{types.Int4Oid}})
	requireSQLState(t, err, pgerrcode.DatatypeMismatch)

	pick := f.create(t, catalog.FunctionInfo{Src: "P.pick", ArgTypes: []types.Oid{types.AnyElementOid, types.AnyElementOid}, RetType: types.AnyElementOid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: pick, Args: []types.NullableDatum{int4(1), text("b")}, ArgTypes: []types.Oid{types.Int4Oid, types.TextOid}})
	requireSQLState(t, err, pgerrcode.DatatypeMismatch)

	orphan := f.create(t, catalog.FunctionInfo{Name: "orphan", Src: "P.identity", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.AnyElementOid})
	requireSQLState(t, f.d.Validate(ctx, orphan), pgerrcode.InvalidFunctionDefinition)
}

func TestEnumThroughTextForm(t *testing.T) {
	f := withDispatcher(t, pl.Bundle{Name: "moods", Classes: map[string]pl.Class{
		"Moods": {
			"cheer": func(m string) string {
				if m == "sad" {
					return "ok"
				}
				return m
			},
			"worsen": func(m string) string { return "furious" },
		},
	}})
	ctx := context.Background()
	mood, err := f.cat.CreateEnum("mood", "sad", "ok", "happy")
	require.NoError(t, err)
	sad, err := f.cat.Input(mood.Oid, "sad")
	require.NoError(t, err)

	cheer := f.create(t, catalog.FunctionInfo{Src: "Moods.cheer", ArgTypes: []types.Oid{mood.Oid}, RetType: mood.Oid})
	res, err := f.d.Call(ctx, &CallInfo{Fn: cheer, Args: []types.NullableDatum{types.NotNull(sad)}})
	require.NoError(t, err)
	out, err := f.cat.Output(mood.Oid, res.Value)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	worsen := f.create(t, catalog.FunctionInfo{Src: "Moods.worsen", ArgTypes: []types.Oid{mood.Oid}, RetType: mood.Oid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: worsen, Args: []types.NullableDatum{types.NotNull(sad)}})
	require.Error(t, err)
	var ce *types.CoercionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.ToNative, ce.Direction)
}

// countingIter yields 1..n and fails at failAt when set.
type countingIter struct {
	n, pos, failAt int
	err            error
	closed         *int
}

func (it *countingIter) Next() bool {
	it.pos++
	if it.failAt > 0 && it.pos == it.failAt {
		it.err = fmt.Errorf("failed at %d", it.pos)
		return false
	}
	return it.pos <= it.n
}

func (it *countingIter) Value() any { return int32(it.pos) }

func (it *countingIter) Err() error { return it.err }

func (it *countingIter) Close() error {
	*it.closed++
	return nil
}

func TestSetOfScalars(t *testing.T) {
	closed := 0
	f := withDispatcher(t, pl.Bundle{Name: "sets", Classes: map[string]pl.Class{
		"Sets": {
			"count": func(n int32) pl.Iterator { return &countingIter{n: int(n), closed: &closed} },
			"fail":  func(n int32) pl.Iterator { return &countingIter{n: 10, failAt: int(n), closed: &closed} },
			"evens": func(n int32) []int32 {
				var out []int32
				for i := int32(0); i < n; i += 2 {
					out = append(out, i)
				}
				return out
			},
		},
	}})
	ctx := context.Background()
	count := f.create(t, catalog.FunctionInfo{Src: "Sets.count", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid, RetSet: true})

	ci := &CallInfo{Fn: count, Args: []types.NullableDatum{int4(3)}}
	rows := collect(t, f, ci)
	require.Len(t, rows, 3)
	assert.True(t, rows[2].Equal(int4(3)))
	assert.Equal(t, 1, closed)
	assert.Nil(t, ci.SRF)
	assert.Zero(t, f.d.OpenSets())

	// zero rows still close
	closed = 0
	assert.Empty(t, collect(t, f, &CallInfo{Fn: count, Args: []types.NullableDatum{int4(0)}}))
	assert.Equal(t, 1, closed)

	// early shutdown
	closed = 0
	ci = &CallInfo{Fn: count, Args: []types.NullableDatum{int4(5)}}
	_, more, err := f.d.CallSet(ctx, ci)
	require.NoError(t, err)
	require.True(t, more)
	assert.Equal(t, 1, f.d.OpenSets())
	require.NoError(t, f.d.ShutdownSRF(ci))
	require.NoError(t, f.d.ShutdownSRF(ci))
	assert.Equal(t, 1, closed)
	assert.Zero(t, f.d.OpenSets())

	// an error mid-set
	closed = 0
	failing := f.create(t, catalog.FunctionInfo{Src: "Sets.fail", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid, RetSet: true})
	ci = &CallInfo{Fn: failing, Args: []types.NullableDatum{int4(2)}}
	_, more, err = f.d.CallSet(ctx, ci)
	require.NoError(t, err)
	require.True(t, more)
	_, more, err = f.d.CallSet(ctx, ci)
	requireSQLState(t, err, pgerrcode.ExternalRoutineException)
	assert.False(t, more)
	assert.Equal(t, 1, closed)
	assert.Nil(t, ci.SRF)

	evens := f.create(t, catalog.FunctionInfo{Src: "Sets.evens", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid, RetSet: true})
	rows = collect(t, f, &CallInfo{Fn: evens, Args: []types.NullableDatum{int4(5)}})
	require.Len(t, rows, 3)
	assert.True(t, rows[1].Equal(int4(2)))

	_, err = f.d.Call(ctx, &CallInfo{Fn: evens, Args: []types.NullableDatum{int4(5)}})
	requireSQLState(t, err, pgerrcode.FeatureNotSupported)
}

func TestOpenSetsCloseWithTheTransaction(t *testing.T) {
	closed := 0
	f := withDispatcher(t, pl.Bundle{Name: "sets", Classes: map[string]pl.Class{
		"Sets": {"count": func(n int32) pl.Iterator { return &countingIter{n: int(n), closed: &closed} }},
	}})
	count := f.create(t, catalog.FunctionInfo{Src: "Sets.count", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid, RetSet: true})

	ci := &CallInfo{Fn: count, Args: []types.NullableDatum{int4(5)}}
	_, _, err := f.d.CallSet(context.Background(), ci)
	require.NoError(t, err)
	require.NoError(t, f.txn.Abort())
	assert.Equal(t, 1, closed)
	assert.Zero(t, f.d.OpenSets())

	require.NoError(t, f.txn.Begin())
	_, more, err := f.d.CallSet(context.Background(), ci)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, 1, closed)
}

type pairProvider struct {
	n      int
	closed *int
}

func (p *pairProvider) AssignRowValues(row pl.WritableRow, rowNum int) (bool, error) {
	if rowNum >= p.n {
		return false, nil
	}
	if err := row.Set(0, int32(rowNum)); err != nil {
		return false, err
	}
	return true, row.SetByName("v", fmt.Sprintf("v%d", rowNum))
}

func (p *pairProvider) Close() error {
	*p.closed++
	return nil
}

func TestSetOfRows(t *testing.T) {
	closed := 0
	f := withDispatcher(t, pl.Bundle{Name: "rows", Classes: map[string]pl.Class{
		"Rows": {
			"pairs": func(n int32) pl.ResultSetProvider { return &pairProvider{n: int(n), closed: &closed} },
		},
	}})
	pair, err := f.cat.CreateComposite("pair",
		types.Attribute{Name: "k", TypeOid: types.Int4Oid},
		types.Attribute{Name: "v", TypeOid: types.TextOid})
	require.NoError(t, err)

	pairs := f.create(t, catalog.FunctionInfo{Src: "Rows.pairs", ArgTypes: []types.Oid{types.Int4Oid}, RetType: pair.Oid, RetSet: true})
	rows := collect(t, f, &CallInfo{Fn: pairs, Args: []types.NullableDatum{int4(2)}})
	require.Len(t, rows, 2)
	tup, err := types.ExpandTuple(rows[1].Value, pair.RelDesc)
	require.NoError(t, err)
	k, err := tup.Value(0)
	require.NoError(t, err)
	assert.True(t, k.Equal(int4(1)))
	v, err := tup.Value(1)
	require.NoError(t, err)
	assert.Equal(t, "v1", v.Value.Text())
	assert.Equal(t, 1, closed)

	// record results need the caller's row shape
	records := f.create(t, catalog.FunctionInfo{Name: "records", Src: "Rows.pairs", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.RecordOid, RetSet: true})
	_, _, err = f.d.CallSet(context.Background(), &CallInfo{Fn: records, Args: []types.NullableDatum{int4(1)}})
	requireSQLState(t, err, pgerrcode.FeatureNotSupported)

	desc := types.NewTupleDesc(types.RecordOid,
		types.Attribute{Name: "k", TypeOid: types.Int4Oid},
		types.Attribute{Name: "v", TypeOid: types.TextOid})
	rows = collect(t, f, &CallInfo{Fn: records, Args: []types.NullableDatum{int4(3)}, ResultDesc: desc})
	assert.Len(t, rows, 3)
}

func TestTriggers(t *testing.T) {
	var sawOld, sawNew bool
	f := withDispatcher(t, pl.Bundle{Name: "audit", Classes: map[string]pl.Class{
		"Audit": {
			"clamp": func(td pl.TriggerData) error {
				age, err := td.New().GetByName("age")
				if err != nil {
					return err
				}
				if age.(int32) > 120 {
					return td.New().SetByName("age", int32(120))
				}
				return nil
			},
			"guard": func(td pl.TriggerData) error {
				if w, ok := td.Old().(pl.WritableRow); ok {
					return w.Set(0, "mallory")
				}
				return nil
			},
			"skip": func(td pl.TriggerData) error { return td.Suppress() },
			"observe": func(ctx context.Context, td pl.TriggerData) error {
				sawOld, sawNew = td.Old() != nil, td.New() != nil
				assert.Equal(t, []string{"a", "b"}, td.Arguments())
				return nil
			},
			"bad": func(td pl.TriggerData) int32 { return 0 },
		},
	}})
	ctx := context.Background()
	rel, err := f.cat.CreateRelation("people",
		types.Attribute{Name: "name", TypeOid: types.TextOid},
		types.Attribute{Name: "age", TypeOid: types.Int4Oid})
	require.NoError(t, err)
	row := func(name string, age int64) *types.Tuple {
		tup, err := types.NewTuple(rel.Desc, text(name), int4(age))
		require.NoError(t, err)
		return tup
	}
	trigger := func(src string) *catalog.TriggerInfo {
		oid := f.create(t, catalog.FunctionInfo{Src: src, RetType: types.TriggerOid})
		require.NoError(t, f.d.Validate(ctx, oid))
		return &catalog.TriggerInfo{Name: strings.ToLower(src), Relation: rel.Oid, Function: oid, Args: []string{"a", "b"}}
	}
	beforeInsert := types.TriggerBefore | types.TriggerRow | types.TriggerInsert

	clamp := trigger("Audit.clamp")
	out, err := f.d.FireTrigger(ctx, clamp, rel, beforeInsert, nil, row("ada", 200))
	require.NoError(t, err)
	assert.True(t, out.Equal(row("ada", 120)))
	in := row("bob", 40)
	out, err = f.d.FireTrigger(ctx, clamp, rel, beforeInsert, nil, in)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))

	guard := trigger("Audit.guard")
	_, err = f.d.FireTrigger(ctx, guard, rel, types.TriggerBefore|types.TriggerRow|types.TriggerUpdate, row("ada", 1), row("ada", 2))
	require.ErrorIs(t, err, pl.ErrReadOnlyRow)

	skip := trigger("Audit.skip")
	out, err = f.d.FireTrigger(ctx, skip, rel, beforeInsert, nil, row("eve", 1))
	require.NoError(t, err)
	assert.Nil(t, out)
	_, err = f.d.FireTrigger(ctx, skip, rel, types.TriggerAfter|types.TriggerRow|types.TriggerInsert, nil, row("eve", 1))
	requireSQLState(t, err, pgerrcode.TriggerProtocolViolated)

	observe := trigger("Audit.observe")
	out, err = f.d.FireTrigger(ctx, observe, rel, types.TriggerAfter|types.TriggerInsert, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, sawOld)
	assert.False(t, sawNew)
	_, err = f.d.FireTrigger(ctx, observe, rel, types.TriggerAfter|types.TriggerRow|types.TriggerUpdate, row("a", 1), row("a", 2))
	require.NoError(t, err)
	assert.True(t, sawOld)
	assert.True(t, sawNew)

	bad := f.create(t, catalog.FunctionInfo{Src: "Audit.bad", RetType: types.TriggerOid})
	err = f.d.Validate(ctx, bad)
	requireSQLState(t, err, pgerrcode.TriggerProtocolViolated)
	var tce *types.TriggerContractError
	require.ErrorAs(t, err, &tce)

	_, err = f.d.Call(ctx, &CallInfo{Fn: clamp.Function})
	requireSQLState(t, err, pgerrcode.FeatureNotSupported)
}

func TestWasmFunctions(t *testing.T) {
	f := withDispatcher(t)
	ctx := context.Background()
	require.NoError(t, f.store.Install(deploy.Bundle{
		Name: "math", Kind: deploy.KindWasm, Code: addWasm, Checksum: types.ChecksumOf(addWasm).Bytes(),
	}))
	require.NoError(t, f.store.SetClasspath(DefaultSchema, []string{"math"}))

	add := f.create(t, catalog.FunctionInfo{Src: "math.add", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid})
	res, err := f.d.Call(ctx, &CallInfo{Fn: add, Args: []types.NullableDatum{int4(-2), int4(9)}})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(7)))

	_, err = f.d.Call(ctx, &CallInfo{Fn: add, Args: []types.NullableDatum{types.Null, int4(9)}})
	requireSQLState(t, err, pgerrcode.DataException)

	set := f.create(t, catalog.FunctionInfo{Name: "add_set", Src: "math.add", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid, RetSet: true})
	requireSQLState(t, f.d.Validate(ctx, set), pgerrcode.FeatureNotSupported)

	trig := f.create(t, catalog.FunctionInfo{Name: "add_trigger", Src: "math.add", RetType: types.TriggerOid})
	requireSQLState(t, f.d.Validate(ctx, trig), pgerrcode.TriggerProtocolViolated)
}

func TestClasspathChangesNeedInvalidation(t *testing.T) {
	f := withDispatcher(t,
		pl.Bundle{Name: "v1", Classes: map[string]pl.Class{"Greeter": {"hello": func() string { return "one" }}}},
		pl.Bundle{Name: "v2", Classes: map[string]pl.Class{"Greeter": {"hello": func() string { return "two" }}}},
	)
	ctx := context.Background()
	hello := f.create(t, catalog.FunctionInfo{Src: "Greeter.hello", RetType: types.TextOid})

	res, err := f.d.Call(ctx, &CallInfo{Fn: hello})
	require.NoError(t, err)
	assert.Equal(t, "one", res.Value.Text())

	require.NoError(t, f.store.SetClasspath(DefaultSchema, []string{"v2", "v1"}))
	f.d.InvalidateAll()
	res, err = f.d.Call(ctx, &CallInfo{Fn: hello})
	require.NoError(t, err)
	assert.Equal(t, "two", res.Value.Text())

	// schemas without a classpath search public
	other := f.create(t, catalog.FunctionInfo{Schema: "other", Name: "hello", Src: "Greeter.hello", RetType: types.TextOid})
	res, err = f.d.Call(ctx, &CallInfo{Fn: other})
	require.NoError(t, err)
	assert.Equal(t, "two", res.Value.Text())
}

func TestTrustedFunctionsRefuseUntrustedBundles(t *testing.T) {
	f := withDispatcher(t, pl.Bundle{
		Name:        "net",
		Permissions: []types.Permission{types.PermissionNetwork},
		Classes:     map[string]pl.Class{"Net": {"ping": func() string { return "pong" }}},
	})
	ctx := context.Background()

	untrusted := f.create(t, catalog.FunctionInfo{Src: "Net.ping", RetType: types.TextOid})
	require.NoError(t, f.d.Validate(ctx, untrusted))
	trusted := f.create(t, catalog.FunctionInfo{Name: "ping_trusted", Src: "Net.ping", RetType: types.TextOid, Trusted: true})
	requireSQLState(t, f.d.Validate(ctx, trusted), pgerrcode.InsufficientPrivilege)
}

func TestSessionFromContext(t *testing.T) {
	notes := pl.Class{
		"add": func(ctx context.Context, body string) (int64, error) {
			s, ok := pl.SessionFrom(ctx)
			if !ok {
				return 0, errors.New("no session")
			}
			if err := s.Log(types.Notice, "adding "+body); err != nil {
				return 0, err
			}
			return s.Exec(ctx, "INSERT INTO notes (body) VALUES (?)", body)
		},
		"count": func(ctx context.Context) (int64, error) {
			s, _ := pl.SessionFrom(ctx)
			rows, err := s.Query(ctx, "SELECT count(*) FROM notes")
			if err != nil {
				return 0, err
			}
			v, err := rows[0].Get(0)
			if err != nil {
				return 0, err
			}
			return v.(int64), nil
		},
		"shout": func(ctx context.Context) error {
			s, _ := pl.SessionFrom(ctx)
			return s.Log(types.Error, "no")
		},
		"user": func(ctx context.Context) string {
			s, _ := pl.SessionFrom(ctx)
			return s.UserName()
		},
	}
	f := withDispatcher(t,
		pl.Bundle{Name: "notes", Permissions: []types.Permission{types.PermissionSPI}, Classes: map[string]pl.Class{"Notes": notes}},
		pl.Bundle{Name: "sandbox", Classes: map[string]pl.Class{"Sandbox": notes}},
	)
	ctx := context.Background()
	require.NoError(t, f.d.Run(ctx, "setup", func(ctx context.Context) error {
		_, err := f.spi.Exec(ctx, "CREATE TABLE notes (body TEXT NOT NULL)")
		return err
	}))

	add := f.create(t, catalog.FunctionInfo{Src: "Notes.add", ArgTypes: []types.Oid{types.TextOid}, RetType: types.Int8Oid})
	res, err := f.d.Call(ctx, &CallInfo{Fn: add, Args: []types.NullableDatum{text("hi")}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Value.Int())

	count := f.create(t, catalog.FunctionInfo{Src: "Notes.count", RetType: types.Int8Oid})
	res, err = f.d.Call(ctx, &CallInfo{Fn: count})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Value.Int())

	shout := f.create(t, catalog.FunctionInfo{Src: "Notes.shout", RetType: types.VoidOid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: shout})
	require.ErrorIs(t, err, types.ErrLevelNotLoggable)

	user := f.create(t, catalog.FunctionInfo{Src: "Notes.user", RetType: types.TextOid})
	res, err = f.d.Call(ctx, &CallInfo{Fn: user})
	require.NoError(t, err)
	assert.Equal(t, "tester", res.Value.Text())

	sandboxed := f.create(t, catalog.FunctionInfo{Src: "Sandbox.add", ArgTypes: []types.Oid{types.TextOid}, RetType: types.Int8Oid})
	_, err = f.d.Call(ctx, &CallInfo{Fn: sandboxed, Args: []types.NullableDatum{text("hi")}})
	requireSQLState(t, err, pgerrcode.InsufficientPrivilege)

	// the statement is rolled back with the transaction
	require.NoError(t, f.txn.Abort())
	require.NoError(t, f.txn.Begin())
	_, err = f.d.Call(ctx, &CallInfo{Fn: count})
	requireSQLState(t, err, pgerrcode.SyntaxErrorOrAccessRuleViolation)
}

func TestSRFFrames(t *testing.T) {
	frames := newSRFFrames()
	a, b := &SRFState{}, &SRFState{}
	assert.Equal(t, uint64(1), frames.start(a))
	assert.Equal(t, uint64(2), frames.start(b))
	assert.True(t, frames.end(1))
	assert.False(t, frames.end(1))
	assert.Equal(t, []*SRFState{b}, frames.drain())
	assert.Zero(t, frames.len())
}
