package plbridge

import (
	"context"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plbridge/plbridge/internal/api"
	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/internal/heap"
	"github.com/plbridge/plbridge/internal/txn"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

const TESTING_MEMORY_LIMIT = 1 // MiB

// mathWasm exports add(i32, i32) -> i32 and a no-op deploy().
var mathWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x07, 0x10, 0x02,
	0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x06, 0x64, 0x65, 0x70, 0x6c, 0x6f, 0x79, 0x00, 0x01,
	0x0a, 0x0c, 0x02,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
	0x02, 0x00, 0x0b,
}

// subWasm is mathWasm with add computing a - b.
var subWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x07, 0x10, 0x02,
	0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x06, 0x64, 0x65, 0x70, 0x6c, 0x6f, 0x79, 0x00, 0x01,
	0x0a, 0x0c, 0x02,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6b, 0x0b,
	0x02, 0x00, 0x0b,
}

// trapWasm is mathWasm whose deploy() traps.
var trapWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x07, 0x10, 0x02,
	0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x06, 0x64, 0x65, 0x70, 0x6c, 0x6f, 0x79, 0x00, 0x01,
	0x0a, 0x0d, 0x02,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
	0x03, 0x00, 0x00, 0x0b,
}

func withBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.Bridge.LogLevel = "debug5"
	cfg.Catalog.BaseDir = ""
	cfg.Wasm.MemoryLimit = types.NewSizeMebi(TESTING_MEMORY_LIMIT)
	b, err := NewBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})
	return b
}

func int4(v int64) types.NullableDatum { return types.NotNull(types.WordDatum(v)) }

func text(s string) types.NullableDatum { return types.NotNull(types.TextDatum(s)) }

func requireSQLState(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	se, ok := types.AsSQLError(err)
	require.True(t, ok, "not a SQL error: %v", err)
	assert.Equal(t, code, se.SQLState(), se.Error())
}

func TestNewBackendRejectsUnknownLogLevel(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.Bridge.LogLevel = "chatty"
	_, err := NewBackend(cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestBundlesPersistAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := types.DefaultConfig()
	cfg.Catalog.BaseDir = t.TempDir()

	b, err := NewBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Install(ctx, "math", mathWasm, false))
	require.NoError(t, b.Close())

	// the classpath may only name installed bundles
	cfg.Bridge.Classpaths = map[string]string{"public": "math:missing"}
	_, err = NewBackend(cfg, zerolog.Nop())
	require.Error(t, err)

	cfg.Bridge.Classpaths = map[string]string{"public": "math"}
	b, err = NewBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()
	path, err := b.GetClasspath("public")
	require.NoError(t, err)
	assert.Equal(t, "math", path)

	add, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "add", Src: "math.add", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid})
	require.NoError(t, err)
	res, err := b.Call(ctx, &api.CallInfo{Fn: add.Oid, Args: []types.NullableDatum{int4(20), int4(22)}})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(42)))
}

func TestCreateFunctionValidatesEagerly(t *testing.T) {
	b := withBackend(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterBundle(pl.Bundle{Name: "math", Classes: map[string]pl.Class{
		"Math": {"add": func(a, b int32) int32 { return a + b }},
	}}))
	require.NoError(t, b.SetClasspath("public", "math"))

	_, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "sub", Src: "Math.sub", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid})
	requireSQLState(t, err, pgerrcode.UndefinedFunction)
	_, err = b.Catalog().LookupFunction("public", "sub", types.Int4Oid, types.Int4Oid)
	require.Error(t, err)

	_, err = b.CreateFunction(ctx, catalog.FunctionInfo{Name: "add", Src: "Math.add", ArgTypes: []types.Oid{types.TextOid, types.Int4Oid}, RetType: types.Int4Oid})
	requireSQLState(t, err, pgerrcode.InvalidFunctionDefinition)

	fn, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "add", Src: "Math.add", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid})
	require.NoError(t, err)
	assert.Equal(t, "public.add", fn.QualifiedName())

	res, err := b.Call(ctx, &api.CallInfo{Fn: fn.Oid, Args: []types.NullableDatum{int4(2), int4(3)}})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(5)))
	assert.False(t, b.InTransaction())

	require.NoError(t, b.DropFunction(fn.Oid))
	_, err = b.Call(ctx, &api.CallInfo{Fn: fn.Oid, Args: []types.NullableDatum{int4(2), int4(3)}})
	requireSQLState(t, err, pgerrcode.UndefinedFunction)
}

func TestImplicitTransactionAbortsOnError(t *testing.T) {
	b := withBackend(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterBundle(pl.Bundle{Name: "attrs", Classes: map[string]pl.Class{
		"Attrs": {
			"set": func(ctx context.Context, v string) error {
				s, _ := pl.SessionFrom(ctx)
				s.Attributes().Set("k", v)
				if v == "bad" {
					return pl.Errorf(pgerrcode.RaiseException, "bad value")
				}
				return nil
			},
			"get": func(ctx context.Context) *string {
				s, _ := pl.SessionFrom(ctx)
				v, ok := s.Attributes().Get("k")
				if !ok {
					return nil
				}
				str := v.(string)
				return &str
			},
		},
	}}))
	require.NoError(t, b.SetClasspath("public", "attrs"))
	set, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "set_k", Src: "Attrs.set", ArgTypes: []types.Oid{types.TextOid}, RetType: types.VoidOid})
	require.NoError(t, err)
	get, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "get_k", Src: "Attrs.get", RetType: types.TextOid})
	require.NoError(t, err)

	_, err = b.Call(ctx, &api.CallInfo{Fn: set.Oid, Args: []types.NullableDatum{text("good")}})
	require.NoError(t, err)
	_, err = b.Call(ctx, &api.CallInfo{Fn: set.Oid, Args: []types.NullableDatum{text("bad")}})
	requireSQLState(t, err, pgerrcode.RaiseException)
	assert.False(t, b.InTransaction())

	res, err := b.Call(ctx, &api.CallInfo{Fn: get.Oid})
	require.NoError(t, err)
	assert.Equal(t, "good", res.Value.Text())

	// an explicit transaction keeps the change until it ends
	require.NoError(t, b.Begin())
	_, err = b.Call(ctx, &api.CallInfo{Fn: set.Oid, Args: []types.NullableDatum{text("later")}})
	require.NoError(t, err)
	require.NoError(t, b.Abort())
	res, err = b.Call(ctx, &api.CallInfo{Fn: get.Oid})
	require.NoError(t, err)
	assert.Equal(t, "good", res.Value.Text())
}

func TestSetReturningFunctions(t *testing.T) {
	b := withBackend(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterBundle(pl.Bundle{Name: "gen", Classes: map[string]pl.Class{
		"Gen": {"series": func(n int32) pl.Iterator {
			vals := make([]int32, n)
			for i := range vals {
				vals[i] = int32(i + 1)
			}
			return pl.SliceIterator(vals...)
		}},
	}}))
	require.NoError(t, b.SetClasspath("public", "gen"))
	series, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "series", Src: "Gen.series", ArgTypes: []types.Oid{types.Int4Oid}, RetType: types.Int4Oid, RetSet: true})
	require.NoError(t, err)

	rows, err := b.Collect(ctx, &api.CallInfo{Fn: series.Oid, Args: []types.NullableDatum{int4(4)}})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.True(t, rows[3].Equal(int4(4)))

	_, _, err = b.CallSet(ctx, &api.CallInfo{Fn: series.Oid, Args: []types.NullableDatum{int4(4)}})
	require.ErrorIs(t, err, txn.ErrNoTransaction)

	require.NoError(t, b.Begin())
	ci := &api.CallInfo{Fn: series.Oid, Args: []types.NullableDatum{int4(4)}}
	_, more, err := b.CallSet(ctx, ci)
	require.NoError(t, err)
	require.True(t, more)
	require.NoError(t, b.ShutdownSRF(ci))
	assert.Zero(t, b.Dispatcher().OpenSets())
	require.NoError(t, b.Commit())
}

func TestWasmBundleLifecycle(t *testing.T) {
	b := withBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Install(ctx, "math", mathWasm, true))
	require.Error(t, b.Install(ctx, "math", mathWasm, false))
	bundles, err := b.Bundles()
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.True(t, bundles[0].Deployed)
	assert.Equal(t, types.ChecksumOf(mathWasm).Bytes(), bundles[0].Checksum)

	require.NoError(t, b.SetClasspath("public", "math"))
	add, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "add", Src: "math.add", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid})
	require.NoError(t, err)
	args := []types.NullableDatum{int4(7), int4(2)}
	res, err := b.Call(ctx, &api.CallInfo{Fn: add.Oid, Args: args})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(9)))

	require.NoError(t, b.Replace(ctx, "math", subWasm, true))
	res, err = b.Call(ctx, &api.CallInfo{Fn: add.Oid, Args: args})
	require.NoError(t, err)
	assert.True(t, res.Equal(int4(5)))

	require.NoError(t, b.Remove(ctx, "math", true))
	path, err := b.GetClasspath("public")
	require.NoError(t, err)
	assert.Empty(t, path)
	_, err = b.Call(ctx, &api.CallInfo{Fn: add.Oid, Args: args})
	requireSQLState(t, err, pgerrcode.UndefinedFunction)
}

func TestFailedDeploymentUndoesInstall(t *testing.T) {
	b := withBackend(t)
	ctx := context.Background()

	err := b.Install(ctx, "trap", trapWasm, true)
	requireSQLState(t, err, pgerrcode.ExternalRoutineException)
	bundles, err := b.Bundles()
	require.NoError(t, err)
	assert.Empty(t, bundles)

	// without deployment the trap never runs
	require.NoError(t, b.Install(ctx, "trap", trapWasm, false))
	bundles, err = b.Bundles()
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.False(t, bundles[0].Deployed)
}

func TestLog(t *testing.T) {
	b := withBackend(t)
	require.NoError(t, b.Log(types.Notice, "hello"))
	require.ErrorIs(t, b.Log(types.Error, "no"), types.ErrLevelNotLoggable)
}

func TestDMLFiresTriggers(t *testing.T) {
	b := withBackend(t)
	ctx := context.Background()
	var rowEvents []string
	statements := 0
	require.NoError(t, b.RegisterBundle(pl.Bundle{Name: "people", Classes: map[string]pl.Class{
		"People": {
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
			"protect": func(td pl.TriggerData) error {
				name, err := td.Old().GetByName("name")
				if err != nil {
					return err
				}
				if name == "root" {
					return td.Suppress()
				}
				return nil
			},
			"audit": func(td pl.TriggerData) error {
				rowEvents = append(rowEvents, td.Event().String())
				return nil
			},
			"count": func(td pl.TriggerData) error {
				statements++
				return nil
			},
			"add": func(a, b int32) int32 { return a + b },
		},
	}}))
	require.NoError(t, b.SetClasspath("public", "people"))

	rel, err := b.CreateTable("people",
		types.Attribute{Name: "name", TypeOid: types.TextOid},
		types.Attribute{Name: "age", TypeOid: types.Int4Oid})
	require.NoError(t, err)
	row := func(name string, age int64) *types.Tuple {
		tup, err := types.NewTuple(rel.Desc, text(name), int4(age))
		require.NoError(t, err)
		return tup
	}
	trigger := func(name string, events types.TriggerEvent) {
		fn, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: name, Src: "People." + name, RetType: types.TriggerOid})
		require.NoError(t, err)
		require.NoError(t, b.CreateTrigger(ctx, catalog.TriggerInfo{Name: name, Relation: rel.Oid, Function: fn.Oid, Events: events}))
	}
	trigger("clamp", types.TriggerBefore|types.TriggerRow|types.TriggerInsert|types.TriggerUpdate)
	trigger("protect", types.TriggerBefore|types.TriggerRow|types.TriggerDelete)
	trigger("audit", types.TriggerAfter|types.TriggerRow|types.TriggerInsert|types.TriggerUpdate|types.TriggerDelete)
	trigger("count", types.TriggerAfter|types.TriggerInsert|types.TriggerUpdate|types.TriggerDelete)

	add, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "add", Src: "People.add", ArgTypes: []types.Oid{types.Int4Oid, types.Int4Oid}, RetType: types.Int4Oid})
	require.NoError(t, err)
	err = b.CreateTrigger(ctx, catalog.TriggerInfo{Name: "add", Relation: rel.Oid, Function: add.Oid, Events: types.TriggerAfter | types.TriggerInsert})
	requireSQLState(t, err, pgerrcode.TriggerProtocolViolated)

	ada, err := b.Insert(ctx, rel.Oid, row("ada", 200))
	require.NoError(t, err)
	root, err := b.Insert(ctx, rel.Oid, row("root", 1))
	require.NoError(t, err)
	_, rows, err := b.Rows(rel.Oid)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Equal(row("ada", 120)))

	done, err := b.Update(ctx, rel.Oid, ada, row("ada", 300))
	require.NoError(t, err)
	assert.True(t, done)

	done, err = b.Delete(ctx, rel.Oid, root)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = b.Delete(ctx, rel.Oid, ada)
	require.NoError(t, err)
	assert.True(t, done)

	tids, rows, err := b.Rows(rel.Oid)
	require.NoError(t, err)
	assert.Equal(t, []heap.Tid{root}, tids)
	assert.True(t, rows[0].Equal(row("root", 1)))

	assert.Len(t, rowEvents, 4)
	assert.Equal(t, 5, statements)
	assert.False(t, b.InTransaction())

	require.NoError(t, b.DropTrigger(rel.Oid, "protect"))
	done, err = b.Delete(ctx, rel.Oid, root)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestVersion(t *testing.T) {
	// test binaries carry no module version
	assert.NotEmpty(t, Version())
}

// offsetInt8 hands managed code every int8 argument shifted by 100.
type offsetInt8 struct {
	coerce.Strategy
}

func (s offsetInt8) ToManaged(env *coerce.Env, d types.Datum) (any, error) {
	v, err := s.Strategy.ToManaged(env, d)
	if err != nil {
		return nil, err
	}
	return v.(int64) + 100, nil
}

func TestRegisterDefaultReachesPreparedFunctions(t *testing.T) {
	b := withBackend(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterBundle(pl.Bundle{Name: "num", Classes: map[string]pl.Class{
		"Num": {"twice": func(v int64) int64 { return v * 2 }},
	}}))
	require.NoError(t, b.SetClasspath("public", "num"))

	fn, err := b.CreateFunction(ctx, catalog.FunctionInfo{Name: "twice", Src: "Num.twice", ArgTypes: []types.Oid{types.Int8Oid}, RetType: types.Int8Oid})
	require.NoError(t, err)
	call := func() types.NullableDatum {
		res, err := b.Call(ctx, &api.CallInfo{Fn: fn.Oid, Args: []types.NullableDatum{int4(5)}})
		require.NoError(t, err)
		return res
	}
	assert.True(t, call().Equal(int4(10)))

	base, err := b.Registry().Resolve(types.Int8Oid)
	require.NoError(t, err)
	gen := b.Registry().Generation()
	b.RegisterDefault(types.Int8Oid, func(*coerce.Registry, *catalog.TypeInfo) (coerce.Strategy, error) {
		return offsetInt8{base}, nil
	})
	assert.Greater(t, b.Registry().Generation(), gen)
	assert.True(t, call().Equal(int4(210)))
}
