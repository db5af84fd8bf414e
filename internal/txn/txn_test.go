package txn

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

type recorder struct {
	xact []types.XactEvent
	sub  []types.SubXact
}

func (r *recorder) OnTransaction(e types.XactEvent) error {
	r.xact = append(r.xact, e)
	return nil
}

func (r *recorder) OnSubTransaction(e types.SubXact) error {
	r.sub = append(r.sub, e)
	return nil
}

func withManager(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(memory.NewSystem(), zerolog.Nop())
	r := &recorder{}
	require.True(t, m.Listeners().Register(r))
	require.True(t, m.SubListeners().Register(r))
	return m, r
}

func TestRegistryIdempotent(t *testing.T) {
	reg := NewRegistry[pl.TransactionListener]("test", zerolog.Nop())
	r := &recorder{}
	assert.True(t, reg.Register(r))
	assert.False(t, reg.Register(r))
	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Unregister(r))
	assert.False(t, reg.Unregister(r))
	assert.Equal(t, 0, reg.Len())
}

type selfRemover struct {
	reg   *Registry[pl.TransactionListener]
	calls int
}

func (s *selfRemover) OnTransaction(types.XactEvent) error {
	s.calls++
	s.reg.Unregister(s)
	return nil
}

func TestRegistrySelfRemoval(t *testing.T) {
	reg := NewRegistry[pl.TransactionListener]("test", zerolog.Nop())
	first := &selfRemover{reg: reg}
	second := &recorder{}
	reg.Register(first)
	reg.Register(second)

	notify := func(e types.XactEvent) []error {
		return reg.Notify(e, func(l pl.TransactionListener) error { return l.OnTransaction(e) })
	}
	require.Empty(t, notify(types.XactCommit))
	// the snapshot still reached the listener after the one that left
	assert.Equal(t, []types.XactEvent{types.XactCommit}, second.xact)
	assert.Equal(t, 1, first.calls)

	require.Empty(t, notify(types.XactAbort))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, []types.XactEvent{types.XactCommit, types.XactAbort}, second.xact)
}

func TestRegistryIsolatesFailures(t *testing.T) {
	reg := NewRegistry[pl.TransactionListener]("test", zerolog.Nop())
	boom := errors.New("boom")
	failing := pl.TransactionListenerFunc(func(types.XactEvent) error { return boom })
	panicking := pl.TransactionListenerFunc(func(types.XactEvent) error { panic("kaboom") })
	after := &recorder{}
	reg.Register(&failing)
	reg.Register(&panicking)
	reg.Register(after)

	errs := reg.Notify(types.XactCommit, func(l pl.TransactionListener) error { return l.OnTransaction(types.XactCommit) })
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)
	assert.Contains(t, errs[1].Error(), "kaboom")
	assert.Equal(t, []types.XactEvent{types.XactCommit}, after.xact)
}

func TestCommitSequence(t *testing.T) {
	m, r := withManager(t)
	require.ErrorIs(t, m.Commit(), ErrNoTransaction)

	require.NoError(t, m.Begin())
	require.ErrorIs(t, m.Begin(), ErrInTransaction)
	ctx, err := m.Context()
	require.NoError(t, err)
	require.NoError(t, m.Savepoint("a"))
	require.NoError(t, m.Savepoint("b"))
	assert.Equal(t, 2, m.Level())
	require.NoError(t, m.Commit())

	assert.Equal(t, []types.SubXact{
		{Event: types.SubXactStart, Name: "a", Level: 1},
		{Event: types.SubXactStart, Name: "b", Level: 2},
		{Event: types.SubXactPreCommit, Name: "b", Level: 2},
		{Event: types.SubXactCommit, Name: "b", Level: 2},
		{Event: types.SubXactPreCommit, Name: "a", Level: 1},
		{Event: types.SubXactCommit, Name: "a", Level: 1},
	}, r.sub)
	assert.Equal(t, []types.XactEvent{types.XactPreCommit, types.XactCommit}, r.xact)
	assert.True(t, ctx.IsDeleted())
	assert.False(t, m.Active())
	assert.Equal(t, 0, m.Level())
}

func TestAbortAndPrepare(t *testing.T) {
	m, r := withManager(t)
	require.NoError(t, m.Begin())
	require.NoError(t, m.Savepoint("a"))
	require.NoError(t, m.Abort())
	assert.Equal(t, []types.SubXact{
		{Event: types.SubXactStart, Name: "a", Level: 1},
		{Event: types.SubXactAbort, Name: "a", Level: 1},
	}, r.sub)
	assert.Equal(t, []types.XactEvent{types.XactAbort}, r.xact)

	r.xact = nil
	require.NoError(t, m.Begin())
	require.NoError(t, m.Prepare("gid-1"))
	assert.Equal(t, []types.XactEvent{types.XactPrePrepare, types.XactPrepare}, r.xact)

	r.xact = nil
	require.NoError(t, m.Begin())
	require.NoError(t, m.CommitParallel())
	require.NoError(t, m.Begin())
	require.NoError(t, m.AbortParallel())
	assert.Equal(t, []types.XactEvent{
		types.XactParallelPreCommit, types.XactParallelCommit, types.XactParallelAbort,
	}, r.xact)
	assert.Equal(t, uint64(4), m.XID())
}

func TestSavepoints(t *testing.T) {
	m, r := withManager(t)
	require.ErrorIs(t, m.Savepoint("a"), ErrSavepointOutsideTx)

	require.NoError(t, m.Begin())
	require.NoError(t, m.Savepoint("a"))
	require.NoError(t, m.Savepoint("b"))
	require.NoError(t, m.Savepoint("c"))
	require.ErrorIs(t, m.Release("zz"), ErrNoSuchSavepoint)

	r.sub = nil
	require.NoError(t, m.RollbackTo("b"))
	assert.Equal(t, 2, m.Level())
	assert.Equal(t, []types.SubXact{
		{Event: types.SubXactAbort, Name: "c", Level: 3},
		{Event: types.SubXactAbort, Name: "b", Level: 2},
		{Event: types.SubXactStart, Name: "b", Level: 2},
	}, r.sub)

	r.sub = nil
	require.NoError(t, m.Release("a"))
	assert.Equal(t, 0, m.Level())
	assert.Equal(t, []types.SubXact{
		{Event: types.SubXactPreCommit, Name: "b", Level: 2},
		{Event: types.SubXactCommit, Name: "b", Level: 2},
		{Event: types.SubXactPreCommit, Name: "a", Level: 1},
		{Event: types.SubXactCommit, Name: "a", Level: 1},
	}, r.sub)
	require.NoError(t, m.Commit())
}

func TestImplicitTransaction(t *testing.T) {
	m, _ := withManager(t)
	started, err := m.EnsureActive()
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, m.Implicit())

	started, err = m.EnsureActive()
	require.NoError(t, err)
	assert.False(t, started)
	require.NoError(t, m.Commit())
	assert.False(t, m.Implicit())
}

func TestAttributesFollowTransactions(t *testing.T) {
	m, _ := withManager(t)
	attrs := m.Attributes()

	require.NoError(t, m.Begin())
	attrs.Set("k", 1)
	v, ok := attrs.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Empty(t, attrs.Committed())
	require.NoError(t, m.Abort())
	_, ok = attrs.Get("k")
	assert.False(t, ok)

	require.NoError(t, m.Begin())
	attrs.Set("k", 1)
	require.NoError(t, m.Savepoint("s1"))
	attrs.Set("k", 2)
	attrs.Set("gone", true)
	require.NoError(t, m.RollbackTo("s1"))
	v, _ = attrs.Get("k")
	assert.Equal(t, 1, v)
	_, ok = attrs.Get("gone")
	assert.False(t, ok)

	attrs.Set("k", 3)
	require.NoError(t, m.Savepoint("s2"))
	attrs.Remove("k")
	require.NoError(t, m.Release("s1"))
	_, ok = attrs.Get("k")
	assert.False(t, ok)
	attrs.Set("x", "y")
	require.NoError(t, m.Commit())

	assert.Equal(t, map[string]any{"x": "y"}, attrs.Committed())
}
