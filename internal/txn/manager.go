package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

var (
	ErrNoTransaction      = errors.New("no transaction in progress")
	ErrInTransaction      = errors.New("a transaction is already in progress")
	ErrNoSuchSavepoint    = errors.New("savepoint does not exist")
	ErrSavepointOutsideTx = errors.New("savepoints can only be used in transaction blocks")
)

// Manager tracks the transaction of one session, its savepoints and its
// transaction memory context, and tells listeners about every boundary.
type Manager struct {
	sys    *memory.System
	logger zerolog.Logger

	xact  *Registry[pl.TransactionListener]
	sub   *Registry[pl.SubTransactionListener]
	attrs *AttributeStore

	mu         sync.Mutex
	active     bool
	implicit   bool
	xid        uint64
	savepoints []string
	ctx        *memory.Context
}

func NewManager(sys *memory.System, logger zerolog.Logger) *Manager {
	logger = logger.With().Str("module", "txn").Logger()
	m := &Manager{
		sys:    sys,
		logger: logger,
		xact:   NewRegistry[pl.TransactionListener]("transaction", logger),
		sub:    NewRegistry[pl.SubTransactionListener]("subtransaction", logger),
		attrs:  NewAttributeStore(),
	}
	// the attribute store settles before user listeners look at it
	m.xact.Register(m.attrs)
	m.sub.Register(m.attrs)
	return m
}

func (m *Manager) Listeners() *Registry[pl.TransactionListener] { return m.xact }

func (m *Manager) SubListeners() *Registry[pl.SubTransactionListener] { return m.sub }

func (m *Manager) Attributes() *AttributeStore { return m.attrs }

// Active reports whether a transaction is open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Implicit reports whether the open transaction was started by EnsureActive.
func (m *Manager) Implicit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && m.implicit
}

// XID returns the id of the open or last transaction.
func (m *Manager) XID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.xid
}

// Context returns the memory context of the open transaction. It is deleted
// when the transaction ends.
func (m *Manager) Context() (*memory.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil, ErrNoTransaction
	}
	return m.ctx, nil
}

// Level is the subtransaction nesting depth, 0 at the top level.
func (m *Manager) Level() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.savepoints)
}

func (m *Manager) Begin() error {
	return m.begin(false)
}

// EnsureActive starts an implicit transaction unless one is open. It returns
// true when it started one, the caller then ends it.
func (m *Manager) EnsureActive() (bool, error) {
	if m.Active() {
		return false, nil
	}
	return true, m.begin(true)
}

func (m *Manager) begin(implicit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return ErrInTransaction
	}
	ctx, err := m.sys.Top().NewChild("TransactionContext")
	if err != nil {
		return err
	}
	m.xid++
	m.active, m.implicit, m.ctx = true, implicit, ctx
	m.logger.Debug().Uint64("xid", m.xid).Bool("implicit", implicit).Msg("transaction started")
	return nil
}

func (m *Manager) notify(e types.XactEvent) {
	m.xact.Notify(e, func(l pl.TransactionListener) error { return l.OnTransaction(e) })
}

func (m *Manager) notifySub(e types.SubXactEvent, name string, level int) {
	sx := types.SubXact{Event: e, Name: name, Level: level}
	m.sub.Notify(e, func(l pl.SubTransactionListener) error { return l.OnSubTransaction(sx) })
}

// end takes the savepoint stack for ending the transaction.
func (m *Manager) end() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil, ErrNoTransaction
	}
	sps := m.savepoints
	m.savepoints = nil
	return sps, nil
}

func (m *Manager) finish(event string) {
	m.mu.Lock()
	ctx := m.ctx
	m.active, m.implicit, m.ctx = false, false, nil
	xid := m.xid
	m.mu.Unlock()
	ctx.Delete()
	m.logger.Debug().Uint64("xid", xid).Str("outcome", event).Msg("transaction ended")
}

// Commit commits open subtransactions innermost first, then the transaction.
func (m *Manager) Commit() error {
	sps, err := m.end()
	if err != nil {
		return err
	}
	for lvl := len(sps); lvl > 0; lvl-- {
		m.notifySub(types.SubXactPreCommit, sps[lvl-1], lvl)
		m.notifySub(types.SubXactCommit, sps[lvl-1], lvl)
	}
	m.notify(types.XactPreCommit)
	m.notify(types.XactCommit)
	m.finish("commit")
	return nil
}

// CommitParallel commits the transaction of a parallel worker.
func (m *Manager) CommitParallel() error {
	sps, err := m.end()
	if err != nil {
		return err
	}
	if len(sps) > 0 {
		return fmt.Errorf("parallel worker has %d open savepoints", len(sps))
	}
	m.notify(types.XactParallelPreCommit)
	m.notify(types.XactParallelCommit)
	m.finish("parallel commit")
	return nil
}

// Abort rolls back open subtransactions innermost first, then the transaction.
func (m *Manager) Abort() error {
	sps, err := m.end()
	if err != nil {
		return err
	}
	for lvl := len(sps); lvl > 0; lvl-- {
		m.notifySub(types.SubXactAbort, sps[lvl-1], lvl)
	}
	m.notify(types.XactAbort)
	m.finish("abort")
	return nil
}

// AbortParallel rolls back the transaction of a parallel worker.
func (m *Manager) AbortParallel() error {
	if _, err := m.end(); err != nil {
		return err
	}
	m.notify(types.XactParallelAbort)
	m.finish("parallel abort")
	return nil
}

// Prepare prepares the transaction for two-phase commit and detaches it from
// the session.
func (m *Manager) Prepare(gid string) error {
	sps, err := m.end()
	if err != nil {
		return err
	}
	for lvl := len(sps); lvl > 0; lvl-- {
		m.notifySub(types.SubXactPreCommit, sps[lvl-1], lvl)
		m.notifySub(types.SubXactCommit, sps[lvl-1], lvl)
	}
	m.notify(types.XactPrePrepare)
	m.notify(types.XactPrepare)
	m.finish("prepare " + gid)
	return nil
}

// Savepoint opens a subtransaction.
func (m *Manager) Savepoint(name string) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrSavepointOutsideTx
	}
	m.savepoints = append(m.savepoints, name)
	lvl := len(m.savepoints)
	m.mu.Unlock()
	m.notifySub(types.SubXactStart, name, lvl)
	return nil
}

// find returns the level of the innermost savepoint called name.
func (m *Manager) find(name string) (int, error) {
	if !m.active {
		return 0, ErrSavepointOutsideTx
	}
	for i := len(m.savepoints) - 1; i >= 0; i-- {
		if m.savepoints[i] == name {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoSuchSavepoint, name)
}

// Release commits the savepoint called name and every savepoint opened after it.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	lvl, err := m.find(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	sps := m.savepoints[lvl-1:]
	m.savepoints = m.savepoints[:lvl-1]
	m.mu.Unlock()
	for i := len(sps) - 1; i >= 0; i-- {
		m.notifySub(types.SubXactPreCommit, sps[i], lvl+i)
		m.notifySub(types.SubXactCommit, sps[i], lvl+i)
	}
	return nil
}

// RollbackTo rolls back the savepoint called name and every savepoint opened
// after it. The savepoint itself stays open as a fresh subtransaction.
func (m *Manager) RollbackTo(name string) error {
	m.mu.Lock()
	lvl, err := m.find(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	sps := append([]string(nil), m.savepoints[lvl-1:]...)
	m.savepoints = m.savepoints[:lvl]
	m.mu.Unlock()
	for i := len(sps) - 1; i >= 0; i-- {
		m.notifySub(types.SubXactAbort, sps[i], lvl+i)
	}
	m.notifySub(types.SubXactStart, name, lvl)
	return nil
}
