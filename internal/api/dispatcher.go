package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/internal/handle"
	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/internal/spi"
	"github.com/plbridge/plbridge/internal/txn"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// ErrNotInCall is returned by operations that need a function to be running.
var ErrNotInCall = spi.ErrNoCall

// Options wires a Dispatcher to the rest of a backend.
type Options struct {
	Catalog  *catalog.Catalog
	Registry *coerce.Registry
	Cache    *handle.Cache
	Resolver *Resolver
	Txn      *txn.Manager
	// FunctionCacheSize bounds the number of prepared functions kept.
	FunctionCacheSize int64
	DebugErrors       bool
	Logger            zerolog.Logger
}

// Dispatcher turns function calls arriving from the backend into calls of Go
// or Wasm methods: it resolves the method, converts the arguments, runs the
// method inside its own memory region and converts the result back.
type Dispatcher struct {
	cat         *catalog.Catalog
	reg         *coerce.Registry
	cache       *handle.Cache
	resolver    *Resolver
	txn         *txn.Manager
	logger      zerolog.Logger
	debugErrors bool

	functions *ristretto.Cache[uint64, *function]
	srfs      *srfFrames

	mu       sync.Mutex
	session  pl.Session
	observer Observer
	stack    []*frame
}

// frame is one running call.
type frame struct {
	env  *coerce.Env
	name string
	// perms restricts what the running bundle may do. Backend-level frames
	// are unrestricted.
	perms      []types.Permission
	restricted bool
}

func (f *frame) allows(p types.Permission) bool {
	if !f.restricted {
		return true
	}
	for _, x := range f.perms {
		if x == p {
			return true
		}
	}
	return false
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	size := opts.FunctionCacheSize
	if size <= 0 {
		size = 1024
	}
	functions, err := ristretto.NewCache(&ristretto.Config[uint64, *function]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("function cache: %w", err)
	}
	d := &Dispatcher{
		cat:         opts.Catalog,
		reg:         opts.Registry,
		cache:       opts.Cache,
		resolver:    opts.Resolver,
		txn:         opts.Txn,
		logger:      opts.Logger.With().Str("module", "dispatcher").Logger(),
		debugErrors: opts.DebugErrors,
		functions:   functions,
		srfs:        newSRFFrames(),
	}
	d.txn.Listeners().Register(d)
	return d, nil
}

// SetSession sets the session handed to methods through their context.
func (d *Dispatcher) SetSession(s pl.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = s
}

// SetObserver installs a callback that sees every call state transition.
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// Close drops the prepared functions and closes open set-returning calls.
func (d *Dispatcher) Close() {
	d.shutdownAll("dispatcher closed")
	d.functions.Close()
}

// Invalidate forgets the prepared form of one function.
func (d *Dispatcher) Invalidate(fn types.Oid) {
	d.functions.Del(uint64(fn))
}

// InvalidateAll forgets every prepared function, e.g. after a classpath or
// bundle change.
func (d *Dispatcher) InvalidateAll() {
	d.functions.Clear()
}

// Validate prepares fn, reporting every signature problem without calling it.
func (d *Dispatcher) Validate(ctx context.Context, fn types.Oid) error {
	if _, err := d.lookup(ctx, fn); err != nil {
		return d.translate(d.nameOf(fn), err)
	}
	return nil
}

func (d *Dispatcher) nameOf(fn types.Oid) string {
	info, err := d.cat.Function(fn)
	if err != nil {
		return fn.String()
	}
	return info.QualifiedName()
}

// lookup returns the prepared function, preparing and caching it on a miss
// or when strategies were registered since it was prepared.
func (d *Dispatcher) lookup(ctx context.Context, oid types.Oid) (*function, error) {
	if f, ok := d.functions.Get(uint64(oid)); ok && f.gen == d.reg.Generation() {
		return f, nil
	}
	info, err := d.cat.Function(oid)
	if err != nil {
		return nil, err
	}
	f, err := d.prepare(ctx, info)
	if err != nil {
		return nil, err
	}
	d.functions.Set(uint64(oid), f, 1)
	d.functions.Wait()
	return f, nil
}

// CurrentEnv returns the conversion environment of the innermost running call.
func (d *Dispatcher) CurrentEnv() (*coerce.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) == 0 {
		return nil, ErrNotInCall
	}
	return d.stack[len(d.stack)-1].env, nil
}

// CurrentFunction names the innermost running call, "" outside calls.
func (d *Dispatcher) CurrentFunction() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) == 0 {
		return ""
	}
	return d.stack[len(d.stack)-1].name
}

// Allows reports whether the innermost running call may use p.
func (d *Dispatcher) Allows(p types.Permission) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) == 0 {
		return true
	}
	return d.stack[len(d.stack)-1].allows(p)
}

func (d *Dispatcher) push(f *frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = append(d.stack, f)
}

func (d *Dispatcher) pop(f *frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.stack) - 1; i >= 0; i-- {
		if d.stack[i] == f {
			d.stack = append(d.stack[:i], d.stack[i+1:]...)
			return
		}
	}
}

// newEnv opens a region under parent for one call.
func (d *Dispatcher) newEnv(parent *memory.Context, name string) (*coerce.Env, error) {
	region, err := parent.NewChild(name)
	if err != nil {
		return nil, err
	}
	return &coerce.Env{Registry: d.reg, Cache: d.cache, Region: region, Scope: coerce.NewScope()}, nil
}

// enter opens the region of a call under the transaction context and makes
// it the current call. The returned function leaves the call and deletes the
// region with everything surfaced to the method.
func (d *Dispatcher) enter(name string, perms []types.Permission, restricted bool) (*frame, func(), error) {
	parent, err := d.txn.Context()
	if err != nil {
		return nil, nil, err
	}
	env, err := d.newEnv(parent, "call "+name)
	if err != nil {
		return nil, nil, err
	}
	fr := &frame{env: env, name: name, perms: perms, restricted: restricted}
	d.push(fr)
	return fr, func() {
		d.pop(fr)
		env.Region.Delete()
	}, nil
}

// Run gives fn a call environment of its own, so backend code can use SPI
// and handles the way a function does. Errors are translated like those of
// a function.
func (d *Dispatcher) Run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	_, leave, err := d.enter(name, nil, false)
	if err != nil {
		return err
	}
	defer leave()
	defer func() { err = d.translate(name, err) }()
	defer recoverCall(name, &err)
	return fn(d.callContext(ctx))
}

func (d *Dispatcher) callContext(ctx context.Context) context.Context {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return ctx
	}
	return pl.WithSession(ctx, s)
}

// OnTransaction closes set-returning calls still open when their
// transaction ends.
func (d *Dispatcher) OnTransaction(e types.XactEvent) error {
	switch e {
	case types.XactPreCommit, types.XactPrePrepare, types.XactParallelPreCommit,
		types.XactAbort, types.XactParallelAbort:
		d.shutdownAll("transaction " + e.String())
	}
	return nil
}

func (d *Dispatcher) shutdownAll(reason string) {
	var errs []error
	for _, st := range d.srfs.drain() {
		d.logger.Debug().Str("function", st.fn.info.QualifiedName()).Str("reason", reason).Msg("closing open set-returning call")
		if err := d.closeSRF(st); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn().Err(err).Msg("closing set-returning calls failed")
	}
}
