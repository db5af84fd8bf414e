package plbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/api"
	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/internal/deploy"
	"github.com/plbridge/plbridge/internal/handle"
	"github.com/plbridge/plbridge/internal/heap"
	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/internal/spi"
	"github.com/plbridge/plbridge/internal/txn"
	"github.com/plbridge/plbridge/internal/wasm"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

const (
	// DeployExport is run when a Wasm bundle is installed with deployment.
	DeployExport = "deploy"
	// UndeployExport is run when a Wasm bundle is removed with undeployment.
	UndeployExport = "undeploy"
)

// Backend is the main entry point to this library. It owns the catalog, the
// memory contexts, the type registry and everything user functions run
// against. A Backend serves one session; it is not meant to be shared
// between goroutines running calls concurrently.
type Backend struct {
	cfg      types.Config
	logger   zerolog.Logger
	sys      *memory.System
	cat      *catalog.Catalog
	reg      *coerce.Registry
	cache    *handle.Cache
	store    *deploy.Store
	wasm     *wasm.Runtime
	resolver *api.Resolver
	txn      *txn.Manager
	spi      *spi.Executor
	heap     *heap.Heap
	d        *api.Dispatcher
	session  *api.Session
}

// NewBackend creates a new Backend.
//
// `cfg` is usually read with types.LoadConfig. The bundle catalog is kept in
// cfg.Catalog.BaseDir, or in memory when that is empty.
// `logger` receives the bridge's own logging as well as messages logged by
// user functions.
func NewBackend(cfg types.Config, logger zerolog.Logger) (b *Backend, err error) {
	minLevel, err := types.ParseLevel(cfg.Bridge.LogLevel)
	if err != nil {
		return nil, err
	}
	b = &Backend{
		cfg:    cfg,
		logger: logger,
		sys:    memory.NewSystem(),
		cat:    catalog.New(),
		heap:   heap.New(),
	}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	b.reg = coerce.NewRegistry(b.cat, logger)
	b.cache = handle.NewCache(b.sys, logger)
	if b.store, err = deploy.Open(cfg.Catalog, logger); err != nil {
		return nil, err
	}
	if b.wasm, err = wasm.NewRuntime(context.Background(), cfg.Wasm, logger); err != nil {
		return nil, err
	}
	b.resolver = api.NewResolver(b.store, b.wasm, cfg.Bridge.TrustedPermissions, logger)
	b.txn = txn.NewManager(b.sys, logger)
	b.d, err = api.NewDispatcher(api.Options{
		Catalog:           b.cat,
		Registry:          b.reg,
		Cache:             b.cache,
		Resolver:          b.resolver,
		Txn:               b.txn,
		FunctionCacheSize: cfg.Cache.FunctionCacheSize,
		DebugErrors:       cfg.Bridge.DebugErrors,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if b.spi, err = spi.Open(cfg.SPI, b.d.CurrentEnv, b.txn.Active, logger); err != nil {
		return nil, err
	}
	// spi statements end after every other listener saw the event
	b.txn.Listeners().Register(b.spi)
	b.txn.SubListeners().Register(b.spi)
	b.session = api.NewSession(b.d, b.spi, b.txn, minLevel, "plbridge", logger)
	b.d.SetSession(b.session)

	for schema, path := range cfg.Bridge.Classpaths {
		if err = b.store.SetClasspath(schema, deploy.ParseClasspath(path)); err != nil {
			return nil, err
		}
	}
	logger.Info().Str("log_level", minLevel.String()).Stringer("wasm_memory_limit", cfg.Wasm.MemoryLimit).Msg("backend started")
	return b, nil
}

// Close aborts an open transaction and releases every resource of the backend.
func (b *Backend) Close() error {
	var errs []error
	if b.txn != nil && b.txn.Active() {
		errs = append(errs, b.txn.Abort())
	}
	if b.d != nil {
		b.d.Close()
	}
	if b.spi != nil {
		errs = append(errs, b.spi.Close())
	}
	if b.wasm != nil {
		errs = append(errs, b.wasm.Close(context.Background()))
	}
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.sys != nil {
		b.sys.Top().Reset()
	}
	return errors.Join(errs...)
}

func (b *Backend) Catalog() *catalog.Catalog { return b.cat }

func (b *Backend) Registry() *coerce.Registry { return b.reg }

func (b *Backend) Dispatcher() *api.Dispatcher { return b.d }

// Session is the session user functions see through pl.SessionFrom.
func (b *Backend) Session() pl.Session { return b.session }

func (b *Backend) Logger() zerolog.Logger { return b.logger }

// Log writes msg the way user functions do. Error and above are refused.
func (b *Backend) Log(level types.Level, msg string) error {
	return b.session.Log(level, msg)
}

// implicit runs fn in the open transaction, or in one started and ended around fn.
func (b *Backend) implicit(fn func() error) error {
	started, err := b.txn.EnsureActive()
	if err != nil {
		return err
	}
	err = fn()
	if !started {
		return err
	}
	if err != nil {
		if aerr := b.txn.Abort(); aerr != nil {
			b.logger.Error().Err(aerr).Msg("could not abort implicit transaction")
		}
		return err
	}
	return b.txn.Commit()
}

// Types

func (b *Backend) CreateEnum(name string, labels ...string) (*catalog.TypeInfo, error) {
	return b.cat.CreateEnum(name, labels...)
}

func (b *Backend) CreateComposite(name string, attrs ...types.Attribute) (*catalog.TypeInfo, error) {
	return b.cat.CreateComposite(name, attrs...)
}

// CreateDomain defines a domain over base. check, when set, validates every
// value converted into the domain.
func (b *Backend) CreateDomain(name string, base types.Oid, notNull bool, check func(types.Datum) error) (*catalog.TypeInfo, error) {
	return b.cat.CreateDomain(name, base, notNull, check)
}

// DropType removes a user defined type and forgets its coercion strategy.
func (b *Backend) DropType(oid types.Oid) error {
	if err := b.cat.DropType(oid); err != nil {
		return err
	}
	b.reg.Invalidate()
	b.d.InvalidateAll()
	return nil
}

// RegisterDefault replaces the strategy converting values of oid. Functions
// prepared earlier pick it up on their next call.
func (b *Backend) RegisterDefault(oid types.Oid, f coerce.Factory) {
	b.reg.RegisterDefault(oid, f)
}

// RegisterForClass makes a strategy available to functions naming class in
// their ParamClasses or RetClass.
func (b *Backend) RegisterForClass(class string, f coerce.Factory) {
	b.reg.RegisterForClass(class, f)
}

// Functions

// CreateFunction records a function and resolves its method right away, so a
// missing method or a signature that does not fit the declared types is
// reported here rather than at the first call.
func (b *Backend) CreateFunction(ctx context.Context, info catalog.FunctionInfo) (*catalog.FunctionInfo, error) {
	if info.Schema == "" {
		info.Schema = api.DefaultSchema
	}
	fn, err := b.cat.CreateFunction(info)
	if err != nil {
		return nil, err
	}
	if err := b.d.Validate(ctx, fn.Oid); err != nil {
		if derr := b.cat.DropFunction(fn.Oid); derr != nil {
			b.logger.Error().Err(derr).Str("function", fn.QualifiedName()).Msg("could not drop invalid function")
		}
		b.d.Invalidate(fn.Oid)
		return nil, err
	}
	return fn, nil
}

func (b *Backend) DropFunction(oid types.Oid) error {
	if err := b.cat.DropFunction(oid); err != nil {
		return err
	}
	b.d.Invalidate(oid)
	return nil
}

// Call runs a function that returns a single value. Without an open
// transaction the call runs in an implicit one.
func (b *Backend) Call(ctx context.Context, ci *api.CallInfo) (res types.NullableDatum, err error) {
	err = b.implicit(func() error {
		res, err = b.d.Call(ctx, ci)
		return err
	})
	return res, err
}

// CallSet produces the next row of a set-returning function, see
// api.Dispatcher.CallSet. A set cannot outlive its transaction, so a
// transaction must be open.
func (b *Backend) CallSet(ctx context.Context, ci *api.CallInfo) (types.NullableDatum, bool, error) {
	if !b.txn.Active() {
		return types.Null, false, txn.ErrNoTransaction
	}
	return b.d.CallSet(ctx, ci)
}

// ShutdownSRF stops a set-returning call before it is exhausted.
func (b *Backend) ShutdownSRF(ci *api.CallInfo) error {
	return b.d.ShutdownSRF(ci)
}

// Collect runs a set-returning function to its end and returns all rows.
func (b *Backend) Collect(ctx context.Context, ci *api.CallInfo) (rows []types.NullableDatum, err error) {
	err = b.implicit(func() error {
		for {
			v, more, err := b.d.CallSet(ctx, ci)
			if err != nil || !more {
				return err
			}
			rows = append(rows, v)
		}
	})
	return rows, err
}

// Bundles

// RegisterBundle makes a bundle of Go functions available for classpaths.
func (b *Backend) RegisterBundle(bundle pl.Bundle) error {
	if err := b.resolver.RegisterBundle(bundle); err != nil {
		return err
	}
	b.d.InvalidateAll()
	return nil
}

// Install adds a Wasm bundle. With runDeploy set, its "deploy" export, if any,
// runs once the module is loaded; a failing deployment undoes the install.
func (b *Backend) Install(ctx context.Context, name string, code []byte, runDeploy bool, perms ...types.Permission) error {
	if _, err := b.store.Get(name); err == nil {
		return fmt.Errorf("%w: %s", deploy.ErrBundleExists, name)
	}
	sum, err := b.wasm.Load(ctx, name, code)
	if err != nil {
		return err
	}
	bundle := wasmBundle(name, code, sum, perms)
	if err := b.store.Install(bundle); err != nil {
		b.unload(ctx, name)
		return err
	}
	if runDeploy {
		ran, err := b.runExport(ctx, name, DeployExport)
		if err != nil {
			if _, rerr := b.store.Remove(name); rerr != nil {
				b.logger.Error().Err(rerr).Str("bundle", name).Msg("could not remove bundle after failed deployment")
			}
			b.unload(ctx, name)
			return err
		}
		if ran {
			bundle.Deployed = true
			if err := b.store.Replace(bundle); err != nil {
				return err
			}
		}
	}
	b.d.InvalidateAll()
	return nil
}

// Replace swaps the code of an installed Wasm bundle. With redeploy set, the
// old code's "undeploy" export runs before and the new code's "deploy" after.
func (b *Backend) Replace(ctx context.Context, name string, code []byte, redeploy bool) error {
	old, err := b.store.Get(name)
	if err != nil {
		return err
	}
	if old.Kind != deploy.KindWasm {
		return fmt.Errorf("bundle %s is a %s bundle, only wasm bundles can be replaced", name, old.Kind)
	}
	if redeploy && old.Deployed {
		if err := b.ensureLoaded(ctx, old); err != nil {
			return err
		}
		if _, err := b.runExport(ctx, name, UndeployExport); err != nil {
			return err
		}
	}
	sum, err := b.wasm.Load(ctx, name, code)
	if err != nil {
		return err
	}
	bundle := wasmBundle(name, code, sum, old.Permissions)
	if err := b.store.Replace(bundle); err != nil {
		return err
	}
	b.d.InvalidateAll()
	if redeploy {
		ran, err := b.runExport(ctx, name, DeployExport)
		if err != nil {
			return err
		}
		if ran {
			bundle.Deployed = true
			return b.store.Replace(bundle)
		}
	}
	return nil
}

// Remove deletes a bundle and drops it from every classpath. With undeploy
// set, the "undeploy" export of a deployed Wasm bundle runs first.
func (b *Backend) Remove(ctx context.Context, name string, undeploy bool) error {
	bundle, err := b.store.Get(name)
	if err != nil {
		return err
	}
	if undeploy && bundle.Kind == deploy.KindWasm && bundle.Deployed {
		if err := b.ensureLoaded(ctx, bundle); err != nil {
			return err
		}
		if _, err := b.runExport(ctx, name, UndeployExport); err != nil {
			return err
		}
	}
	if _, err := b.store.Remove(name); err != nil {
		return err
	}
	switch bundle.Kind {
	case deploy.KindWasm:
		b.unload(ctx, name)
	case deploy.KindGo:
		b.resolver.Forget(name)
	}
	b.d.InvalidateAll()
	return nil
}

// Bundles lists the installed bundles.
func (b *Backend) Bundles() ([]*deploy.Bundle, error) {
	return b.store.List()
}

// SetClasspath sets the bundles searched for functions of schema, written
// as "a:b:c". Schemas without a classpath search the public one.
func (b *Backend) SetClasspath(schema, path string) error {
	if err := b.store.SetClasspath(schema, deploy.ParseClasspath(path)); err != nil {
		return err
	}
	b.d.InvalidateAll()
	return nil
}

func (b *Backend) GetClasspath(schema string) (string, error) {
	path, err := b.store.Classpath(schema)
	if err != nil {
		return "", err
	}
	return deploy.FormatClasspath(path), nil
}

func wasmBundle(name string, code []byte, sum types.Checksum, perms []types.Permission) deploy.Bundle {
	return deploy.Bundle{
		Name:        name,
		Kind:        deploy.KindWasm,
		Checksum:    sum.Bytes(),
		Code:        code,
		Permissions: perms,
	}
}

func (b *Backend) ensureLoaded(ctx context.Context, bundle *deploy.Bundle) error {
	if _, ok := b.wasm.Loaded(bundle.Name); ok {
		return nil
	}
	_, err := b.wasm.Load(ctx, bundle.Name, bundle.Code)
	return err
}

func (b *Backend) unload(ctx context.Context, name string) {
	if err := b.wasm.Unload(ctx, name); err != nil && !errors.Is(err, wasm.ErrBundleNotLoaded) {
		b.logger.Error().Err(err).Str("bundle", name).Msg("could not unload bundle")
	}
}

// runExport calls a parameterless export of a loaded bundle. It reports
// false when the bundle has no such export.
func (b *Backend) runExport(ctx context.Context, name, export string) (bool, error) {
	fn, err := b.wasm.Lookup(name, export)
	if errors.Is(err, wasm.ErrExportNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(fn.ParamTypes()) != 0 {
		return false, fmt.Errorf("export %s of bundle %s must not take arguments", export, name)
	}
	err = b.implicit(func() error {
		return b.d.Run(ctx, name+"."+export, func(ctx context.Context) error {
			_, err := fn.Call(ctx, nil)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	b.logger.Info().Str("bundle", name).Str("export", export).Msg("deployment action ran")
	return true, nil
}

// Transactions

func (b *Backend) Begin() error { return b.txn.Begin() }

func (b *Backend) Commit() error { return b.txn.Commit() }

func (b *Backend) Abort() error { return b.txn.Abort() }

// Prepare ends the transaction for two-phase commit under gid.
func (b *Backend) Prepare(gid string) error { return b.txn.Prepare(gid) }

func (b *Backend) Savepoint(name string) error { return b.txn.Savepoint(name) }

func (b *Backend) Release(name string) error { return b.txn.Release(name) }

func (b *Backend) RollbackTo(name string) error { return b.txn.RollbackTo(name) }

func (b *Backend) InTransaction() bool { return b.txn.Active() }
