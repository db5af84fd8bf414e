package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/internal/deploy"
	"github.com/plbridge/plbridge/internal/wasm"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// DefaultSchema is searched when a function's own schema has no classpath.
const DefaultSchema = "public"

// Resolver finds the method implementing a function along the classpath of
// the function's schema. Go bundles are registered in-process, Wasm bundles
// are loaded from the catalog on first use.
type Resolver struct {
	store   *deploy.Store
	wasm    *wasm.Runtime
	trusted map[types.Permission]bool
	logger  zerolog.Logger

	mu      sync.RWMutex
	bundles map[string]pl.Bundle
}

// Resolved is the outcome of a successful lookup.
type Resolved struct {
	Method      coerce.Method
	Bundle      string
	Kind        deploy.Kind
	Permissions []types.Permission
}

func NewResolver(store *deploy.Store, rt *wasm.Runtime, trusted []types.Permission, logger zerolog.Logger) *Resolver {
	r := &Resolver{
		store:   store,
		wasm:    rt,
		trusted: make(map[types.Permission]bool),
		logger:  logger.With().Str("module", "resolver").Logger(),
		bundles: make(map[string]pl.Bundle),
	}
	for _, p := range trusted {
		r.trusted[p] = true
	}
	return r
}

// RegisterBundle makes a Go bundle available and records it in the catalog.
func (r *Resolver) RegisterBundle(b pl.Bundle) error {
	if len(b.Classes) == 0 {
		return fmt.Errorf("bundle %s has no classes", b.Name)
	}
	for class, methods := range b.Classes {
		for name, fn := range methods {
			if _, err := newGoMethod(class+"."+name, fn); err != nil {
				return fmt.Errorf("bundle %s: %w", b.Name, err)
			}
		}
	}
	sum := types.ChecksumOf([]byte(goManifest(b)))
	if err := r.store.Upsert(deploy.Bundle{
		Name:        b.Name,
		Kind:        deploy.KindGo,
		Checksum:    sum.Bytes(),
		Permissions: b.Permissions,
	}); err != nil {
		return err
	}
	r.mu.Lock()
	r.bundles[b.Name] = b
	r.mu.Unlock()
	r.logger.Info().Str("bundle", b.Name).Int("classes", len(b.Classes)).Msg("go bundle registered")
	return nil
}

// Forget drops an in-process Go bundle.
func (r *Resolver) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bundles, name)
}

// goManifest lists the methods of a Go bundle in a stable order, standing in
// for its code when computing a checksum.
func goManifest(b pl.Bundle) string {
	var names []string
	for class, methods := range b.Classes {
		for name := range methods {
			names = append(names, class+"."+name)
		}
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}
	return buf.String()
}

// Classpath returns the bundles searched for functions of schema.
func (r *Resolver) Classpath(schema string) ([]string, error) {
	path, err := r.store.Classpath(schema)
	if err != nil || len(path) > 0 || schema == DefaultSchema {
		return path, err
	}
	return r.store.Classpath(DefaultSchema)
}

// Resolve finds the method named by fn.Src.
func (r *Resolver) Resolve(ctx context.Context, fn *catalog.FunctionInfo) (*Resolved, error) {
	class, method, err := fn.SplitSrc()
	if err != nil {
		return nil, pl.Errorf(pgerrcode.InvalidFunctionDefinition, "%s", err)
	}
	path, err := r.Classpath(fn.Schema)
	if err != nil {
		return nil, err
	}
	for _, name := range path {
		b, err := r.store.Get(name)
		if errors.Is(err, deploy.ErrBundleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := r.lookup(ctx, b, class, method)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		if fn.Trusted {
			if err := r.checkTrusted(fn, b); err != nil {
				return nil, err
			}
		}
		r.logger.Debug().Str("function", fn.QualifiedName()).Str("bundle", name).Str("src", fn.Src).Msg("method resolved")
		return &Resolved{Method: m, Bundle: name, Kind: b.Kind, Permissions: b.Permissions}, nil
	}
	return nil, pl.Errorf(pgerrcode.UndefinedFunction, "no method %s found on the classpath of schema %s", fn.Src, fn.Schema)
}

// lookup returns nil without error when b does not define class.method.
func (r *Resolver) lookup(ctx context.Context, b *deploy.Bundle, class, method string) (coerce.Method, error) {
	switch b.Kind {
	case deploy.KindGo:
		r.mu.RLock()
		gb, ok := r.bundles[b.Name]
		r.mu.RUnlock()
		if !ok {
			r.logger.Warn().Str("bundle", b.Name).Msg("go bundle is in the catalog but not registered in this process")
			return nil, nil
		}
		fn, ok := gb.Classes[class][method]
		if !ok {
			return nil, nil
		}
		return newGoMethod(class+"."+method, fn)
	case deploy.KindWasm:
		if err := r.ensureLoaded(ctx, b); err != nil {
			return nil, err
		}
		exports := []string{class + "." + method}
		if class == b.Name {
			exports = append(exports, method)
		}
		for _, export := range exports {
			f, err := r.wasm.Lookup(b.Name, export)
			if errors.Is(err, wasm.ErrExportNotFound) {
				continue
			}
			return f, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("bundle %s has unknown kind %q", b.Name, b.Kind)
	}
}

// ensureLoaded (re)loads a Wasm bundle whose loaded code differs from the catalog.
func (r *Resolver) ensureLoaded(ctx context.Context, b *deploy.Bundle) error {
	if sum, ok := r.wasm.Loaded(b.Name); ok && bytes.Equal(sum.Bytes(), b.Checksum) {
		return nil
	}
	_, err := r.wasm.Load(ctx, b.Name, b.Code)
	return err
}

func (r *Resolver) checkTrusted(fn *catalog.FunctionInfo, b *deploy.Bundle) error {
	for _, p := range b.Permissions {
		if !r.trusted[p] {
			return pl.Errorf(pgerrcode.InsufficientPrivilege,
				"trusted function %s cannot use bundle %s, which requires the untrusted permission %q", fn.QualifiedName(), b.Name, p)
		}
	}
	return nil
}
