package wasm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

const pageSize = 65536

// Runtime compiles Wasm code bundles with wazero and exposes their exported
// functions as methods. Each bundle is instantiated once and reused for
// every call.
type Runtime struct {
	runtime   wazero.Runtime
	envModule api.Module
	logger    zerolog.Logger

	mu      sync.RWMutex
	modules map[string]*module
}

type module struct {
	name     string
	checksum types.Checksum
	compiled wazero.CompiledModule
	inst     api.Module
	// calls into one instance are serialized
	callMu sync.Mutex
}

// NewRuntime creates a runtime whose instances may each use up to
// limits.MemoryLimit of linear memory.
func NewRuntime(ctx context.Context, limits types.WasmLimits, logger zerolog.Logger) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig()
	if pages := limits.MemoryLimit.Bytes() / pageSize; pages > 0 {
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	rt := &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		logger:  logger.With().Str("module", "wasm").Logger(),
		modules: make(map[string]*module),
	}
	if err := rt.buildEnvModule(ctx); err != nil {
		_ = rt.runtime.Close(ctx)
		return nil, err
	}
	rt.logger.Debug().Uint32("memory_limit", limits.MemoryLimit.Bytes()).Msg("wasm runtime initialized")
	return rt, nil
}

// buildEnvModule instantiates the host module "env". Bundles may import
// env.log(level, ptr, len) to write to the backend log of the calling session.
func (rt *Runtime) buildEnvModule(ctx context.Context) error {
	builder := rt.runtime.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(rt.hostLog),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
		[]api.ValueType{api.ValueTypeI32}).Export("log")
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("could not instantiate host module: %w", err)
	}
	rt.envModule = mod
	return nil
}

// hostLog returns 0 on success, 1 when the message could not be read and 2 when
// the session rejected the level.
func (rt *Runtime) hostLog(ctx context.Context, m api.Module, stack []uint64) {
	level := types.Level(api.DecodeI32(stack[0]))
	ptr, n := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	msg, ok := m.Memory().Read(ptr, n)
	if !ok {
		stack[0] = 1
		return
	}
	s, ok := pl.SessionFrom(ctx)
	if !ok {
		rt.logger.Debug().Str("bundle", m.Name()).Msg(string(msg))
		stack[0] = 0
		return
	}
	if err := s.Log(level, string(msg)); err != nil {
		stack[0] = 2
		return
	}
	stack[0] = 0
}

// Load compiles and instantiates code as bundle name, replacing a module that
// was loaded under the same name.
func (rt *Runtime) Load(ctx context.Context, name string, code []byte) (types.Checksum, error) {
	compiled, err := rt.runtime.CompileModule(ctx, code)
	if err != nil {
		return types.Checksum{}, fmt.Errorf("could not compile bundle %s: %w", name, err)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if old, ok := rt.modules[name]; ok {
		rt.closeLocked(ctx, old)
	}
	inst, err := rt.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		_ = compiled.Close(ctx)
		return types.Checksum{}, fmt.Errorf("could not instantiate bundle %s: %w", name, err)
	}
	m := &module{name: name, checksum: types.ChecksumOf(code), compiled: compiled, inst: inst}
	rt.modules[name] = m
	rt.logger.Debug().Str("bundle", name).Stringer("checksum", m.checksum).Int("exports", len(compiled.ExportedFunctions())).Msg("bundle loaded")
	return m.checksum, nil
}

// Unload closes the module of bundle name.
func (rt *Runtime) Unload(ctx context.Context, name string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.modules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBundleNotLoaded, name)
	}
	rt.closeLocked(ctx, m)
	return nil
}

func (rt *Runtime) closeLocked(ctx context.Context, m *module) {
	m.callMu.Lock()
	defer m.callMu.Unlock()
	if err := m.inst.Close(ctx); err != nil {
		rt.logger.Error().Err(err).Str("bundle", m.name).Msg("error closing module instance")
	}
	if err := m.compiled.Close(ctx); err != nil {
		rt.logger.Error().Err(err).Str("bundle", m.name).Msg("error closing compiled module")
	}
	delete(rt.modules, m.name)
}

// Loaded reports whether bundle name is loaded and returns its checksum.
func (rt *Runtime) Loaded(name string) (types.Checksum, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.modules[name]
	if !ok {
		return types.Checksum{}, false
	}
	return m.checksum, true
}

// Exports lists the exported function names of bundle name in sorted order.
func (rt *Runtime) Exports(name string) ([]string, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotLoaded, name)
	}
	out := make([]string, 0, len(m.compiled.ExportedFunctions()))
	for fn := range m.compiled.ExportedFunctions() {
		out = append(out, fn)
	}
	sort.Strings(out)
	return out, nil
}

// Lookup returns the exported function export of bundle name.
func (rt *Runtime) Lookup(name, export string) (*Function, error) {
	rt.mu.RLock()
	m, ok := rt.modules[name]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotLoaded, name)
	}
	fn := m.inst.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrExportNotFound, name, export)
	}
	return newFunction(m, export, fn)
}

// Close releases every module and the runtime.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, m := range rt.modules {
		rt.closeLocked(ctx, m)
	}
	return rt.runtime.Close(ctx)
}
