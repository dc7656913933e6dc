package wazerovm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

// coreModuleName is the module name an isolate snapshot is instantiated
// under when it is itself a WebAssembly module.
const coreModuleName = "dart:core"

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Isolate is a wazero-backed isolate.
type Isolate struct {
	vm       *VM
	rt       wazero.Runtime
	uri      string
	main     string
	state    any
	snapshot []byte
	pause    bool

	mu         sync.Mutex
	entered    bool
	scoped     bool
	tagHandler vmapi.LibraryTagHandler
	natives    map[string]vmapi.NativeModule
	compiled   wazero.CompiledModule
	imports    []sourceImport
	runnable   bool
	shutdown   bool
	cancelRun  context.CancelFunc
	err        error

	resume     chan struct{}
	resumeOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

type sourceImport struct {
	name string
	data []byte
}

func (i *Isolate) URI() string { return i.uri }
func (i *Isolate) State() any  { return i.state }

func (i *Isolate) Enter() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.shutdown {
		return vmapi.ErrIsolateShutdown
	}
	i.entered = true
	return nil
}

func (i *Isolate) Exit() {
	i.mu.Lock()
	i.entered = false
	i.scoped = false
	i.mu.Unlock()
}

func (i *Isolate) EnterScope() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.entered {
		return vmapi.ErrIsolateNotEntered
	}
	i.scoped = true
	return nil
}

func (i *Isolate) ExitScope() {
	i.mu.Lock()
	i.scoped = false
	i.mu.Unlock()
}

func (i *Isolate) SetLibraryTagHandler(h vmapi.LibraryTagHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.entered {
		return vmapi.ErrIsolateNotEntered
	}
	i.tagHandler = h
	return nil
}

func (i *Isolate) RegisterNatives(m vmapi.NativeModule) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.scoped {
		return vmapi.ErrNoScope
	}
	if i.runnable {
		return vmapi.ErrAlreadyRunnable
	}
	if _, ok := i.natives[m.Name]; ok {
		return fmt.Errorf("%w: %s", vmapi.ErrNativeConflict, m.Name)
	}
	i.natives[m.Name] = m
	return nil
}

func (i *Isolate) hasNatives(name string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.natives[name]
	return ok
}

// LoadScriptFromSnapshot compiles data as the isolate's root module and
// resolves each imported module through the library tag handler.
func (i *Isolate) LoadScriptFromSnapshot(ctx context.Context, data []byte) error {
	i.mu.Lock()
	switch {
	case i.shutdown:
		i.mu.Unlock()
		return vmapi.ErrIsolateShutdown
	case !i.scoped:
		i.mu.Unlock()
		return vmapi.ErrNoScope
	case i.tagHandler == nil:
		i.mu.Unlock()
		return vmapi.ErrNoTagHandler
	}
	h := i.tagHandler
	i.mu.Unlock()

	compiled, err := i.rt.CompileModule(ctx, data)
	if err != nil {
		return fmt.Errorf("wazerovm: compile %s: %w", i.uri, err)
	}

	var imports []sourceImport
	for _, name := range importedModules(compiled) {
		if name == coreModuleName && bytes.HasPrefix(i.snapshot, wasmMagic) {
			continue
		}
		imp, native, err := i.resolveImport(ctx, h, name)
		if err != nil {
			compiled.Close(ctx)
			return err
		}
		if !native {
			imports = append(imports, imp)
		}
	}

	i.mu.Lock()
	i.compiled = compiled
	i.imports = imports
	i.mu.Unlock()
	return nil
}

func importedModules(compiled wazero.CompiledModule) []string {
	var names []string
	for _, fn := range compiled.ImportedFunctions() {
		mod, _, _ := fn.Import()
		if mod == wasi_snapshot_preview1.ModuleName || slices.Contains(names, mod) {
			continue
		}
		names = append(names, mod)
	}
	return names
}

func (i *Isolate) resolveImport(ctx context.Context, h vmapi.LibraryTagHandler, name string) (sourceImport, bool, error) {
	url := name
	if lib, err := h(ctx, i, vmapi.TagCanonicalizeURL, i.uri, name); err == nil && lib.URL != "" {
		url = lib.URL
	}

	lib, err := h(ctx, i, vmapi.TagImport, i.uri, url)
	if err != nil {
		return sourceImport{}, false, fmt.Errorf("wazerovm: import %s: %w", name, err)
	}
	if lib.Native {
		if !i.hasNatives(name) {
			return sourceImport{}, false, fmt.Errorf("%w: %s", vmapi.ErrNativeNotFound, name)
		}
		return sourceImport{}, true, nil
	}

	data := lib.Source
	if data == nil {
		if lib.URL != "" {
			url = lib.URL
		}
		data, err = i.vm.loadSource(ctx, i, h, name, url)
		if err != nil {
			return sourceImport{}, false, err
		}
	}
	return sourceImport{name: name, data: data}, false, nil
}

// MakeRunnable links and instantiates the loaded script and starts its entry
// function on a new goroutine. An isolate without a script stays idle until
// it is shut down.
func (i *Isolate) MakeRunnable(ctx context.Context) error {
	i.mu.Lock()
	switch {
	case i.shutdown:
		i.mu.Unlock()
		return vmapi.ErrIsolateShutdown
	case i.entered:
		i.mu.Unlock()
		return vmapi.ErrIsolateEntered
	case i.runnable:
		i.mu.Unlock()
		return vmapi.ErrAlreadyRunnable
	}
	compiled := i.compiled
	imports := i.imports
	natives := make([]vmapi.NativeModule, 0, len(i.natives))
	for _, m := range i.natives {
		natives = append(natives, m)
	}
	i.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var entry api.Function
	if compiled != nil {
		fn, err := i.link(runCtx, compiled, imports, natives)
		if err != nil {
			cancel()
			return err
		}
		entry = fn
	}

	i.mu.Lock()
	i.runnable = true
	i.cancelRun = cancel
	i.mu.Unlock()

	i.vm.emit(vmapi.DebugEvent{Kind: vmapi.DebugIsolateRunnable, ScriptURI: i.uri})
	if entry != nil {
		go i.run(runCtx, entry)
	}
	return nil
}

func (i *Isolate) link(ctx context.Context, compiled wazero.CompiledModule, imports []sourceImport, natives []vmapi.NativeModule) (api.Function, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, i.rt); err != nil {
		return nil, fmt.Errorf("wazerovm: wasi: %w", err)
	}

	slices.SortFunc(natives, func(a, b vmapi.NativeModule) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	for _, m := range natives {
		if err := i.instantiateNatives(ctx, m); err != nil {
			return nil, err
		}
	}

	if bytes.HasPrefix(i.snapshot, wasmMagic) {
		cfg := wazero.NewModuleConfig().WithName(coreModuleName).WithStartFunctions()
		if _, err := i.rt.InstantiateWithConfig(ctx, i.snapshot, cfg); err != nil {
			return nil, fmt.Errorf("wazerovm: isolate snapshot: %w", err)
		}
	}

	for _, imp := range imports {
		cfg := wazero.NewModuleConfig().
			WithName(imp.name).
			WithStartFunctions().
			WithStdout(i.vm.stdout).
			WithStderr(i.vm.stderr)
		if _, err := i.rt.InstantiateWithConfig(ctx, imp.data, cfg); err != nil {
			return nil, fmt.Errorf("wazerovm: instantiate %s: %w", imp.name, err)
		}
	}

	cfg := wazero.NewModuleConfig().
		WithName(i.uri).
		WithStartFunctions().
		WithStdout(i.vm.stdout).
		WithStderr(i.vm.stderr)
	mod, err := i.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("wazerovm: instantiate %s: %w", i.uri, err)
	}

	entry := mod.ExportedFunction(i.main)
	if entry == nil && i.main == "main" {
		entry = mod.ExportedFunction("_start")
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s in %s", vmapi.ErrEntryNotFound, i.main, i.uri)
	}
	return entry, nil
}

func (i *Isolate) instantiateNatives(ctx context.Context, m vmapi.NativeModule) error {
	builder := i.rt.NewHostModuleBuilder(m.Name)
	for _, fn := range m.Functions {
		impl := fn.Func
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				impl(ctx, i, memoryOf(mod), stack)
			}), valueTypes(fn.Params), valueTypes(fn.Results)).
			WithName(fn.Name).
			Export(fn.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("wazerovm: natives %s: %w", m.Name, err)
	}
	return nil
}

func valueTypes(in []vmapi.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(in))
	for n, vt := range in {
		switch vt {
		case vmapi.ValueTypeI64:
			out[n] = api.ValueTypeI64
		case vmapi.ValueTypeF32:
			out[n] = api.ValueTypeF32
		case vmapi.ValueTypeF64:
			out[n] = api.ValueTypeF64
		default:
			out[n] = api.ValueTypeI32
		}
	}
	return out
}

type memory struct {
	mem api.Memory
}

func memoryOf(mod api.Module) vmapi.Memory {
	if mod == nil || mod.Memory() == nil {
		return nil
	}
	return memory{mem: mod.Memory()}
}

func (m memory) Read(offset, size uint32) ([]byte, bool) { return m.mem.Read(offset, size) }
func (m memory) Write(offset uint32, data []byte) bool    { return m.mem.Write(offset, data) }

func (i *Isolate) run(ctx context.Context, entry api.Function) {
	if i.pause {
		i.vm.emit(vmapi.DebugEvent{Kind: vmapi.DebugPauseStart, ScriptURI: i.uri})
		select {
		case <-i.resume:
			i.vm.emit(vmapi.DebugEvent{Kind: vmapi.DebugResume, ScriptURI: i.uri})
		case <-ctx.Done():
		}
	}

	_, err := entry.Call(ctx)
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		err = nil
	}
	if err != nil && ctx.Err() != nil {
		// Shut down from outside.
		err = nil
	}
	if err != nil {
		i.vm.log.Warn("isolate exited with error", zap.String("uri", i.uri), zap.Error(err))
	}

	i.mu.Lock()
	i.err = err
	i.mu.Unlock()

	i.vm.emit(vmapi.DebugEvent{Kind: vmapi.DebugIsolateExit, ScriptURI: i.uri, Err: err})
	if cb := i.vm.callbacks(); cb != nil {
		cb.ThreadExit()
	}
	i.Shutdown(context.Background())
}

// Resume releases an isolate held by --pause_isolates_on_start.
func (i *Isolate) Resume() {
	i.resumeOnce.Do(func() { close(i.resume) })
}

// Paused reports whether the isolate waits at its start for Resume.
func (i *Isolate) Paused() bool {
	select {
	case <-i.resume:
		return false
	default:
		return i.pause
	}
}

// Wait blocks until the entry function returns or the isolate is shut down.
func (i *Isolate) Wait(ctx context.Context) error {
	select {
	case <-i.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// Shutdown stops the isolate, closes its runtime and reports the embedder
// state back to the shutdown callback. Only the first call has any effect.
func (i *Isolate) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if i.shutdown {
		i.mu.Unlock()
		return nil
	}
	i.shutdown = true
	i.entered = false
	i.scoped = false
	cancel := i.cancelRun
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := i.rt.Close(ctx)

	i.vm.isolateExited(i)
	if cb := i.vm.callbacks(); cb != nil {
		cb.IsolateShutdown(i.state)
	}
	i.doneOnce.Do(func() { close(i.done) })
	return err
}
