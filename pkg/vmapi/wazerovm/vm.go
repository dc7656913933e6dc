// Package wazerovm implements vmapi.VM on top of the wazero WebAssembly
// runtime. Every isolate owns a separate wazero runtime, so isolates never
// share linear memory. Script snapshots are WebAssembly modules; their
// imports are resolved through the embedder's library tag handler.
package wazerovm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

const wazeroModule = "github.com/tetratelabs/wazero"

// VM is a vmapi.VM backed by wazero.
type VM struct {
	log            *zap.Logger
	cache          wazero.CompilationCache
	ownCache       bool
	interpreter    bool
	serviceIsolate bool
	stdout, stderr io.Writer

	mu          sync.Mutex
	flags       flagSet
	rawFlags    []string
	initialized bool
	params      vmapi.InitParams
	recording   bool
	events      []vmapi.TimelineEvent
	isolates    map[*Isolate]struct{}
	service     vmapi.Isolate
	sources     map[string]*source

	timelineStart func()
	timelineStop  func()
	fileModified  vmapi.FileModifiedFunc
	listen        vmapi.StreamListenFunc
	cancel        vmapi.StreamCancelFunc
	debug         vmapi.DebugEventHandler
}

// source is a library loaded from a URL, kept until the file-modified
// callback reports it stale.
type source struct {
	data     []byte
	sum      [blake2b.Size256]byte
	loadedAt time.Time
}

// Option configures a VM.
type Option func(*VM)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(v *VM) { v.log = log }
}

// WithInterpreter selects the wazero interpreter instead of the compiler.
func WithInterpreter() Option {
	return func(v *VM) { v.interpreter = true }
}

// WithServiceIsolate makes Initialize request the service isolate.
func WithServiceIsolate(enabled bool) Option {
	return func(v *VM) { v.serviceIsolate = enabled }
}

// WithOutput sets the writers guest stdout and stderr go to.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(v *VM) { v.stdout, v.stderr = stdout, stderr }
}

// WithCompilationCache shares compiled code across VMs.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(v *VM) { v.cache = cache }
}

// New creates a VM. It does nothing until SetFlags and Initialize are called.
func New(opts ...Option) *VM {
	v := &VM{
		log:      zap.NewNop(),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		isolates: make(map[*Isolate]struct{}),
		sources:  make(map[string]*source),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = wazero.NewCompilationCache()
		v.ownCache = true
	}
	return v
}

func (v *VM) runtimeConfig() wazero.RuntimeConfig {
	var cfg wazero.RuntimeConfig
	if v.interpreter {
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		cfg = wazero.NewRuntimeConfig()
	}
	return cfg.WithCompilationCache(v.cache).WithCloseOnContextDone(true)
}

func (v *VM) Info() vmapi.Info {
	return vmapi.Info{Name: "wazero", Version: engineVersion(), Arch: runtime.GOARCH}
}

func engineVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == wazeroModule {
			return dep.Version
		}
	}
	return "unknown"
}

func (v *VM) Version() string {
	return "isohost-wazero/" + engineVersion()
}

func (v *VM) SetFlags(flags []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initialized {
		return vmapi.ErrFlagsFrozen
	}
	fs, err := parseFlags(flags)
	if err != nil {
		return err
	}
	v.flags = fs
	v.rawFlags = append([]string(nil), flags...)
	return nil
}

// Flags returns the accepted flag vector.
func (v *VM) Flags() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.rawFlags...)
}

func (v *VM) Initialize(ctx context.Context, params vmapi.InitParams) error {
	v.mu.Lock()
	if v.initialized {
		v.mu.Unlock()
		return vmapi.ErrAlreadyInitialized
	}
	if params.Callbacks == nil {
		v.mu.Unlock()
		return vmapi.ErrNoCallbacks
	}
	v.params = params
	v.initialized = true
	record := v.flags.recorder != "" && v.flags.recorder != "none"
	v.mu.Unlock()

	v.log.Info("VM initialized",
		zap.String("engine", engineVersion()),
		zap.Bool("precompiled", params.Instructions != nil),
		zap.Int("vm_snapshot_bytes", len(params.VMIsolateSnapshot)))

	if record {
		v.StartRecording()
	}

	if !v.serviceIsolate {
		return nil
	}
	iso, err := params.Callbacks.CreateIsolate(ctx, vmapi.IsolateRequest{ScriptURI: vmapi.ServiceIsolateName})
	if err != nil {
		return fmt.Errorf("wazerovm: service isolate: %w", err)
	}
	v.mu.Lock()
	v.service = iso
	v.mu.Unlock()
	return nil
}

func (v *VM) callbacks() vmapi.IsolateCallbacks {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params.Callbacks
}

func (v *VM) CreateIsolate(ctx context.Context, params vmapi.CreateParams) (vmapi.Isolate, error) {
	v.mu.Lock()
	if !v.initialized {
		v.mu.Unlock()
		return nil, vmapi.ErrNotInitialized
	}
	pause := v.flags.pauseOnStart
	v.mu.Unlock()

	main := params.Main
	if main == "" {
		main = "main"
	}
	iso := &Isolate{
		vm:       v,
		rt:       wazero.NewRuntimeWithConfig(ctx, v.runtimeConfig()),
		uri:      params.ScriptURI,
		main:     main,
		state:    params.State,
		snapshot: params.Snapshot,
		pause:    pause,
		entered:  true,
		natives:  make(map[string]vmapi.NativeModule),
		resume:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	v.mu.Lock()
	v.isolates[iso] = struct{}{}
	v.mu.Unlock()

	v.log.Debug("isolate created", zap.String("uri", iso.uri))
	v.emit(vmapi.DebugEvent{Kind: vmapi.DebugIsolateCreated, ScriptURI: iso.uri})
	return iso, nil
}

func (v *VM) IsServiceIsolate(iso vmapi.Isolate) bool {
	i, ok := iso.(*Isolate)
	return ok && i.vm == v && i.uri == vmapi.ServiceIsolateName
}

// ServiceIsolate returns the service isolate, if one was created.
func (v *VM) ServiceIsolate() vmapi.Isolate {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.service
}

func (v *VM) Spawn(ctx context.Context, parent vmapi.Isolate, scriptURI, main string) (vmapi.Isolate, error) {
	cb := v.callbacks()
	if cb == nil {
		return nil, vmapi.ErrNotInitialized
	}
	if p, ok := parent.(*Isolate); !ok || p.vm != v {
		return nil, vmapi.ErrForeignIsolate
	}
	return cb.CreateIsolate(ctx, vmapi.IsolateRequest{
		ScriptURI: scriptURI,
		Main:      main,
		Parent:    parent.State(),
	})
}

func (v *VM) SetEmbedderTimelineCallbacks(start, stop func()) {
	v.mu.Lock()
	v.timelineStart, v.timelineStop = start, stop
	v.mu.Unlock()
}

func (v *VM) SetFileModifiedCallback(fn vmapi.FileModifiedFunc) {
	v.mu.Lock()
	v.fileModified = fn
	v.mu.Unlock()
}

func (v *VM) SetServiceStreamCallbacks(listen vmapi.StreamListenFunc, cancel vmapi.StreamCancelFunc) {
	v.mu.Lock()
	v.listen, v.cancel = listen, cancel
	v.mu.Unlock()
}

func (v *VM) SetDebugEventHandler(fn vmapi.DebugEventHandler) {
	v.mu.Lock()
	v.debug = fn
	v.mu.Unlock()
}

func (v *VM) emit(ev vmapi.DebugEvent) {
	v.mu.Lock()
	fn := v.debug
	v.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// StartRecording turns the timeline recorder on and notifies the embedder.
func (v *VM) StartRecording() {
	v.mu.Lock()
	if v.recording {
		v.mu.Unlock()
		return
	}
	v.recording = true
	start := v.timelineStart
	v.mu.Unlock()
	if start != nil {
		start()
	}
}

// StopRecording turns the timeline recorder off and notifies the embedder.
func (v *VM) StopRecording() {
	v.mu.Lock()
	if !v.recording {
		v.mu.Unlock()
		return
	}
	v.recording = false
	stop := v.timelineStop
	v.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// TimelineEvent records ev while the recorder is on.
func (v *VM) TimelineEvent(ev vmapi.TimelineEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.recording {
		v.events = append(v.events, ev)
	}
}

// Events returns the recorded timeline events.
func (v *VM) Events() []vmapi.TimelineEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vmapi.TimelineEvent(nil), v.events...)
}

func (v *VM) StreamListen(streamID string) bool {
	v.mu.Lock()
	fn := v.listen
	v.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(streamID)
}

func (v *VM) StreamCancel(streamID string) {
	v.mu.Lock()
	fn := v.cancel
	v.mu.Unlock()
	if fn != nil {
		fn(streamID)
	}
}

// loadSource returns the bytes of the library at url, reusing the cached copy
// while the file-modified callback reports it unchanged.
func (v *VM) loadSource(ctx context.Context, iso *Isolate, h vmapi.LibraryTagHandler, name, url string) ([]byte, error) {
	v.mu.Lock()
	cached := v.sources[url]
	modified := v.fileModified
	v.mu.Unlock()

	if cached != nil && modified != nil && !modified(url, cached.loadedAt.UnixMilli()) {
		return cached.data, nil
	}

	lib, err := h(ctx, iso, vmapi.TagSource, name, url)
	if err != nil {
		return nil, fmt.Errorf("wazerovm: load %s: %w", url, err)
	}
	if len(lib.Source) == 0 {
		return nil, fmt.Errorf("wazerovm: load %s: %w", url, vmapi.ErrNoScript)
	}

	fresh := &source{data: lib.Source, sum: blake2b.Sum256(lib.Source), loadedAt: time.Now()}
	if cached != nil && cached.sum == fresh.sum {
		v.log.Debug("library unchanged after reload", zap.String("url", url))
	}
	v.mu.Lock()
	v.sources[url] = fresh
	v.mu.Unlock()
	return fresh.data, nil
}

func (v *VM) isolateExited(iso *Isolate) {
	v.mu.Lock()
	delete(v.isolates, iso)
	v.mu.Unlock()
}

// Close shuts down every live isolate and releases the compilation cache
// unless it was supplied with WithCompilationCache.
func (v *VM) Close(ctx context.Context) error {
	v.mu.Lock()
	live := make([]*Isolate, 0, len(v.isolates))
	for iso := range v.isolates {
		live = append(live, iso)
	}
	v.mu.Unlock()

	var errs []error
	for _, iso := range live {
		if err := iso.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if v.ownCache {
		if err := v.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
