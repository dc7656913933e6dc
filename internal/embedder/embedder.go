// Package embedder brings a VM online inside the host process and creates
// its isolates. An Embedder is the single owner of the process-wide
// embedding state: the service-isolate flag and hooks, the tracing
// callbacks and the native binding subsystems.
package embedder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/javanstorm/isohost/internal/bundle"
	"github.com/javanstorm/isohost/internal/diagnostics"
	"github.com/javanstorm/isohost/internal/natives"
	"github.com/javanstorm/isohost/internal/settings"
	"github.com/javanstorm/isohost/internal/snapshot"
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/pkg/vmapi"
)

const fileURIPrefix = "file://"

// Bundle is the asset container a script URI points at.
type Bundle interface {
	GetAsBuffer(key string) ([]byte, bool)
	Close() error
}

// BundleOpener opens the bundle at path.
type BundleOpener func(path string) (Bundle, error)

func openZipBundle(path string) (Bundle, error) {
	b, err := bundle.Open(path)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ServiceIsolateHook and RegisterNativeServiceProtocolExtensionHook are
// called once, when the service isolate comes up.
type (
	ServiceIsolateHook                         func(precompiled bool)
	RegisterNativeServiceProtocolExtensionHook func(precompiled bool)
)

// Options configures an Embedder.
type Options struct {
	// VM is the virtual machine to bring online. Required.
	VM vmapi.VM

	// Settings are read once; nil selects settings.Default().
	Settings *settings.Settings

	// Locator finds the snapshot blobs; nil selects the static registry.
	Locator snapshot.Locator

	// IO is the dart:io binding; nil creates one over the process output.
	IO *natives.IO

	// Client is the diagnostic client of the root isolate state.
	Client state.IsolateClient

	// OpenBundle opens script bundles; nil opens zip bundles from disk.
	OpenBundle BundleOpener

	// ProcessStart is the earliest host timestamp, reported to the VM
	// timeline when set.
	ProcessStart time.Time

	Logger *zap.Logger
}

// Embedder implements vmapi.IsolateCallbacks for one VM.
type Embedder struct {
	vm           vmapi.VM
	settings     *settings.Settings
	locator      snapshot.Locator
	openBundle   BundleOpener
	processStart time.Time
	log          *zap.Logger

	io       *natives.IO
	ui       *natives.UI
	interop  *natives.Interop
	hooks    *natives.RuntimeHooks
	platform platform

	root *state.IsolateState

	initialized atomic.Bool
	config      VMConfig
	watcher     *natives.HandleWatcher
	debugger    *diagnostics.Debugger

	serviceInitialized atomic.Bool
	hookMu             sync.Mutex
	hooksTaken         bool // hooks were read by a booting service isolate
	serviceHook        ServiceIsolateHook
	extensionHook      RegisterNativeServiceProtocolExtensionHook

	tracing atomic.Pointer[TracingCallbacks]

	serverMu sync.Mutex
	server   *diagnostics.Server
}

// New creates an Embedder. Nothing happens until InitVM is called.
func New(opts Options) *Embedder {
	if opts.Settings == nil {
		opts.Settings = settings.Default()
	}
	if opts.Locator == nil {
		opts.Locator = snapshot.NewStaticLocator(snapshot.Default)
	}
	if opts.IO == nil {
		opts.IO = natives.NewIO(nil, nil)
	}
	if opts.OpenBundle == nil {
		opts.OpenBundle = openZipBundle
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := &Embedder{
		vm:           opts.VM,
		settings:     opts.Settings,
		locator:      opts.Locator,
		openBundle:   opts.OpenBundle,
		processStart: opts.ProcessStart,
		log:          opts.Logger,
		io:           opts.IO,
		ui:           &natives.UI{},
		interop:      &natives.Interop{},
		root:         state.New(opts.Client),
	}
	e.hooks = &natives.RuntimeHooks{Spawner: opts.VM, Log: opts.Logger}
	return e
}

// Precompiled reports whether AOT instructions are available. It is
// recomputed on every call.
func (e *Embedder) Precompiled() bool {
	return snapshot.IsRunningPrecompiled(e.locator)
}

// Config returns the VM policy used by InitVM.
func (e *Embedder) Config() VMConfig {
	return e.config
}

// IO returns the dart:io binding.
func (e *Embedder) IO() *natives.IO {
	return e.io
}

// UI returns the dart:ui binding.
func (e *Embedder) UI() *natives.UI {
	return e.ui
}

// RootState returns the state that isolates created without a parent
// derive from.
func (e *Embedder) RootState() *state.IsolateState {
	return e.root
}

// ObservatoryURL returns the diagnostic server URL, empty when no server
// is running.
func (e *Embedder) ObservatoryURL() string {
	e.serverMu.Lock()
	defer e.serverMu.Unlock()
	if e.server == nil {
		return ""
	}
	return e.server.URL()
}

// Close stops the diagnostic server and the handle watcher. It does not
// shut down the VM.
func (e *Embedder) Close(ctx context.Context) error {
	e.serverMu.Lock()
	srv := e.server
	e.server = nil
	e.serverMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close(ctx)
	}
	if e.watcher != nil {
		e.watcher.Stop()
	}
	return err
}

// fail logs and wraps err as a contract violation.
func (e *Embedder) fail(op string, err error) error {
	e.log.Error("embedding contract violated", zap.String("op", op), zap.Error(err))
	return &ContractViolation{Op: op, Err: err}
}

// SetServiceIsolateHook sets the hook run inside the service isolate. It
// must be called before the service isolate comes up.
func (e *Embedder) SetServiceIsolateHook(hook ServiceIsolateHook) error {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	if e.hooksTaken || e.serviceInitialized.Load() {
		return e.fail("SetServiceIsolateHook", ErrServiceInitialized)
	}
	e.serviceHook = hook
	return nil
}

// SetRegisterNativeServiceProtocolExtensionHook sets the hook run after the
// service isolate comes up. It must be called before that happens.
func (e *Embedder) SetRegisterNativeServiceProtocolExtensionHook(hook RegisterNativeServiceProtocolExtensionHook) error {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	if e.hooksTaken || e.serviceInitialized.Load() {
		return e.fail("SetRegisterNativeServiceProtocolExtensionHook", ErrServiceInitialized)
	}
	e.extensionHook = hook
	return nil
}

// takeServiceHook returns the service isolate hook and closes both setters.
func (e *Embedder) takeServiceHook() ServiceIsolateHook {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.hooksTaken = true
	return e.serviceHook
}

// markServiceInitialized flips the one-time flag and returns the extension
// hook to run.
func (e *Embedder) markServiceInitialized() RegisterNativeServiceProtocolExtensionHook {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.serviceInitialized.Store(true)
	return e.extensionHook
}

// ServiceInitialized reports whether the service isolate has come up.
func (e *Embedder) ServiceInitialized() bool {
	return e.serviceInitialized.Load()
}
