// Package vmtest provides an in-memory vmapi.VM that records every contract
// call, for tests of code that embeds a VM.
package vmtest

import (
	"context"
	"runtime"
	"sync"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

// VM is a fake vmapi.VM. Error fields make the matching call fail.
type VM struct {
	mu sync.Mutex

	SetFlagsErr     error
	InitErr         error
	CreateErr       error
	LoadErr         error
	MakeRunnableErr error
	TagHandlerErr   error
	// NotService makes IsServiceIsolate report false for every isolate.
	NotService bool

	calls       []string
	flags       []string
	params      vmapi.InitParams
	initialized bool
	isolates    []*Isolate
	events      []vmapi.TimelineEvent

	timelineStart func()
	timelineStop  func()
	fileModified  vmapi.FileModifiedFunc
	listen        vmapi.StreamListenFunc
	cancel        vmapi.StreamCancelFunc
	debug         vmapi.DebugEventHandler
}

// New returns an empty fake VM.
func New() *VM {
	return &VM{}
}

func (v *VM) record(call string) {
	v.mu.Lock()
	v.calls = append(v.calls, call)
	v.mu.Unlock()
}

// Calls returns the names of contract calls in the order they were made.
func (v *VM) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

// CallIndex returns the position of the first call named name, or -1.
func (v *VM) CallIndex(name string) int {
	for i, c := range v.Calls() {
		if c == name {
			return i
		}
	}
	return -1
}

// Flags returns the flag vector passed to SetFlags.
func (v *VM) Flags() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flags
}

// Params returns the parameters passed to Initialize.
func (v *VM) Params() vmapi.InitParams {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params
}

// Isolates returns every isolate created so far.
func (v *VM) Isolates() []*Isolate {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*Isolate(nil), v.isolates...)
}

// Events returns the recorded timeline events.
func (v *VM) Events() []vmapi.TimelineEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vmapi.TimelineEvent(nil), v.events...)
}

// FileModified returns the installed file-modified callback.
func (v *VM) FileModified() vmapi.FileModifiedFunc {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fileModified
}

// StartRecording and StopRecording simulate the timeline subsystem.
func (v *VM) StartRecording() {
	v.mu.Lock()
	fn := v.timelineStart
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (v *VM) StopRecording() {
	v.mu.Lock()
	fn := v.timelineStop
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Debug delivers ev to the installed debug handler.
func (v *VM) Debug(ev vmapi.DebugEvent) {
	v.mu.Lock()
	fn := v.debug
	v.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (v *VM) Info() vmapi.Info {
	return vmapi.Info{Name: "vmtest", Version: "0", Arch: runtime.GOARCH}
}

func (v *VM) SetFlags(flags []string) error {
	v.record("SetFlags")
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initialized {
		return vmapi.ErrFlagsFrozen
	}
	if v.SetFlagsErr != nil {
		return v.SetFlagsErr
	}
	v.flags = append([]string(nil), flags...)
	return nil
}

func (v *VM) Initialize(ctx context.Context, params vmapi.InitParams) error {
	v.record("Initialize")
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.InitErr != nil {
		return v.InitErr
	}
	if v.initialized {
		return vmapi.ErrAlreadyInitialized
	}
	if params.Callbacks == nil {
		return vmapi.ErrNoCallbacks
	}
	v.params = params
	v.initialized = true
	return nil
}

func (v *VM) CreateIsolate(ctx context.Context, params vmapi.CreateParams) (vmapi.Isolate, error) {
	v.record("CreateIsolate")
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return nil, vmapi.ErrNotInitialized
	}
	if v.CreateErr != nil {
		return nil, v.CreateErr
	}
	iso := &Isolate{
		vm:       v,
		uri:      params.ScriptURI,
		main:     params.Main,
		Snapshot: params.Snapshot,
		state:    params.State,
		entered:  true,
		natives:  make(map[string]vmapi.NativeModule),
	}
	v.isolates = append(v.isolates, iso)
	return iso, nil
}

func (v *VM) IsServiceIsolate(iso vmapi.Isolate) bool {
	return !v.NotService && iso.URI() == vmapi.ServiceIsolateName
}

func (v *VM) Spawn(ctx context.Context, parent vmapi.Isolate, scriptURI, main string) (vmapi.Isolate, error) {
	v.record("Spawn")
	cb := v.Params().Callbacks
	if cb == nil {
		return nil, vmapi.ErrNotInitialized
	}
	return cb.CreateIsolate(ctx, vmapi.IsolateRequest{
		ScriptURI: scriptURI,
		Main:      main,
		Parent:    parent.State(),
	})
}

func (v *VM) SetEmbedderTimelineCallbacks(start, stop func()) {
	v.record("SetEmbedderTimelineCallbacks")
	v.mu.Lock()
	v.timelineStart, v.timelineStop = start, stop
	v.mu.Unlock()
}

func (v *VM) SetFileModifiedCallback(fn vmapi.FileModifiedFunc) {
	v.record("SetFileModifiedCallback")
	v.mu.Lock()
	v.fileModified = fn
	v.mu.Unlock()
}

func (v *VM) SetServiceStreamCallbacks(listen vmapi.StreamListenFunc, cancel vmapi.StreamCancelFunc) {
	v.record("SetServiceStreamCallbacks")
	v.mu.Lock()
	v.listen, v.cancel = listen, cancel
	v.mu.Unlock()
}

func (v *VM) SetDebugEventHandler(fn vmapi.DebugEventHandler) {
	v.record("SetDebugEventHandler")
	v.mu.Lock()
	v.debug = fn
	v.mu.Unlock()
}

func (v *VM) TimelineEvent(ev vmapi.TimelineEvent) {
	v.record("TimelineEvent")
	v.mu.Lock()
	v.events = append(v.events, ev)
	v.mu.Unlock()
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

func (v *VM) Version() string {
	return "vmtest"
}

// Isolate is a fake vmapi.Isolate that enforces the entry and scope rules
// of the contract.
type Isolate struct {
	vm *VM

	mu         sync.Mutex
	uri        string
	main       string
	state      any
	entered    bool
	scoped     bool
	tagHandler vmapi.LibraryTagHandler
	natives    map[string]vmapi.NativeModule
	loaded     []byte
	runnable   bool
	shutdown   bool

	// Snapshot is the isolate snapshot passed to CreateIsolate.
	Snapshot []byte
}

func (i *Isolate) URI() string  { return i.uri }
func (i *Isolate) Main() string { return i.main }
func (i *Isolate) State() any   { return i.state }

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
	if i.vm.TagHandlerErr != nil {
		return i.vm.TagHandlerErr
	}
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
	if _, ok := i.natives[m.Name]; ok {
		return vmapi.ErrNativeConflict
	}
	i.natives[m.Name] = m
	return nil
}

func (i *Isolate) LoadScriptFromSnapshot(ctx context.Context, data []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.scoped {
		return vmapi.ErrNoScope
	}
	if i.vm.LoadErr != nil {
		return i.vm.LoadErr
	}
	i.loaded = append([]byte(nil), data...)
	return nil
}

func (i *Isolate) MakeRunnable(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.entered {
		return vmapi.ErrIsolateEntered
	}
	if i.runnable {
		return vmapi.ErrAlreadyRunnable
	}
	if i.vm.MakeRunnableErr != nil {
		return i.vm.MakeRunnableErr
	}
	i.runnable = true
	return nil
}

func (i *Isolate) Wait(ctx context.Context) error {
	return nil
}

func (i *Isolate) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if i.shutdown {
		i.mu.Unlock()
		return nil
	}
	i.shutdown = true
	i.entered = false
	i.mu.Unlock()

	if cb := i.vm.Params().Callbacks; cb != nil {
		cb.IsolateShutdown(i.state)
	}
	return nil
}

// Entered reports whether the isolate is current.
func (i *Isolate) Entered() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.entered
}

// Scoped reports whether an API scope is open.
func (i *Isolate) Scoped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.scoped
}

// TagHandler returns the installed library tag handler.
func (i *Isolate) TagHandler() vmapi.LibraryTagHandler {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tagHandler
}

// Natives returns the native module registered under name.
func (i *Isolate) Natives(name string) (vmapi.NativeModule, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.natives[name]
	return m, ok
}

// Loaded returns the bytes passed to LoadScriptFromSnapshot.
func (i *Isolate) Loaded() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loaded
}

// Runnable reports whether MakeRunnable succeeded.
func (i *Isolate) Runnable() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runnable
}

// IsShutdown reports whether Shutdown ran.
func (i *Isolate) IsShutdown() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shutdown
}
