// Package vmapi defines the entry-point contract between the embedder and a
// managed-language VM. Backends (wazerovm, the vmtest fake) satisfy VM and
// hand out Isolate handles; the embedder satisfies IsolateCallbacks.
package vmapi

import (
	"context"
)

// ServiceIsolateName is the reserved script URI the VM uses when it asks the
// embedder for its service isolate.
const ServiceIsolateName = "vm-service"

// VM is the opaque virtual machine the embedder brings online.
type VM interface {
	ServiceProtocol

	Info() Info

	// SetFlags hands the VM its flag vector. Must precede Initialize.
	SetFlags(flags []string) error

	// Initialize brings the VM online. It blocks until the VM is ready to
	// create isolates.
	Initialize(ctx context.Context, params InitParams) error

	// CreateIsolate creates a native isolate. The returned isolate is
	// current (entered) on the calling goroutine.
	CreateIsolate(ctx context.Context, params CreateParams) (Isolate, error)

	// IsServiceIsolate reports whether the VM treats iso as its service isolate.
	IsServiceIsolate(iso Isolate) bool

	// Spawn is the isolate-spawn primitive: the VM asks the embedder for a
	// new isolate whose parent state is the state of parent.
	Spawn(ctx context.Context, parent Isolate, scriptURI, main string) (Isolate, error)

	SetEmbedderTimelineCallbacks(start, stop func())
	SetFileModifiedCallback(fn FileModifiedFunc)
	SetServiceStreamCallbacks(listen StreamListenFunc, cancel StreamCancelFunc)
	SetDebugEventHandler(fn DebugEventHandler)

	// TimelineEvent records an event on the VM timeline.
	TimelineEvent(ev TimelineEvent)
}

// ServiceProtocol is the subset of the VM reachable from the diagnostic server.
type ServiceProtocol interface {
	// StreamListen asks the VM to start forwarding events for streamID.
	StreamListen(streamID string) bool
	// StreamCancel stops forwarding events for streamID.
	StreamCancel(streamID string)
	// Version identifies the VM to diagnostic clients.
	Version() string
}

// Isolate is a handle to a native isolate owned by the VM.
type Isolate interface {
	// URI returns the script URI the isolate was created for.
	URI() string
	// State returns the embedder state registered at creation.
	State() any

	// Enter makes the isolate current. Exit leaves it.
	Enter() error
	Exit()
	// EnterScope opens an API scope on the current isolate; natives,
	// snapshot loading and class registration require one.
	EnterScope() error
	ExitScope()

	SetLibraryTagHandler(h LibraryTagHandler) error
	RegisterNatives(m NativeModule) error
	LoadScriptFromSnapshot(ctx context.Context, data []byte) error

	// MakeRunnable transitions the isolate into the runnable state. The
	// isolate must not be current.
	MakeRunnable(ctx context.Context) error

	// Wait blocks until the isolate finishes running.
	Wait(ctx context.Context) error

	// Shutdown tears the isolate down. The VM invokes the embedder's
	// shutdown callback exactly once.
	Shutdown(ctx context.Context) error
}

// IsolateCallbacks is implemented by the embedder and registered with the VM
// at initialization time. The VM may invoke it from any goroutine.
type IsolateCallbacks interface {
	CreateIsolate(ctx context.Context, req IsolateRequest) (Isolate, error)
	IsolateShutdown(state any)
	ThreadExit()
}

// IsolateRequest is what the VM passes when it needs a new isolate.
type IsolateRequest struct {
	ScriptURI string
	Main      string

	// PackageRoot and PackageConfig are legacy and ignored by the embedder.
	PackageRoot   string
	PackageConfig string

	Flags IsolateFlags

	// Parent is the embedder state of the isolate that requested the spawn.
	// Nil for the service isolate.
	Parent any
}

// IsolateFlags are per-isolate VM options.
type IsolateFlags struct {
	EnableAsserts    bool
	EnableTypeChecks bool
	ErrorsFatal      bool
}

// CreateParams are the embedder's arguments to VM.CreateIsolate.
type CreateParams struct {
	ScriptURI string
	Main      string

	// Snapshot is the isolate snapshot; nil when the VM should start empty.
	Snapshot []byte

	Flags IsolateFlags
	State any
}

// Info contains VM metadata.
type Info struct {
	Name    string
	Version string
	Arch    string
}

// FileModifiedFunc reports whether the resource at url changed after sinceMs
// (milliseconds since the Unix epoch).
type FileModifiedFunc func(url string, sinceMs int64) bool

// StreamListenFunc accepts or rejects a service stream subscription.
type StreamListenFunc func(streamID string) bool

// StreamCancelFunc ends a service stream subscription.
type StreamCancelFunc func(streamID string)
