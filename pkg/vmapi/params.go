package vmapi

import "context"

// InitParams holds everything VM.Initialize needs.
type InitParams struct {
	// VMIsolateSnapshot is the VM-wide snapshot.
	VMIsolateSnapshot []byte

	// Instructions and Data are the AOT payload, nil when running JIT.
	Instructions []byte
	Data         []byte

	// Callbacks receives isolate create / shutdown / thread-exit requests.
	Callbacks IsolateCallbacks

	// Interrupt and UnhandledException are optional and usually nil.
	Interrupt          func() bool
	UnhandledException func(err error)

	// FileIO is a legacy hook set; embedders pass nil.
	FileIO *FileIOCallbacks

	// Entropy fills buf with random bytes. Nil selects the VM default.
	Entropy func(buf []byte) bool

	// ServiceAssets returns the diagnostic assets archive, or nil.
	ServiceAssets func() []byte
}

// FileIOCallbacks is the legacy file access hook set.
type FileIOCallbacks struct {
	Open  func(name string, write bool) (any, error)
	Read  func(stream any) ([]byte, error)
	Write func(stream any, data []byte) error
	Close func(stream any) error
}

// LibraryTag identifies the kind of load request sent to a LibraryTagHandler.
type LibraryTag int

const (
	TagCanonicalizeURL LibraryTag = iota
	TagScript
	TagImport
	TagSource
)

func (t LibraryTag) String() string {
	switch t {
	case TagCanonicalizeURL:
		return "canonicalize"
	case TagScript:
		return "script"
	case TagImport:
		return "import"
	case TagSource:
		return "source"
	default:
		return "unknown"
	}
}

// Library is the result of resolving a load request.
type Library struct {
	// URL is the canonical URL of the library.
	URL string

	// Native is set when the library is provided by registered natives
	// rather than loaded from source.
	Native bool

	// Source holds the library bytes for non-native libraries.
	Source []byte
}

// LibraryTagHandler resolves import/part/source requests during script loading.
type LibraryTagHandler func(ctx context.Context, iso Isolate, tag LibraryTag, library, url string) (Library, error)

// TimelineEventType is the kind of a timeline event.
type TimelineEventType int

const (
	TimelineBegin TimelineEventType = iota
	TimelineEnd
	TimelineInstant
	TimelineDuration
	TimelineAsyncBegin
	TimelineAsyncEnd
)

// TimelineEvent is a single event on the VM timeline. Timestamps are
// microseconds since the Unix epoch.
type TimelineEvent struct {
	Label               string
	Timestamp0          int64
	Timestamp1OrAsyncID int64
	Type                TimelineEventType
	Args                map[string]string
}

// DebugEventKind is the kind of an isolate debug event.
type DebugEventKind int

const (
	DebugIsolateCreated DebugEventKind = iota
	DebugIsolateRunnable
	DebugPauseStart
	DebugResume
	DebugIsolateExit
)

func (k DebugEventKind) String() string {
	switch k {
	case DebugIsolateCreated:
		return "isolate-created"
	case DebugIsolateRunnable:
		return "isolate-runnable"
	case DebugPauseStart:
		return "pause-start"
	case DebugResume:
		return "resume"
	case DebugIsolateExit:
		return "isolate-exit"
	default:
		return "unknown"
	}
}

// DebugEvent describes a change in an isolate's debug state.
type DebugEvent struct {
	Kind      DebugEventKind
	ScriptURI string
	Err       error
}

// DebugEventHandler receives debug events from the VM.
type DebugEventHandler func(ev DebugEvent)
