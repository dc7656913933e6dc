package vmapi

import "errors"

// Configuration errors
var (
	ErrUnrecognizedFlag = errors.New("vmapi: unrecognized VM flag")
	ErrFlagsFrozen      = errors.New("vmapi: flags must be set before the VM is initialized")
	ErrNoCallbacks      = errors.New("vmapi: isolate callbacks are required")
)

// Lifecycle errors
var (
	ErrNotInitialized     = errors.New("vmapi: VM not initialized")
	ErrAlreadyInitialized = errors.New("vmapi: VM already initialized")
	ErrIsolateNotEntered  = errors.New("vmapi: isolate is not current")
	ErrNoScope            = errors.New("vmapi: no API scope")
	ErrIsolateEntered     = errors.New("vmapi: isolate is still current")
	ErrAlreadyRunnable    = errors.New("vmapi: isolate is already runnable")
	ErrNoScript           = errors.New("vmapi: isolate has no script loaded")
	ErrNoTagHandler       = errors.New("vmapi: no library tag handler installed")
	ErrIsolateShutdown    = errors.New("vmapi: isolate has been shut down")
	ErrForeignIsolate     = errors.New("vmapi: isolate belongs to another VM")
)

// Native binding errors
var (
	ErrNativeConflict = errors.New("vmapi: native module already registered")
	ErrNativeNotFound = errors.New("vmapi: native library has no registered natives")
	ErrEntryNotFound  = errors.New("vmapi: entry point not exported")
)
