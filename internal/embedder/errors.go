package embedder

import (
	"errors"
	"fmt"
)

// ErrContractViolation matches every *ContractViolation with errors.Is.
var ErrContractViolation = errors.New("embedder: contract violation")

// Causes reported inside a ContractViolation.
var (
	ErrAlreadyInitialized  = errors.New("embedder: VM already initialized")
	ErrNotFileURI          = errors.New("embedder: script URI is not a file:// URI")
	ErrSnapshotMissing     = errors.New("embedder: bundle has no snapshot")
	ErrBadParentState      = errors.New("embedder: parent state is not an isolate state")
	ErrNotServiceIsolate   = errors.New("embedder: VM does not recognize the service isolate")
	ErrServiceInitialized  = errors.New("embedder: service isolate already initialized")
	ErrUnknownLibrary      = errors.New("embedder: unknown library")
	ErrUnsupportedScheme   = errors.New("embedder: unsupported URL scheme")
	ErrUnsupportedLoadKind = errors.New("embedder: unsupported library tag")
)

// ContractViolation reports a broken embedding invariant. The process
// cannot continue once one is returned.
type ContractViolation struct {
	Op  string
	Err error
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("embedder: contract violation in %s: %v", e.Op, e.Err)
}

func (e *ContractViolation) Unwrap() []error {
	return []error{ErrContractViolation, e.Err}
}
