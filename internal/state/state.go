// Package state holds the per-isolate embedder state: the native isolate
// handle, the class-provider registry and the diagnostic client.
package state

import (
	"errors"
	"sync"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

// Lifecycle represents the isolate lifecycle as seen by the embedder.
type Lifecycle int

const (
	LifecycleNew Lifecycle = iota
	LifecycleCreated   // Native isolate registered
	LifecycleRunnable  // VM accepted the isolate as runnable
	LifecycleShutdown  // Shutdown callback ran
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleNew:
		return "new"
	case LifecycleCreated:
		return "created"
	case LifecycleRunnable:
		return "runnable"
	case LifecycleShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var ErrShutdown = errors.New("state: isolate already shut down")

// IsolateClient is the diagnostic client attached to every isolate state.
type IsolateClient interface {
	DidCreateSecondaryIsolate(iso vmapi.Isolate)
}

// NopClient is an IsolateClient that ignores every notification.
type NopClient struct{}

func (NopClient) DidCreateSecondaryIsolate(vmapi.Isolate) {}

// IsolateState is owned by exactly one isolate. It is created right before
// the isolate is registered with the VM and released only by the VM's
// shutdown callback.
type IsolateState struct {
	client  IsolateClient
	library *ClassLibrary

	mu        sync.Mutex
	isolate   vmapi.Isolate
	lifecycle Lifecycle
}

// New creates a root isolate state.
func New(client IsolateClient) *IsolateState {
	if client == nil {
		client = NopClient{}
	}
	s := &IsolateState{client: client}
	s.library = NewClassLibrary(s)
	return s
}

// CreateForChild derives the state of an isolate spawned by this one. The
// child shares the diagnostic client and starts with an empty class library.
func (s *IsolateState) CreateForChild() *IsolateState {
	return New(s.client)
}

// SetIsolate binds the native isolate handle.
func (s *IsolateState) SetIsolate(iso vmapi.Isolate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isolate = iso
	if s.lifecycle == LifecycleNew {
		s.lifecycle = LifecycleCreated
	}
}

// Isolate returns the native isolate handle, nil after shutdown.
func (s *IsolateState) Isolate() vmapi.Isolate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolate
}

func (s *IsolateState) ClassLibrary() *ClassLibrary { return s.library }
func (s *IsolateState) Client() IsolateClient       { return s.client }

// MarkRunnable records that the VM accepted the isolate as runnable.
func (s *IsolateState) MarkRunnable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != LifecycleShutdown {
		s.lifecycle = LifecycleRunnable
	}
}

// Lifecycle returns the current lifecycle stage.
func (s *IsolateState) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Shutdown releases the isolate handle. A second call returns ErrShutdown.
func (s *IsolateState) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == LifecycleShutdown {
		return ErrShutdown
	}
	s.lifecycle = LifecycleShutdown
	s.isolate = nil
	return nil
}
