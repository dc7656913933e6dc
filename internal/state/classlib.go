package state

import (
	"errors"
	"fmt"
	"sync"
)

var ErrDuplicateProvider = errors.New("state: class provider already registered")

// LibraryProvider resolves native classes of one library for one isolate.
type LibraryProvider struct {
	Name       string
	LibraryURI string

	// State is the isolate state the provider belongs to.
	State *IsolateState
}

// ClassLibrary is the class-provider registry of an isolate, used to
// resolve native bindings by library URI.
type ClassLibrary struct {
	owner *IsolateState

	mu        sync.RWMutex
	providers map[string]LibraryProvider
	order     []string
}

// NewClassLibrary creates an empty registry owned by s.
func NewClassLibrary(s *IsolateState) *ClassLibrary {
	return &ClassLibrary{
		owner:     s,
		providers: make(map[string]LibraryProvider),
	}
}

// AddProvider registers a provider for libraryURI under name.
func (c *ClassLibrary) AddProvider(name, libraryURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.providers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	c.providers[name] = LibraryProvider{Name: name, LibraryURI: libraryURI, State: c.owner}
	c.order = append(c.order, name)
	return nil
}

// Provider returns the provider registered under name.
func (c *ClassLibrary) Provider(name string) (LibraryProvider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

// Names returns provider names in registration order.
func (c *ClassLibrary) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// ResolveURI returns the provider serving libraryURI.
func (c *ClassLibrary) ResolveURI(libraryURI string) (LibraryProvider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range c.order {
		if p := c.providers[name]; p.LibraryURI == libraryURI {
			return p, true
		}
	}
	return LibraryProvider{}, false
}
