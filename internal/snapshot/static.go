package snapshot

import "sync"

// Registry is a link-time symbol table. Generated code (or go:embed
// wrappers) registers blobs from init functions.
type Registry struct {
	mu      sync.RWMutex
	symbols map[Symbol][]byte
}

// Default is the process symbol table.
var Default = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{symbols: make(map[Symbol][]byte)}
}

// Register binds data to sym. Registering an empty blob is ignored.
func (r *Registry) Register(sym Symbol, data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	r.symbols[sym] = data
	r.mu.Unlock()
}

// Lookup returns the blob registered for sym.
func (r *Registry) Lookup(sym Symbol) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.symbols[sym]
}

// Register binds data to sym in the default registry.
func Register(sym Symbol, data []byte) {
	Default.Register(sym, data)
}

// StaticLocator resolves symbols from a registry. Lookups always succeed when
// the binary was built with the blob embedded.
type StaticLocator struct {
	reg *Registry
}

// NewStaticLocator creates a locator backed by reg.
func NewStaticLocator(reg *Registry) *StaticLocator {
	return &StaticLocator{reg: reg}
}

func (l *StaticLocator) Lookup(sym Symbol) []byte {
	return l.reg.Lookup(sym)
}
