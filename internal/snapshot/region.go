package snapshot

import (
	"errors"
	"sync"
)

var (
	ErrMapUnsupported = errors.New("snapshot: memory mapping not supported on this platform")
	ErrEmptySegment   = errors.New("snapshot: segment file is empty")
)

// MappedRegion owns a memory mapping. Close unmaps it. Leak hands the bytes
// to the caller for the rest of the process; the mapping is never unmapped
// after that.
type MappedRegion struct {
	mu     sync.Mutex
	data   []byte
	unmap  func([]byte) error
	leaked bool
	closed bool
}

// Bytes returns the mapped memory. Not valid after Close.
func (r *MappedRegion) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.data
}

// Len returns the mapping size.
func (r *MappedRegion) Len() int {
	return len(r.Bytes())
}

// Close unmaps the region. It is a no-op after Leak or a previous Close.
func (r *MappedRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaked || r.closed {
		return nil
	}
	r.closed = true
	if r.unmap == nil {
		return nil
	}
	return r.unmap(r.data)
}

// Leak transfers ownership of the mapping to the caller. The region stays
// mapped for the lifetime of the process.
func (r *MappedRegion) Leak() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.leaked = true
	return r.data
}
