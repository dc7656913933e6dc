//go:build unix

package snapshot

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps size bytes of f read-only and private (copy-on-write),
// adding execute permission for code segments.
func mapFile(f *os.File, size int64, executable bool) (*MappedRegion, error) {
	if size <= 0 {
		return nil, ErrEmptySegment
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("snapshot: segment %s too large: %d bytes", f.Name(), size)
	}

	prot := unix.PROT_READ
	if executable {
		prot |= unix.PROT_EXEC
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("snapshot: mmap %s: %w", f.Name(), err)
	}
	return &MappedRegion{data: data, unmap: unix.Munmap}, nil
}
