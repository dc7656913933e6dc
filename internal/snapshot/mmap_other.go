//go:build !unix

package snapshot

import "os"

func mapFile(f *os.File, size int64, executable bool) (*MappedRegion, error) {
	return nil, ErrMapUnsupported
}
