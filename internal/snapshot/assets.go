package snapshot

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrMissingAOTPath is returned when asset lookup is selected without a
// snapshot directory.
var ErrMissingAOTPath = errors.New("snapshot: AOT snapshot path is not set")

// AssetSpec describes an asset file that holds one segment of the
// precompiled snapshot.
type AssetSpec struct {
	Symbol     Symbol
	FileName   string
	Executable bool
}

// DefaultAssets is the symbol asset table.
var DefaultAssets = []AssetSpec{
	{Symbol: VMIsolateSnapshot, FileName: "snapshot_aot_vmisolate"},
	{Symbol: IsolateSnapshot, FileName: "snapshot_aot_isolate"},
	{Symbol: Instructions, FileName: "snapshot_aot_instr", Executable: true},
	{Symbol: Data, FileName: "snapshot_aot_rodata"},
}

// FileSystem is the file access the asset locator needs. Open must return a
// real file because the descriptor is memory mapped.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	Open(name string) (*os.File, error)
}

type osFS struct{}

func (osFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (osFS) Open(name string) (*os.File, error)    { return os.Open(name) }

// Mapper maps size bytes of f into memory.
type Mapper func(f *os.File, size int64, executable bool) (*MappedRegion, error)

type assetEntry struct {
	spec AssetSpec

	mu       sync.Mutex
	resolved bool
	mapping  []byte
}

// AssetLocator resolves symbols by mapping their asset files into memory.
// Once a symbol's file has been handed to the mapper the result is kept for
// the rest of the process, absent included. A file that cannot be stat'ed or
// opened is looked up again on the next call.
type AssetLocator struct {
	dir     string
	fs      FileSystem
	mapFile Mapper
	entries []*assetEntry
}

// AssetOption configures an AssetLocator.
type AssetOption func(*AssetLocator)

// WithFileSystem replaces the OS file system.
func WithFileSystem(fsys FileSystem) AssetOption {
	return func(l *AssetLocator) { l.fs = fsys }
}

// WithMapper replaces the mmap-based mapper.
func WithMapper(m Mapper) AssetOption {
	return func(l *AssetLocator) { l.mapFile = m }
}

// WithAssets replaces the symbol asset table.
func WithAssets(specs []AssetSpec) AssetOption {
	return func(l *AssetLocator) { l.entries = newEntries(specs) }
}

// NewAssetLocator creates a locator over the asset files in dir.
func NewAssetLocator(dir string, opts ...AssetOption) (*AssetLocator, error) {
	if dir == "" {
		return nil, ErrMissingAOTPath
	}
	l := &AssetLocator{
		dir:     dir,
		fs:      osFS{},
		mapFile: mapFile,
		entries: newEntries(DefaultAssets),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func newEntries(specs []AssetSpec) []*assetEntry {
	entries := make([]*assetEntry, len(specs))
	for i, spec := range specs {
		entries[i] = &assetEntry{spec: spec}
	}
	return entries
}

// Dir returns the asset directory.
func (l *AssetLocator) Dir() string {
	return l.dir
}

func (l *AssetLocator) Lookup(sym Symbol) []byte {
	for _, e := range l.entries {
		if e.spec.Symbol != sym {
			continue
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.resolved {
			e.mapping, e.resolved = l.mapAsset(e.spec)
		}
		return e.mapping
	}
	return nil
}

// mapAsset reports whether the mapper ran; only then is the result final.
func (l *AssetLocator) mapAsset(spec AssetSpec) ([]byte, bool) {
	path := filepath.Join(l.dir, spec.FileName)
	info, err := l.fs.Stat(path)
	if err != nil {
		return nil, false
	}

	f, err := l.fs.Open(path)
	if err != nil {
		return nil, false
	}
	region, err := l.mapFile(f, info.Size(), spec.Executable)
	// The mapping outlives the descriptor.
	f.Close()
	if err != nil {
		return nil, true
	}
	return region.Leak(), true
}
