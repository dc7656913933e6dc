// Package bundle reads application asset bundles: zip archives used as a
// key to bytes store.
package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zip"
)

// SnapshotKey is the bundle entry holding the isolate script snapshot.
const SnapshotKey = "snapshot_blob.bin"

// Bundle is an open asset bundle. It is safe for concurrent use.
type Bundle struct {
	path string

	mu      sync.Mutex
	archive *zip.ReadCloser
	entries map[string]*zip.File
}

// Open opens the bundle at path.
func Open(path string) (*Bundle, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}

	entries := make(map[string]*zip.File, len(rc.File))
	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries[f.Name] = f
	}
	return &Bundle{path: path, archive: rc, entries: entries}, nil
}

// Path returns the bundle file path.
func (b *Bundle) Path() string {
	return b.path
}

// GetAsBuffer returns the contents of key, or false when the bundle has no
// such entry or it cannot be read.
func (b *Bundle) GetAsBuffer(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.archive == nil {
		return nil, false
	}
	f, ok := b.entries[key]
	if !ok {
		return nil, false
	}

	r, err := f.Open()
	if err != nil {
		return nil, false
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Keys returns the entry names in sorted order.
func (b *Bundle) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close releases the archive. Lookups after Close report absent.
func (b *Bundle) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.archive == nil {
		return nil
	}
	err := b.archive.Close()
	b.archive = nil
	return err
}

// Create writes a bundle holding entries to path.
func Create(path string, entries map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			f.Close()
			return fmt.Errorf("add %s: %w", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finish bundle: %w", err)
	}
	return f.Close()
}
